// Package mcpclient connects the tool session manager to MCP tool servers.
//
// Provider implements toolsession.Provider with the official MCP Go SDK.
// Each Open performs the initialize handshake over the configured transport:
//
//   - streamable-http (default): StreamableClientTransport with configured headers
//   - sse: SSEClientTransport with configured headers
//   - stdio: CommandTransport running the configured command
//
// Sessions list tools with pagination and bind each tool to tools/call on the
// same session, so stateful servers keep their state between calls. A
// session's Done channel closes when the connection ends for any reason.
package mcpclient
