// Package gateway orchestrates the mcp-broker server components.
//
// # Overview
//
// The gateway package is the central coordinator of the mcp-broker server.
// It owns the session registry, the data store holding tool-server
// definitions and the session audit log, and the HTTP server that exposes
// both to agent runtimes.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config      *config.Config
//	    store       store.Store
//	    provider    toolsession.Provider
//	    registry    *toolsession.Registry
//	    verifier    *auth.JWTVerifier
//	    httpServer  *http.Server
//	    tsnetServer *tsnet.Server
//	    // ...
//	}
//
// # HTTP API
//
// Tool sessions (api.go):
//
//   - POST /api/tools - Load the tools for an isolation key
//   - POST /api/tools/call - Invoke a tool on the key's live session
//   - POST /api/tools/refresh - Reopen one server's session for a key
//   - GET /api/sessions - List tracked keys
//   - DELETE /api/sessions - Close one key, or a whole scope with scope=all
//   - GET /api/sessions/events - Query the session audit log
//
// Tool servers (servers.go):
//
//   - GET /api/servers - List config and stored servers
//   - POST /api/servers - Create a stored server (admin)
//   - GET /api/servers/{id} - Get one server
//   - PUT /api/servers/{id} - Replace a stored server (admin)
//   - DELETE /api/servers/{id} - Delete a stored server (admin)
//   - POST /api/servers/{id}/ping - Probe a server's connectivity
//
// Health:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # Isolation Keys
//
// Every tool request names a user, a project and optionally a conversation.
// With auth enabled the user defaults to the token subject, and only admins
// may act for other users.
//
// # Server Sources
//
// Servers come from the config file and from the store. Config servers have
// IDs of the form "config:<name>", are read-only through the API, and win
// over a stored server with the same name. A key keeps the server set it
// was created with until it is cleaned up.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run shuts down on cancel: HTTP drains first, then every tool session is
// closed within the protocol timeout, then tailscale and the store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, listeners, Run/Shutdown
//   - api.go: Tool and session handlers
//   - servers.go: Tool-server handlers
//   - router.go: Key resolution, error mapping, request logging
//   - events.go: Session audit recording
package gateway
