// Package toolsession keeps stateful tool-server sessions alive across the
// turns of a conversation.
//
// # Overview
//
// Tool servers such as a browser automation server hold mutable state inside
// a session: an open page survives between calls only while its session does.
// This package opens one session per (client, server) pair on first use,
// reuses it for every later call, recovers it once when it fails and releases
// it on shutdown.
//
// # Session Entries
//
// Each session is owned by an unexported entry whose background goroutine
// opens it, publishes the handle, and then waits for a close request or a
// remote drop:
//
//	starting -> ready | failed -> close_requested -> closed
//
// Close requests are signals (a channel closed through sync.Once), so any
// goroutine may ask for teardown. Every closer waits on the same done channel.
//
// # Client
//
// Client owns the entries for one configuration set:
//
//	client, err := toolsession.NewClient(configs, provider, toolsession.ClientOptions{Logger: logger})
//	tools, err := client.GetTools(ctx, "browser")
//	all := client.GetAllTools(ctx)
//	defer client.Close(ctx)
//
// GetTools:
//
//  1. Returns cached tools while the session behind them is alive
//  2. Creates the entry under the client lock if absent
//  3. Waits for readiness; on failure replaces the entry exactly once and retries
//  4. Loads tools under the entry's load lock, tearing the entry down on failure
//
// GetAllTools queries every server concurrently and returns the tools of the
// servers that succeeded. A failing server is logged, never fatal.
//
// A Client discarded without Close logs a warning naming the servers whose
// sessions were left open.
//
// # Registry
//
// Registry multiplexes clients by IsolationKey (user, project, optional
// conversation). Distinct keys never share a client:
//
//	reg := toolsession.NewRegistry(provider, toolsession.RegistryOptions{Logger: logger})
//	tools, err := reg.GetToolsForSession(ctx, configs, toolsession.NewIsolationKey("1", "5", "c1"))
//
// Non-empty aggregated tool lists are cached per key. Empty results are never
// cached, and a cached list is dropped as soon as one of its sessions is lost.
//
// Cleanup operations:
//
//   - Cleanup(key): one key
//   - CleanupScope(user, project): every conversation of a project
//   - SweepIdle / StartSweeper: keys idle past a TTL
//   - CleanupAll / Shutdown: everything, at process exit
//
// # Errors
//
// Every error matches one kind with errors.Is:
//
//   - ErrConfiguration: bad or unknown server configuration
//   - ErrSessionUnavailable: no session after the single recovery attempt
//   - ErrToolLoad: the server could not list its tools
//   - ErrClientClosed: the client was already closed
//
// errors.As with *Error yields the server name.
//
// # Timeouts
//
// Opening, loading and releasing are each bounded by the protocol timeout
// (default 30s).
package toolsession
