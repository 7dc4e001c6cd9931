// Package store provides persistent storage for mcp-broker using SQLite.
//
// # Architecture
//
// The Store interface covers two concerns:
//
//   - Tool servers: remote tool-server definitions managed at runtime
//     through the HTTP API. Active definitions are merged with the static
//     servers from the config file and offered to every conversation.
//   - Session events: an append-only audit log of session lifecycle
//     transitions (tools loaded, cleanup, scope cleanup, idle sweep). It
//     records isolation keys, server names and tool counts, never
//     conversation content.
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo).
// MockStore is an in-memory implementation for tests of higher layers.
//
// # Schema
//
// The schema is created on open. Columns added after the first release are
// applied by idempotent migrations that check pragma_table_info first.
// Timestamps are stored as UTC text; maps and slices as JSON text, NULL
// when empty.
//
// # Errors
//
//   - ErrNotFound: the requested record does not exist
//   - ErrDuplicateServer: a tool server with that name already exists
//
// # Usage
//
//	s, err := store.NewSQLiteStore("~/.local/share/mcp-broker/broker.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	servers, err := s.ListToolServers(ctx, store.ToolServerFilter{ActiveOnly: true})
package store
