// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Verifies it honors the same contract as SQLiteStore

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ToolServers(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	srv := &ToolServer{Name: "search", URL: "http://a/mcp", Transport: "sse", IsActive: true, Headers: map[string]string{"A": "1"}}
	require.NoError(t, m.CreateToolServer(ctx, srv))
	assert.ErrorIs(t, m.CreateToolServer(ctx, &ToolServer{Name: "search"}), ErrDuplicateServer)

	// Stored values are copies
	srv.Headers["A"] = "changed"
	got, err := m.GetToolServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Headers["A"])

	require.NoError(t, m.CreateToolServer(ctx, &ToolServer{Name: "idle", URL: "http://b/mcp", Transport: "sse"}))
	active, err := m.ListToolServers(ctx, ToolServerFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "search", active[0].Name)

	got.IsActive = false
	require.NoError(t, m.UpdateToolServer(ctx, got))
	active, err = m.ListToolServers(ctx, ToolServerFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, m.DeleteToolServer(ctx, got.ID))
	_, err = m.GetToolServerByName(ctx, "search")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_SessionEvents(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, m.AppendSessionEvent(ctx, &SessionEvent{Kind: EventToolsLoaded, UserID: "1", ProjectID: "5", Timestamp: base}))
	require.NoError(t, m.AppendSessionEvent(ctx, &SessionEvent{Kind: EventCleanup, UserID: "1", ProjectID: "5", Timestamp: base.Add(time.Second)}))
	require.NoError(t, m.AppendSessionEvent(ctx, &SessionEvent{Kind: EventSweep, UserID: "2", ProjectID: "5", Timestamp: base.Add(2 * time.Second)}))

	assert.Equal(t, "tools_loaded,cleanup,sweep", m.EventKinds())

	user := "1"
	events, err := m.ListSessionEvents(ctx, SessionEventFilter{UserID: &user})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventCleanup, events[0].Kind)

	m.Reset()
	assert.Empty(t, m.EventKinds())
}
