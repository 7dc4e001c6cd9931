// ABOUTME: Tests for tool server persistence
// ABOUTME: Covers CRUD, name uniqueness, filters and JSON field round trips

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-broker/internal/toolsession"
)

func TestToolServers_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	srv := &ToolServer{
		Name:      "browser",
		Transport: "stdio",
		Command:   "fake-toolserver",
		Args:      []string{"--stdio"},
		Env:       map[string]string{"HEADLESS": "1"},
		IsActive:  true,
		Owner:     "user-1",
	}
	require.NoError(t, store.CreateToolServer(ctx, srv))
	assert.NotEmpty(t, srv.ID)
	assert.False(t, srv.CreatedAt.IsZero())

	got, err := store.GetToolServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, "browser", got.Name)
	assert.Equal(t, []string{"--stdio"}, got.Args)
	assert.Equal(t, map[string]string{"HEADLESS": "1"}, got.Env)
	assert.Nil(t, got.Headers)
	assert.True(t, got.IsActive)
	assert.Equal(t, "user-1", got.Owner)

	byName, err := store.GetToolServerByName(ctx, "browser")
	require.NoError(t, err)
	assert.Equal(t, srv.ID, byName.ID)
}

func TestToolServers_DuplicateName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateToolServer(ctx, &ToolServer{Name: "search", URL: "http://a/mcp", Transport: "sse"}))
	err := store.CreateToolServer(ctx, &ToolServer{Name: "search", URL: "http://b/mcp", Transport: "sse"})
	assert.ErrorIs(t, err, ErrDuplicateServer)
}

func TestToolServers_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetToolServer(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetToolServerByName(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.UpdateToolServer(ctx, &ToolServer{ID: "missing", Name: "x"}), ErrNotFound)
	assert.ErrorIs(t, store.DeleteToolServer(ctx, "missing"), ErrNotFound)
}

func TestToolServers_ListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	alice := "alice"
	for _, srv := range []*ToolServer{
		{Name: "zeta", URL: "http://z/mcp", Transport: "streamable-http", IsActive: true, Owner: "alice"},
		{Name: "alpha", URL: "http://a/mcp", Transport: "streamable-http", IsActive: false, Owner: "alice"},
		{Name: "mid", URL: "http://m/mcp", Transport: "sse", IsActive: true, Owner: "bob"},
	} {
		require.NoError(t, store.CreateToolServer(ctx, srv))
	}

	all, err := store.ListToolServers(ctx, ToolServerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[2].Name)

	active, err := store.ListToolServers(ctx, ToolServerFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "mid", active[0].Name)

	owned, err := store.ListToolServers(ctx, ToolServerFilter{Owner: &alice})
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	activeOwned, err := store.ListToolServers(ctx, ToolServerFilter{ActiveOnly: true, Owner: &alice})
	require.NoError(t, err)
	require.Len(t, activeOwned, 1)
	assert.Equal(t, "zeta", activeOwned[0].Name)
}

func TestToolServers_UpdateAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	srv := &ToolServer{Name: "search", URL: "http://a/mcp", Transport: "streamable-http", IsActive: true}
	require.NoError(t, store.CreateToolServer(ctx, srv))
	require.NoError(t, store.CreateToolServer(ctx, &ToolServer{Name: "other", URL: "http://o/mcp", Transport: "sse"}))

	srv.URL = "http://b/mcp"
	srv.Headers = map[string]string{"Authorization": "Bearer abc"}
	srv.IsActive = false
	require.NoError(t, store.UpdateToolServer(ctx, srv))

	got, err := store.GetToolServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://b/mcp", got.URL)
	assert.Equal(t, "Bearer abc", got.Headers["Authorization"])
	assert.False(t, got.IsActive)

	srv.Name = "other"
	assert.ErrorIs(t, store.UpdateToolServer(ctx, srv), ErrDuplicateServer)

	require.NoError(t, store.DeleteToolServer(ctx, srv.ID))
	_, err = store.GetToolServer(ctx, srv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToolServer_Config(t *testing.T) {
	srv := &ToolServer{
		Transport: "streamable_http",
		URL:       "http://a/mcp",
		Headers:   map[string]string{"X-Team": "qa"},
	}
	cfg := srv.Config()
	assert.Equal(t, toolsession.TransportStreamableHTTP, cfg.Transport)
	assert.Equal(t, "http://a/mcp", cfg.URL)
	assert.Equal(t, "qa", cfg.Headers["X-Team"])
	assert.NoError(t, cfg.Validate())
}
