// ABOUTME: Tests for the session audit log
// ABOUTME: Covers append defaults, ordering, filters and limit normalization

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionEvents_AppendAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []*SessionEvent{
		{Kind: EventToolsLoaded, UserID: "1", ProjectID: "5", ConversationID: "c1", Servers: []string{"browser", "search"}, ToolCount: 4, Timestamp: base},
		{Kind: EventCleanup, UserID: "1", ProjectID: "5", ConversationID: "c1", Timestamp: base.Add(time.Minute)},
		{Kind: EventToolsLoaded, UserID: "2", ProjectID: "5", ConversationID: "c9", Servers: []string{"search"}, ToolCount: 1, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, e := range events {
		require.NoError(t, store.AppendSessionEvent(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	all, err := store.ListSessionEvents(ctx, SessionEventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].UserID, "newest first")
	assert.Equal(t, EventCleanup, all[1].Kind)
	assert.Equal(t, []string{"browser", "search"}, all[2].Servers)
	assert.Equal(t, 4, all[2].ToolCount)
	assert.True(t, all[2].Timestamp.Equal(base))

	user := "1"
	mine, err := store.ListSessionEvents(ctx, SessionEventFilter{UserID: &user})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	kind := EventToolsLoaded
	loads, err := store.ListSessionEvents(ctx, SessionEventFilter{Kind: &kind})
	require.NoError(t, err)
	assert.Len(t, loads, 2)

	since := base.Add(30 * time.Second)
	recent, err := store.ListSessionEvents(ctx, SessionEventFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := store.ListSessionEvents(ctx, SessionEventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSessionEvents_DefaultTimestamp(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	before := time.Now().UTC()
	e := &SessionEvent{Kind: EventSweep, UserID: "1", ProjectID: "5"}
	require.NoError(t, store.AppendSessionEvent(ctx, e))
	assert.False(t, e.Timestamp.Before(before))

	got, err := store.ListSessionEvents(ctx, SessionEventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Servers)
	assert.True(t, got[0].Timestamp.Equal(e.Timestamp))
}

func TestNormalizeEventLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 100},
		{-5, 100},
		{50, 50},
		{1000, 1000},
		{5000, 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeEventLimit(tt.in), "limit %d", tt.in)
	}
}
