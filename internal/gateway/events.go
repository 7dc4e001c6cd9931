// ABOUTME: Session audit recording from registry lifecycle events
// ABOUTME: Converts toolsession events into store session events

package gateway

import (
	"context"
	"time"

	"github.com/2389/mcp-broker/internal/store"
	"github.com/2389/mcp-broker/internal/toolsession"
)

// eventWriteTimeout bounds one audit write so a slow disk never stalls the
// registry caller that triggered the event.
const eventWriteTimeout = 5 * time.Second

// recordEvent saves a registry lifecycle event to the audit log. Failures
// are logged and otherwise ignored.
func (g *Gateway) recordEvent(ev toolsession.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()

	e := &store.SessionEvent{
		Kind:           store.SessionEventKind(ev.Kind),
		UserID:         ev.Key.UserID,
		ProjectID:      ev.Key.ProjectID,
		ConversationID: ev.Key.ConversationID,
		Servers:        ev.Servers,
		ToolCount:      ev.ToolCount,
		Timestamp:      ev.At,
	}
	if err := g.store.AppendSessionEvent(ctx, e); err != nil {
		g.logger.Warn("failed to record session event", "kind", ev.Kind, "session_key", ev.Key.String(), "error", err)
	}
}
