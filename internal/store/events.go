// ABOUTME: Session audit log stored in SQLite
// ABOUTME: Records tool loads, cleanups and idle sweeps per isolation key without conversation content

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// eventTimeLayout is fixed width so timestamps sort lexically.
const eventTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// AppendSessionEvent appends a new entry to the session audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendSessionEvent(ctx context.Context, e *SessionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	servers, err := encodeJSON(e.Servers, len(e.Servers))
	if err != nil {
		return fmt.Errorf("marshaling servers: %w", err)
	}

	query := `
		INSERT INTO session_events (event_id, kind, user_id, project_id, conversation_id, servers_json, tool_count, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.UserID,
		e.ProjectID,
		e.ConversationID,
		servers,
		e.ToolCount,
		e.Timestamp.UTC().Format(eventTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}

	s.logger.Debug("appended session event",
		"id", e.ID,
		"kind", e.Kind,
		"user_id", e.UserID,
		"project_id", e.ProjectID,
	)
	return nil
}

// normalizeEventLimit applies default (100) and cap (1000) to the event limit.
func normalizeEventLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const sessionEventsQuery = `
	SELECT event_id, kind, user_id, project_id, conversation_id, servers_json, tool_count, ts
	FROM session_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR user_id = ?)
	  AND (? IS NULL OR project_id = ?)
	  AND (? IS NULL OR kind = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListSessionEvents returns session events matching the filter, newest first.
func (s *SQLiteStore) ListSessionEvents(ctx context.Context, f SessionEventFilter) ([]SessionEvent, error) {
	var since, kind *string
	if f.Since != nil {
		str := f.Since.UTC().Format(eventTimeLayout)
		since = &str
	}
	if f.Kind != nil {
		str := string(*f.Kind)
		kind = &str
	}

	rows, err := s.db.QueryContext(ctx, sessionEventsQuery,
		since, since,
		f.UserID, f.UserID,
		f.ProjectID, f.ProjectID,
		kind, kind,
		normalizeEventLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		e, err := scanSessionEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}
	return events, nil
}

// scanSessionEvent scans a row into a SessionEvent.
func scanSessionEvent(scanner interface{ Scan(dest ...any) error }) (SessionEvent, error) {
	var e SessionEvent
	var kind, ts string
	var servers *string

	if err := scanner.Scan(
		&e.ID,
		&kind,
		&e.UserID,
		&e.ProjectID,
		&e.ConversationID,
		&servers,
		&e.ToolCount,
		&ts,
	); err != nil {
		return e, fmt.Errorf("scanning session event: %w", err)
	}

	e.Kind = SessionEventKind(kind)
	var err error
	e.Timestamp, err = time.Parse(eventTimeLayout, ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	if servers != nil {
		if err := json.Unmarshal([]byte(*servers), &e.Servers); err != nil {
			return e, fmt.Errorf("unmarshaling servers: %w", err)
		}
	}
	return e, nil
}
