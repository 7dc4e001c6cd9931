// ABOUTME: Store interface and data types for mcp-broker persistence
// ABOUTME: Defines ToolServer and SessionEvent records and the Store interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/mcp-broker/internal/toolsession"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateServer is returned when a tool server name is already taken
var ErrDuplicateServer = errors.New("tool server name already exists")

// ToolServer is a remote tool-server definition managed at runtime.
// Only active servers are offered to conversations.
type ToolServer struct {
	ID        string
	Name      string // unique
	Transport string // streamable-http, sse or stdio
	URL       string
	Headers   map[string]string
	Command   string
	Args      []string
	Env       map[string]string
	IsActive  bool
	Owner     string // subject that created the definition, may be empty
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Config converts the stored definition into a session configuration.
func (s *ToolServer) Config() toolsession.ServerConfig {
	return toolsession.ServerConfig{
		Transport: toolsession.NormalizeTransport(s.Transport),
		URL:       s.URL,
		Headers:   s.Headers,
		Command:   s.Command,
		Args:      s.Args,
		Env:       s.Env,
	}
}

// ToolServerFilter specifies filtering options for listing tool servers.
type ToolServerFilter struct {
	ActiveOnly bool
	Owner      *string
}

// SessionEventKind names a session lifecycle transition.
type SessionEventKind string

const (
	EventToolsLoaded  SessionEventKind = "tools_loaded"
	EventCleanup      SessionEventKind = "cleanup"
	EventCleanupScope SessionEventKind = "cleanup_scope"
	EventSweep        SessionEventKind = "sweep"
)

// SessionEvent is one entry of the session audit log. It never carries
// conversation content.
type SessionEvent struct {
	ID             string
	Kind           SessionEventKind
	UserID         string
	ProjectID      string
	ConversationID string
	Servers        []string
	ToolCount      int
	Timestamp      time.Time
}

// SessionEventFilter specifies filtering options for listing session events.
type SessionEventFilter struct {
	Since     *time.Time        // events at or after this time
	UserID    *string           // filter by user
	ProjectID *string           // filter by project
	Kind      *SessionEventKind // filter by kind
	Limit     int               // max results (default 100, max 1000)
}

// Store defines the interface for broker persistence
type Store interface {
	// CreateToolServer stores a new definition, filling ID and timestamps
	// when unset. Returns ErrDuplicateServer if the name is taken.
	CreateToolServer(ctx context.Context, srv *ToolServer) error

	// GetToolServer retrieves a definition by ID
	GetToolServer(ctx context.Context, id string) (*ToolServer, error)

	// GetToolServerByName retrieves a definition by its unique name
	GetToolServerByName(ctx context.Context, name string) (*ToolServer, error)

	// ListToolServers returns definitions ordered by name
	ListToolServers(ctx context.Context, filter ToolServerFilter) ([]*ToolServer, error)

	// UpdateToolServer replaces a stored definition
	UpdateToolServer(ctx context.Context, srv *ToolServer) error

	// DeleteToolServer removes a definition
	DeleteToolServer(ctx context.Context, id string) error

	// AppendSessionEvent records a lifecycle event
	AppendSessionEvent(ctx context.Context, e *SessionEvent) error

	// ListSessionEvents returns events newest first
	ListSessionEvents(ctx context.Context, filter SessionEventFilter) ([]SessionEvent, error)

	// Close closes the store
	Close() error
}
