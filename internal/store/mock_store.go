// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	servers map[string]*ToolServer // keyed by ID
	events  []SessionEvent         // append order
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers: make(map[string]*ToolServer),
	}
}

func copyServer(srv *ToolServer) *ToolServer {
	c := *srv
	c.Headers = maps.Clone(srv.Headers)
	c.Args = slices.Clone(srv.Args)
	c.Env = maps.Clone(srv.Env)
	return &c
}

func (m *MockStore) nameTakenLocked(name, exceptID string) bool {
	for id, srv := range m.servers {
		if id != exceptID && srv.Name == name {
			return true
		}
	}
	return false
}

// CreateToolServer stores a new tool server definition.
func (m *MockStore) CreateToolServer(ctx context.Context, srv *ToolServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nameTakenLocked(srv.Name, "") {
		return ErrDuplicateServer
	}
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}
	if srv.UpdatedAt.IsZero() {
		srv.UpdatedAt = srv.CreatedAt
	}
	m.servers[srv.ID] = copyServer(srv)
	return nil
}

// GetToolServer retrieves a tool server by ID.
func (m *MockStore) GetToolServer(ctx context.Context, id string) (*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	srv, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyServer(srv), nil
}

// GetToolServerByName retrieves a tool server by name.
func (m *MockStore) GetToolServerByName(ctx context.Context, name string) (*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, srv := range m.servers {
		if srv.Name == name {
			return copyServer(srv), nil
		}
	}
	return nil, ErrNotFound
}

// ListToolServers returns tool servers ordered by name.
func (m *MockStore) ListToolServers(ctx context.Context, filter ToolServerFilter) ([]*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ToolServer
	for _, srv := range m.servers {
		if filter.ActiveOnly && !srv.IsActive {
			continue
		}
		if filter.Owner != nil && srv.Owner != *filter.Owner {
			continue
		}
		out = append(out, copyServer(srv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateToolServer replaces a stored definition.
func (m *MockStore) UpdateToolServer(ctx context.Context, srv *ToolServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.servers[srv.ID]
	if !ok {
		return ErrNotFound
	}
	if m.nameTakenLocked(srv.Name, srv.ID) {
		return ErrDuplicateServer
	}
	srv.CreatedAt = existing.CreatedAt
	srv.UpdatedAt = time.Now().UTC()
	m.servers[srv.ID] = copyServer(srv)
	return nil
}

// DeleteToolServer removes a tool server definition.
func (m *MockStore) DeleteToolServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	return nil
}

// AppendSessionEvent records a lifecycle event.
func (m *MockStore) AppendSessionEvent(ctx context.Context, e *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c := *e
	c.Servers = slices.Clone(e.Servers)
	m.events = append(m.events, c)
	return nil
}

// ListSessionEvents returns matching events newest first.
func (m *MockStore) ListSessionEvents(ctx context.Context, f SessionEventFilter) ([]SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeEventLimit(f.Limit)
	var out []SessionEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.ProjectID != nil && e.ProjectID != *f.ProjectID {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		e.Servers = slices.Clone(e.Servers)
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Reset clears all stored data.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.servers = make(map[string]*ToolServer)
	m.events = nil
}

// EventKinds returns the kinds of all recorded events in append order,
// joined with commas.
func (m *MockStore) EventKinds() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds := make([]string, len(m.events))
	for i, e := range m.events {
		kinds[i] = string(e.Kind)
	}
	return strings.Join(kinds, ",")
}
