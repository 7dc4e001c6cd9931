// ABOUTME: Process-wide multiplexer from isolation keys to persistent clients
// ABOUTME: Caches aggregated tool lists per key and owns cross-client cleanup

package toolsession

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Event kinds reported through RegistryOptions.OnEvent.
const (
	EventToolsLoaded  = "tools_loaded"
	EventCleanup      = "cleanup"
	EventCleanupScope = "cleanup_scope"
	EventSweep        = "sweep"
)

// Event describes one lifecycle change of a key's sessions.
type Event struct {
	Kind      string
	Key       IsolationKey
	Servers   []string
	ToolCount int
	At        time.Time
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger          *slog.Logger
	ProtocolTimeout time.Duration
	// Now is the clock used for last-used bookkeeping. Defaults to time.Now.
	Now func() time.Time
	// OnEvent, if set, is called synchronously after each lifecycle change.
	// It must not call back into the Registry.
	OnEvent func(Event)
}

// SessionInfo is the bookkeeping kept for one isolation key.
type SessionInfo struct {
	Key       IsolationKey `json:"key"`
	CreatedAt time.Time    `json:"created_at"`
	LastUsed  time.Time    `json:"last_used"`
	ToolCount int          `json:"tool_count"`
	Servers   []string     `json:"servers"`
}

// Registry maps isolation keys to dedicated Clients. Distinct keys never
// share a Client. It is safe for concurrent use.
//
// Lock order is Registry then Client; a Client never calls back into the
// Registry.
type Registry struct {
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	onEvent  func(Event)

	mu      sync.Mutex
	shared  map[string]*Client // legacy mode, keyed by config fingerprint
	clients map[IsolationKey]*Client
	tools   map[IsolationKey][]Tool
	info    map[IsolationKey]*SessionInfo

	sweepMu   sync.Mutex
	sweepDone chan struct{}
	sweepWG   sync.WaitGroup
}

// NewRegistry returns an empty registry. Tear it down with CleanupAll or
// Shutdown.
func NewRegistry(provider Provider, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.ProtocolTimeout
	if timeout <= 0 {
		timeout = DefaultProtocolTimeout
	}
	return &Registry{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With("component", "toolsession.registry"),
		now:      now,
		onEvent:  opts.OnEvent,
		shared:   make(map[string]*Client),
		clients:  make(map[IsolationKey]*Client),
		tools:    make(map[IsolationKey][]Tool),
		info:     make(map[IsolationKey]*SessionInfo),
	}
}

// GetToolsForSession returns the tools for an isolation key, reusing the
// key's live sessions across calls. A key keeps the configuration set it was
// first called with until it is cleaned up.
//
// Only non-empty results are cached, so an empty result from a transient
// startup failure is retried on the next call.
func (r *Registry) GetToolsForSession(ctx context.Context, configs map[string]ServerConfig, key IsolationKey) ([]Tool, error) {
	if err := key.Validate(); err != nil {
		return nil, configError("", err)
	}

	r.mu.Lock()
	if tools, ok := r.tools[key]; ok && len(tools) > 0 {
		client := r.clients[key]
		if client != nil && !client.Stale() {
			r.touchLocked(key)
			r.mu.Unlock()
			return tools, nil
		}
		delete(r.tools, key)
		r.logger.Info("cached tools are stale; reloading", "session_key", key.String())
	}

	client, ok := r.clients[key]
	if !ok {
		var err error
		client, err = NewClient(configs, r.provider, ClientOptions{Logger: r.logger, ProtocolTimeout: r.timeout})
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.clients[key] = client
		now := r.now()
		r.info[key] = &SessionInfo{Key: key, CreatedAt: now, LastUsed: now}
		r.logger.Info("created session client", "session_key", key.String(), "servers", client.ServerNames())
	}
	r.mu.Unlock()

	tools := client.GetAllTools(ctx)

	r.mu.Lock()
	current := r.clients[key] == client
	if current {
		if len(tools) > 0 {
			r.tools[key] = tools
		}
		if info := r.info[key]; info != nil {
			info.ToolCount = len(tools)
			info.Servers = client.OpenSessions()
		}
		r.touchLocked(key)
	}
	r.mu.Unlock()

	if !current {
		// Cleaned up while loading.
		return nil, closedError("")
	}
	if len(tools) > 0 {
		r.emit(Event{Kind: EventToolsLoaded, Key: key, Servers: client.OpenSessions(), ToolCount: len(tools)})
	} else {
		r.logger.Warn("no tools loaded for session; not caching", "session_key", key.String())
	}
	return tools, nil
}

// GetToolsForConfig delegates to GetToolsForSession when both user and
// project are given. Otherwise every caller with an identical configuration
// set shares one client, without per-key caching or isolation.
func (r *Registry) GetToolsForConfig(ctx context.Context, configs map[string]ServerConfig, user, project, conversation string) ([]Tool, error) {
	if user != "" && project != "" {
		return r.GetToolsForSession(ctx, configs, NewIsolationKey(user, project, conversation))
	}

	fp := Fingerprint(configs)
	r.mu.Lock()
	client, ok := r.shared[fp]
	if !ok {
		var err error
		client, err = NewClient(configs, r.provider, ClientOptions{Logger: r.logger, ProtocolTimeout: r.timeout})
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.shared[fp] = client
		r.logger.Info("created shared client", "fingerprint", fp[:12])
	}
	r.mu.Unlock()

	return client.GetAllTools(ctx), nil
}

// Lookup returns the cached tools for a key without loading anything.
func (r *Registry) Lookup(key IsolationKey) ([]Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tools, ok := r.tools[key]
	if ok {
		r.touchLocked(key)
	}
	return tools, ok
}

// Refresh reopens one server's session for a key and drops the key's
// aggregated cache so the next call sees the new tools.
func (r *Registry) Refresh(ctx context.Context, key IsolationKey, server string) ([]Tool, error) {
	r.mu.Lock()
	client, ok := r.clients[key]
	if ok {
		delete(r.tools, key)
		r.touchLocked(key)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return client.Refresh(ctx, server)
}

// ErrUnknownKey is returned when an operation names a key with no client.
var ErrUnknownKey = errors.New("no sessions for key")

// Cleanup closes and forgets the client for exactly one key, and reports
// whether this call removed it. It is a no-op for unknown keys.
func (r *Registry) Cleanup(ctx context.Context, key IsolationKey) (bool, error) {
	r.mu.Lock()
	client, ok := r.removeLocked(key)
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	r.logger.Info("cleaning up session", "session_key", key.String())
	servers := client.OpenSessions()
	err := client.Close(ctx)
	r.emit(Event{Kind: EventCleanup, Key: key, Servers: servers})
	return true, err
}

// CleanupScope closes every key of the (user, project) scope regardless of
// conversation, and returns how many keys were removed.
func (r *Registry) CleanupScope(ctx context.Context, user, project string) (int, error) {
	r.mu.Lock()
	removed := make(map[IsolationKey]*Client)
	for key := range r.clients {
		if key.InScope(user, project) {
			client, _ := r.removeLocked(key)
			removed[key] = client
		}
	}
	r.mu.Unlock()

	if len(removed) == 0 {
		return 0, nil
	}
	r.logger.Info("cleaning up session scope", "user_id", user, "project_id", project, "keys", len(removed))
	err := r.closeAll(ctx, removed)
	r.emit(Event{Kind: EventCleanupScope, Key: IsolationKey{UserID: user, ProjectID: project}})
	return len(removed), err
}

// CleanupAll closes every client the registry tracks, shared and per-key,
// and clears all caches.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.Lock()
	keyed := r.clients
	shared := r.shared
	r.clients = make(map[IsolationKey]*Client)
	r.shared = make(map[string]*Client)
	clear(r.tools)
	clear(r.info)
	r.mu.Unlock()

	errs := []error{r.closeAll(ctx, keyed)}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for fp, client := range shared {
		wg.Go(func() {
			if err := client.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("closing shared client %s: %w", fp[:12], err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if n := len(keyed) + len(shared); n > 0 {
		r.logger.Info("closed all session clients", "count", n)
	}
	return errors.Join(errs...)
}

// Sessions returns the bookkeeping for every tracked key, sorted by key.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.info))
	for _, info := range r.info {
		cp := *info
		cp.Servers = slices.Clone(info.Servers)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return compareKeys(a.Key, b.Key)
	})
	return out
}

// Keys returns every tracked isolation key, sorted.
func (r *Registry) Keys() []IsolationKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.SortedFunc(maps.Keys(r.clients), compareKeys)
}

func compareKeys(a, b IsolationKey) int {
	return cmp.Or(
		cmp.Compare(a.UserID, b.UserID),
		cmp.Compare(a.ProjectID, b.ProjectID),
		cmp.Compare(a.ConversationID, b.ConversationID),
	)
}

// removeLocked forgets key and returns its client. Caller holds r.mu.
func (r *Registry) removeLocked(key IsolationKey) (*Client, bool) {
	client, ok := r.clients[key]
	if !ok {
		return nil, false
	}
	delete(r.clients, key)
	delete(r.tools, key)
	delete(r.info, key)
	return client, true
}

func (r *Registry) touchLocked(key IsolationKey) {
	if info := r.info[key]; info != nil {
		info.LastUsed = r.now()
	}
}

func (r *Registry) closeAll(ctx context.Context, clients map[IsolationKey]*Client) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for key, client := range clients {
		wg.Go(func() {
			if err := client.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Registry) emit(ev Event) {
	if r.onEvent == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	r.onEvent(ev)
}
