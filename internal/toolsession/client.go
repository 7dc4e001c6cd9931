// ABOUTME: Persistent client holding one live session per configured tool server
// ABOUTME: Serializes session creation, recovers once on failure and caches tool lists

package toolsession

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"time"
)

// DefaultProtocolTimeout bounds every blocking wait when no timeout is set.
const DefaultProtocolTimeout = 30 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger *slog.Logger
	// ProtocolTimeout bounds opening a session, loading its tools and waiting
	// for a session to be released. Zero means DefaultProtocolTimeout.
	ProtocolTimeout time.Duration
}

// Client owns one sessionEntry per configured server. At most one entry
// exists per server at any time.
type Client struct {
	configs  map[string]ServerConfig
	names    []string
	provider Provider
	timeout  time.Duration
	logger   *slog.Logger
	guard    *leakGuard

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	tools    map[string][]Tool
	closed   bool

	closeOnce sync.Once
	closeDone chan struct{}
	closeErr  error
}

// NewClient validates the configuration set and returns a client. No session
// is opened until tools are first requested.
func NewClient(configs map[string]ServerConfig, provider Provider, opts ClientOptions) (*Client, error) {
	if provider == nil {
		return nil, configError("", errors.New("provider is required"))
	}
	if err := ValidateConfigs(configs); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ProtocolTimeout
	if timeout <= 0 {
		timeout = DefaultProtocolTimeout
	}

	owned := make(map[string]ServerConfig, len(configs))
	for name, cfg := range configs {
		owned[name] = cfg.clone()
	}

	c := &Client{
		configs:   owned,
		names:     slices.Sorted(maps.Keys(owned)),
		provider:  provider,
		timeout:   timeout,
		logger:    logger.With("component", "toolsession.client"),
		sessions:  make(map[string]*sessionEntry),
		tools:     make(map[string][]Tool),
		closeDone: make(chan struct{}),
	}
	c.guard = newLeakGuard(c.logger)
	runtime.AddCleanup(c, func(g *leakGuard) { g.report() }, c.guard)
	return c, nil
}

// ServerNames returns the configured server names in sorted order.
func (c *Client) ServerNames() []string {
	return slices.Clone(c.names)
}

// GetTools returns the tools of one server, opening its session on first use.
// Concurrent first requests converge on one entry and one connection attempt.
func (c *Client) GetTools(ctx context.Context, server string) ([]Tool, error) {
	cfg, ok := c.configs[server]
	if !ok {
		return nil, configError(server, errors.New("server is not configured"))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, closedError(server)
	}
	if tools, ok := c.tools[server]; ok {
		if e := c.sessions[server]; e != nil && e.alive() {
			c.mu.Unlock()
			return tools, nil
		}
		// The session behind the cached tools is gone.
		delete(c.tools, server)
	}
	c.mu.Unlock()
	c.discardDead(server)

	entry, err := c.entryFor(server, cfg)
	if err != nil {
		return nil, err
	}

	sess, err := c.waitSession(ctx, entry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, unavailableError(server, err)
		}
		c.logger.Warn("session unavailable, recreating once", "server", server, "error", err)

		entry, err = c.replaceEntry(server, cfg, entry)
		if err != nil {
			return nil, err
		}
		sess, err = c.waitSession(ctx, entry)
		if err != nil {
			c.logger.Error("session recovery failed", "server", server, "error", err)
			return nil, unavailableError(server, err)
		}
	}

	return c.loadTools(ctx, server, entry, sess)
}

// waitSession waits for readiness, bounded by the caller's context and the
// protocol timeout.
func (c *Client) waitSession(ctx context.Context, entry *sessionEntry) (Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return entry.Session(waitCtx)
}

// entryFor returns the current entry for server, creating it if absent.
func (c *Client) entryFor(server string, cfg ServerConfig) (*sessionEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, closedError(server)
	}
	if e, ok := c.sessions[server]; ok {
		return e, nil
	}
	return c.newEntryLocked(server, cfg), nil
}

// replaceEntry swaps a failed entry for exactly one replacement. When another
// caller already replaced it, that replacement is returned instead.
func (c *Client) replaceEntry(server string, cfg ServerConfig, failed *sessionEntry) (*sessionEntry, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, closedError(server)
	}
	current, ok := c.sessions[server]
	if ok && current != failed {
		c.mu.Unlock()
		return current, nil
	}
	delete(c.tools, server)
	replacement := c.newEntryLocked(server, cfg)
	c.mu.Unlock()

	failed.requestClose()
	return replacement, nil
}

func (c *Client) newEntryLocked(server string, cfg ServerConfig) *sessionEntry {
	e := newSessionEntry(server, cfg, c.provider, c.timeout, c.logger)
	c.sessions[server] = e
	c.guard.opened(server, e)
	return e
}

// discardDead removes an entry whose session was dropped by the remote side
// or already released, so the next request starts a fresh session. Entries
// that failed to open are left for the recovery path.
func (c *Client) discardDead(server string) {
	c.mu.Lock()
	e, ok := c.sessions[server]
	dead := ok && (e.dropped() || (e.currentState() == entryClosed && e.cause() == nil))
	if dead {
		delete(c.sessions, server)
		delete(c.tools, server)
		c.guard.released(server, e)
	}
	c.mu.Unlock()

	if dead {
		c.logger.Info("discarding dropped session", "server", server)
		e.requestClose()
	}
}

// loadTools enumerates the tools of a ready session under the entry's load
// lock. A failure tears the entry down so it is never reused.
func (c *Client) loadTools(ctx context.Context, server string, entry *sessionEntry, sess Session) ([]Tool, error) {
	entry.loadMu.Lock()
	defer entry.loadMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, closedError(server)
	}
	if c.sessions[server] != entry {
		// Torn down by a concurrent failed load or refresh.
		c.mu.Unlock()
		return nil, toolLoadError(server, errSessionClosed)
	}
	if tools, ok := c.tools[server]; ok {
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, c.timeout)
	tools, err := sess.Tools(loadCtx)
	cancel()
	if err != nil {
		c.logger.Error("loading tools failed; discarding session", "server", server, "error", err)
		c.discard(ctx, server, entry)
		return nil, toolLoadError(server, err)
	}

	for i := range tools {
		if tools[i].Server == "" {
			tools[i].Server = server
		}
	}

	// An empty list may be a server still starting up; ask again next time.
	c.mu.Lock()
	if !c.closed && c.sessions[server] == entry && len(tools) > 0 {
		c.tools[server] = tools
	}
	c.mu.Unlock()

	c.logger.Debug("tools loaded", "server", server, "count", len(tools))
	return tools, nil
}

// discard removes entry if it is still current and waits for it to close.
func (c *Client) discard(ctx context.Context, server string, entry *sessionEntry) {
	c.mu.Lock()
	if c.sessions[server] == entry {
		delete(c.sessions, server)
		delete(c.tools, server)
		c.guard.released(server, entry)
	}
	c.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if err := entry.close(closeCtx); err != nil {
		c.logger.Warn("session did not close in time", "server", server, "error", err)
	}
}

// GetAllTools collects the tools of every configured server. A failing server
// is logged and skipped; the result is the concatenation of the successes in
// server name order.
func (c *Client) GetAllTools(ctx context.Context) []Tool {
	results := make([][]Tool, len(c.names))
	var wg sync.WaitGroup
	for i, name := range c.names {
		wg.Go(func() {
			tools, err := c.GetTools(ctx, name)
			if err != nil {
				c.logger.Warn("skipping tool server", "server", name, "error", err)
				return
			}
			results[i] = tools
		})
	}
	wg.Wait()

	var all []Tool
	for _, tools := range results {
		all = append(all, tools...)
	}
	return all
}

// Refresh closes the server's current session and cached tools, then loads
// them again on a fresh session.
func (c *Client) Refresh(ctx context.Context, server string) ([]Tool, error) {
	if _, ok := c.configs[server]; !ok {
		return nil, configError(server, errors.New("server is not configured"))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, closedError(server)
	}
	entry := c.sessions[server]
	c.mu.Unlock()

	if entry != nil {
		c.discard(ctx, server, entry)
	}
	return c.GetTools(ctx, server)
}

// Stale reports whether any session of this client was dropped by the remote
// side since its tools were cached.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.sessions {
		if e.dropped() {
			return true
		}
	}
	return false
}

// OpenSessions returns the servers with a tracked session, sorted.
func (c *Client) OpenSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.sessions))
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases every session and clears the caches. It is idempotent and
// safe for concurrent use; every caller waits for the same teardown.
// After Close, GetTools fails with ErrClientClosed.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		entries := make(map[string]*sessionEntry, len(c.sessions))
		maps.Copy(entries, c.sessions)
		clear(c.sessions)
		clear(c.tools)
		c.mu.Unlock()
		c.guard.markClosed()

		go func() {
			defer close(c.closeDone)
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				errs []error
			)
			for name, e := range entries {
				wg.Go(func() {
					closeCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
					defer cancel()
					if err := e.close(closeCtx); err != nil {
						c.logger.Warn("session did not close in time", "server", name, "error", err)
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
					}
				})
			}
			wg.Wait()
			c.closeErr = errors.Join(errs...)
			c.logger.Debug("client closed", "sessions", len(entries))
		}()
	})

	select {
	case <-c.closeDone:
		return c.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
