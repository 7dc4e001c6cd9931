// ABOUTME: Leak guard warning when a Client is dropped with sessions still open
// ABOUTME: Runs as a runtime cleanup attached to the Client at construction

package toolsession

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// leakGuard tracks the entries a Client owns. It lives outside the Client and
// never points back at it, so a runtime cleanup can inspect it after the
// Client is unreachable.
type leakGuard struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*sessionEntry
	closed  bool
}

func newLeakGuard(logger *slog.Logger) *leakGuard {
	return &leakGuard{logger: logger, entries: make(map[string]*sessionEntry)}
}

func (g *leakGuard) opened(server string, e *sessionEntry) {
	g.mu.Lock()
	g.entries[server] = e
	g.mu.Unlock()
}

func (g *leakGuard) released(server string, e *sessionEntry) {
	g.mu.Lock()
	if g.entries[server] == e {
		delete(g.entries, server)
	}
	g.mu.Unlock()
}

func (g *leakGuard) markClosed() {
	g.mu.Lock()
	g.closed = true
	clear(g.entries)
	g.mu.Unlock()
}

// leaked returns the servers still holding a session on a client that was
// never closed.
func (g *leakGuard) leaked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	var servers []string
	for _, name := range slices.Sorted(maps.Keys(g.entries)) {
		if g.entries[name].holding() {
			servers = append(servers, name)
		}
	}
	return servers
}

func (g *leakGuard) report() {
	if servers := g.leaked(); len(servers) > 0 {
		g.logger.Warn("tool session client discarded without Close; sessions left open",
			"servers", servers,
			"hint", "call Close on the client or CleanupAll on the registry before dropping it",
		)
	}
}
