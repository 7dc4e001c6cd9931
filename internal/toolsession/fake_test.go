// ABOUTME: In-memory Provider used by the toolsession tests
// ABOUTME: Counts opens, closes and tool listings per server and can block or fail opens

package toolsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var errRefused = errors.New("connection refused")

type fakeProvider struct {
	mu sync.Mutex

	opens  map[string]int
	closes map[string]int
	lists  map[string]int

	// tools per server; listFn overrides it when set.
	tools  map[string][]string
	listFn func(server string, call int) ([]string, error)

	// failOpens makes the first n opens of a server fail; -1 fails forever.
	failOpens map[string]int
	panicOpen map[string]bool

	// gate, when set, blocks every Open until closed or ctx ends.
	gate chan struct{}
	// ignoreCtx makes a gated Open wait for the gate alone.
	ignoreCtx bool
	// closeGate, when set, blocks every session Close until closed.
	closeGate chan struct{}

	sessions []*fakeSession
}

func newFakeProvider(tools map[string][]string) *fakeProvider {
	return &fakeProvider{
		opens:     make(map[string]int),
		closes:    make(map[string]int),
		lists:     make(map[string]int),
		tools:     tools,
		failOpens: make(map[string]int),
		panicOpen: make(map[string]bool),
	}
}

func (p *fakeProvider) Open(ctx context.Context, server string, cfg ServerConfig) (Session, error) {
	p.mu.Lock()
	p.opens[server]++
	gate := p.gate
	ignoreCtx := p.ignoreCtx
	fail := p.failOpens[server]
	if fail > 0 {
		p.failOpens[server] = fail - 1
	}
	shouldPanic := p.panicOpen[server]
	p.mu.Unlock()

	if gate != nil && ignoreCtx {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldPanic {
		panic("provider exploded")
	}
	if fail != 0 {
		return nil, fmt.Errorf("dialing %s: %w", server, errRefused)
	}

	s := &fakeSession{provider: p, server: server, done: make(chan struct{})}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakeProvider) count(m map[string]int, server string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return m[server]
}

func (p *fakeProvider) openCount(server string) int  { return p.count(p.opens, server) }
func (p *fakeProvider) closeCount(server string) int { return p.count(p.closes, server) }
func (p *fakeProvider) listCount(server string) int  { return p.count(p.lists, server) }

func (p *fakeProvider) totalOpens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.opens {
		n += c
	}
	return n
}

// live returns the most recent session opened for server.
func (p *fakeProvider) live(server string) *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sessions) - 1; i >= 0; i-- {
		if p.sessions[i].server == server {
			return p.sessions[i]
		}
	}
	return nil
}

type fakeSession struct {
	provider *fakeProvider
	server   string

	dropOnce sync.Once
	done     chan struct{}
	closed   bool
}

func (s *fakeSession) Tools(ctx context.Context) ([]Tool, error) {
	p := s.provider
	p.mu.Lock()
	p.lists[s.server]++
	call := p.lists[s.server]
	names := p.tools[s.server]
	listFn := p.listFn
	closed := s.closed
	p.mu.Unlock()

	if closed {
		return nil, errors.New("session closed")
	}
	if listFn != nil {
		var err error
		names, err = listFn(s.server, call)
		if err != nil {
			return nil, err
		}
	}

	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, Tool{
			Name:        name,
			Description: "fake " + name,
			Invoke: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
				return &ToolResult{Content: []Content{{Type: "text", Text: s.server + "/" + name}}}, nil
			},
		})
	}
	return tools, nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

// drop simulates the remote side terminating the session.
func (s *fakeSession) drop() {
	s.dropOnce.Do(func() { close(s.done) })
}

func (s *fakeSession) Close() error {
	p := s.provider
	p.mu.Lock()
	closeGate := p.closeGate
	p.mu.Unlock()
	if closeGate != nil {
		<-closeGate
	}

	p.mu.Lock()
	s.closed = true
	p.closes[s.server]++
	p.mu.Unlock()
	s.dropOnce.Do(func() { close(s.done) })
	return nil
}

func httpConfig(host string) ServerConfig {
	return ServerConfig{Transport: TransportStreamableHTTP, URL: "http://" + host + "/mcp"}
}

func testConfigs(names ...string) map[string]ServerConfig {
	out := make(map[string]ServerConfig, len(names))
	for _, name := range names {
		out[name] = httpConfig(name + ".local")
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testTimeout = 2 * time.Second

func toolNames(tools []Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Server + "/" + t.Name
	}
	return out
}
