// ABOUTME: Small stateful MCP tool server for local end-to-end checks of mcp-broker
// ABOUTME: Serves stateless search tools and browser tools whose page history lives in the MCP session

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

var version = "dev"

// browserState is the page history of one MCP session.
type browserState struct {
	mu      sync.Mutex
	history []string
}

// browsers tracks browser state per MCP session ID.
type browsers struct {
	mu       sync.Mutex
	sessions map[string]*browserState
	logger   *slog.Logger
}

func (b *browsers) forSession(ctx context.Context) (*browserState, error) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return nil, errors.New("browser tools need a session")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.sessions[session.SessionID()]
	if !ok {
		state = &browserState{}
		b.sessions[session.SessionID()] = state
		b.logger.Info("browser opened", "session_id", session.SessionID())
	}
	return state, nil
}

func (b *browsers) release(ctx context.Context, session server.ClientSession) {
	b.releaseID(session.SessionID())
}

func (b *browsers) releaseID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; ok {
		delete(b.sessions, id)
		b.logger.Info("browser closed", "session_id", id)
	}
}

func (b *browsers) open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// releaseOnDelete drops browser state when a streamable HTTP client ends its
// session. The streamable server only unregisters sessions that hold a GET
// stream open, so DELETE is handled here as well.
func (b *browsers) releaseOnDelete(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			if id := r.Header.Get(server.HeaderKeySessionID); id != "" {
				b.releaseID(id)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (b *browsers) handleNavigate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	state, err := b.forSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	state.mu.Lock()
	state.history = append(state.history, url)
	depth := len(state.history)
	state.mu.Unlock()

	return mcp.NewToolResultText(fmt.Sprintf("navigated to %s (history depth %d)", url, depth)), nil
}

func (b *browsers) handleCurrentPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := b.forSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.history) == 0 {
		return mcp.NewToolResultText("about:blank"), nil
	}
	return mcp.NewToolResultText(state.history[len(state.history)-1]), nil
}

func (b *browsers) handleBack(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := b.forSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.history) < 2 {
		return mcp.NewToolResultError("no previous page"), nil
	}
	state.history = state.history[:len(state.history)-1]
	return mcp.NewToolResultText(state.history[len(state.history)-1]), nil
}

func handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", 3)

	var results []string
	for i := 1; i <= limit; i++ {
		slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(query)), " ", "-")
		results = append(results, fmt.Sprintf("%d. https://example.com/%s/%d", i, slug, i))
	}
	return mcp.NewToolResultText(strings.Join(results, "\n")), nil
}

func handleTime(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(time.Now().UTC().Format(time.RFC3339)), nil
}

func newServer(logger *slog.Logger) (*server.MCPServer, *browsers) {
	b := &browsers{sessions: make(map[string]*browserState), logger: logger}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(b.release)

	s := server.NewMCPServer("fake-toolserver", version,
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)

	s.AddTool(mcp.NewTool("web_search",
		mcp.WithDescription("Search the web and return result URLs"),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Number of results (default 3)")),
	), handleSearch)

	s.AddTool(mcp.NewTool("current_time",
		mcp.WithDescription("Return the current UTC time"),
	), handleTime)

	s.AddTool(mcp.NewTool("browser_navigate",
		mcp.WithDescription("Open a URL in this session's browser"),
		mcp.WithString("url", mcp.Required(), mcp.Description("URL to open")),
	), b.handleNavigate)

	s.AddTool(mcp.NewTool("browser_current_page",
		mcp.WithDescription("Return the URL currently open in this session's browser"),
	), b.handleCurrentPage)

	s.AddTool(mcp.NewTool("browser_back",
		mcp.WithDescription("Go back one page in this session's browser"),
	), b.handleBack)

	return s, b
}

// newHandler serves the MCP endpoint at /mcp over streamable HTTP.
func newHandler(s *server.MCPServer, b *browsers) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", b.releaseOnDelete(server.NewStreamableHTTPServer(s)))
	return mux
}

func main() {
	addr := flag.String("addr", "localhost:8931", "streamable HTTP listen address")
	stdio := flag.Bool("stdio", false, "serve over stdin/stdout instead of HTTP")
	flag.Parse()

	// stdout carries the protocol in stdio mode
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s, b := newServer(logger)

	if *stdio {
		if err := server.ServeStdio(s); err != nil {
			logger.Error("stdio server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           newHandler(s, b),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake tool server listening", "addr", *addr, "endpoint", "/mcp")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown failed", "error", err)
	}
}
