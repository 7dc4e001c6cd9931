// ABOUTME: Tests for the MCP provider against an in-memory go-sdk server
// ABOUTME: Covers handshake, tool listing, tool calls, drop detection and transport selection

package mcpclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-broker/internal/toolsession"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"the text to echo back"`
}

type counterArgs struct{}

// testServer is an in-memory MCP server with one stateless and one
// stateful tool. Each connection gets its own counter.
type testServer struct {
	server   *mcp.Server
	connects atomic.Int32

	mu       sync.Mutex
	sessions []*mcp.ServerSession
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{server: mcp.NewServer(&mcp.Implementation{Name: "test-tools", Version: "v0.0.1"}, nil)}

	mcp.AddTool(ts.server, &mcp.Tool{Name: "echo", Description: "Echo text back"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
		})

	var counters sync.Map
	mcp.AddTool(ts.server, &mcp.Tool{Name: "count", Description: "Increment a per-session counter"},
		func(ctx context.Context, req *mcp.CallToolRequest, _ counterArgs) (*mcp.CallToolResult, any, error) {
			v, _ := counters.LoadOrStore(req.Session, new(atomic.Int32))
			n := v.(*atomic.Int32).Add(1)
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: strconv.Itoa(int(n))}}}, nil, nil
		})
	return ts
}

// transport connects the server side of a fresh in-memory pipe and returns
// the client side.
func (ts *testServer) transport(server string, cfg toolsession.ServerConfig) (mcp.Transport, error) {
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := ts.server.Connect(context.Background(), serverT, nil)
	if err != nil {
		return nil, err
	}
	ts.connects.Add(1)
	ts.mu.Lock()
	ts.sessions = append(ts.sessions, ss)
	ts.mu.Unlock()
	return clientT, nil
}

func (ts *testServer) lastSession() *mcp.ServerSession {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.sessions[len(ts.sessions)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(ts *testServer) *Provider {
	return &Provider{Name: "mcp-broker-test", Version: "test", Logger: testLogger(), NewTransport: ts.transport}
}

var testConfig = toolsession.ServerConfig{Transport: toolsession.TransportStreamableHTTP, URL: "http://tools.local/mcp"}

func TestProviderListsAndCallsTools(t *testing.T) {
	ts := newTestServer(t)
	p := newTestProvider(ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Open(ctx, "tools", testConfig)
	require.NoError(t, err)
	defer sess.Close()

	tools, err := sess.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	byName := make(map[string]toolsession.Tool)
	for _, tool := range tools {
		assert.Equal(t, "tools", tool.Server)
		assert.NotEmpty(t, tool.InputSchema)
		byName[tool.Name] = tool
	}
	require.Contains(t, byName, "echo")
	assert.Equal(t, "Echo text back", byName["echo"].Description)
	assert.Contains(t, string(byName["echo"].InputSchema), "text")

	res, err := byName["echo"].Call(ctx, json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, toolsession.Content{Type: "text", Text: "hello"}, res.Content[0])
}

func TestProviderSessionKeepsState(t *testing.T) {
	ts := newTestServer(t)
	p := newTestProvider(ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Open(ctx, "tools", testConfig)
	require.NoError(t, err)
	defer sess.Close()

	tools, err := sess.Tools(ctx)
	require.NoError(t, err)
	var count toolsession.Tool
	for _, tool := range tools {
		if tool.Name == "count" {
			count = tool
		}
	}

	for want := 1; want <= 3; want++ {
		res, err := count.Call(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(want), res.Content[0].Text)
	}
}

func TestProviderRejectsNonObjectArguments(t *testing.T) {
	ts := newTestServer(t)
	p := newTestProvider(ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Open(ctx, "tools", testConfig)
	require.NoError(t, err)
	defer sess.Close()

	tools, err := sess.Tools(ctx)
	require.NoError(t, err)

	_, err = tools[0].Call(ctx, json.RawMessage(`["not", "an", "object"]`))
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestProviderDetectsRemoteClose(t *testing.T) {
	ts := newTestServer(t)
	p := newTestProvider(ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Open(ctx, "tools", testConfig)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, ts.lastSession().Close())

	select {
	case <-sess.Done():
	case <-ctx.Done():
		t.Fatal("session did not report remote close")
	}
}

func TestProviderCloseIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	p := newTestProvider(ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Open(ctx, "tools", testConfig)
	require.NoError(t, err)

	first := sess.Close()
	assert.Equal(t, first, sess.Close())
	select {
	case <-sess.Done():
	case <-ctx.Done():
		t.Fatal("Done not closed after Close")
	}
}

func TestProviderWithRegistry(t *testing.T) {
	ts := newTestServer(t)
	p := newTestProvider(ts)
	reg := toolsession.NewRegistry(p, toolsession.RegistryOptions{Logger: testLogger(), ProtocolTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer reg.CleanupAll(ctx)

	configs := map[string]toolsession.ServerConfig{"tools": testConfig}
	key := toolsession.NewIsolationKey("1", "5", "c1")

	first, err := reg.GetToolsForSession(ctx, configs, key)
	require.NoError(t, err)
	require.Len(t, first, 2)

	for range 3 {
		tools, err := reg.GetToolsForSession(ctx, configs, key)
		require.NoError(t, err)
		assert.Len(t, tools, 2)
	}
	assert.EqualValues(t, 1, ts.connects.Load())

	_, err = reg.GetToolsForSession(ctx, configs, toolsession.NewIsolationKey("1", "5", ""))
	require.NoError(t, err)
	assert.EqualValues(t, 2, ts.connects.Load())
}

func TestProviderTransportSelection(t *testing.T) {
	p := &Provider{}

	tests := []struct {
		name    string
		cfg     toolsession.ServerConfig
		want    any
		wantErr bool
	}{
		{"default is streamable", toolsession.ServerConfig{URL: "http://x/mcp"}, &mcp.StreamableClientTransport{}, false},
		{"underscore spelling", toolsession.ServerConfig{Transport: "streamable_http", URL: "http://x/mcp"}, &mcp.StreamableClientTransport{}, false},
		{"sse", toolsession.ServerConfig{Transport: "sse", URL: "http://x/sse"}, &mcp.SSEClientTransport{}, false},
		{"stdio", toolsession.ServerConfig{Transport: "stdio", Command: "true"}, &mcp.CommandTransport{}, false},
		{"stdio without command", toolsession.ServerConfig{Transport: "stdio"}, nil, true},
		{"unknown", toolsession.ServerConfig{Transport: "websocket", URL: "ws://x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.transport("x", tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestHeaderTransportAddsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := &Provider{}
	client := p.httpClient(map[string]string{"Authorization": "Bearer abc", "X-Team": "qa"})
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer abc", got.Get("Authorization"))
	assert.Equal(t, "qa", got.Get("X-Team"))
	assert.Same(t, http.DefaultClient, p.httpClient(nil))
}
