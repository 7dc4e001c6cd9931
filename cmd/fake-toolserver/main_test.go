// ABOUTME: Tests for the fake tool server over streamable HTTP
// ABOUTME: Covers per-session browser history, stateless search and release on session end

package main

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFakeServer(t *testing.T) (string, *browsers) {
	t.Helper()
	s, b := newServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(newHandler(s, b))
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp", b
}

func connect(t *testing.T, url string) *client.Client {
	t.Helper()
	c, err := client.NewStreamableHttpClient(url)
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "fake-toolserver-test", Version: "v0.0.1"}
	_, err = c.Initialize(t.Context(), initReq)
	require.NoError(t, err)
	return c
}

func call(t *testing.T, c *client.Client, name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(t.Context(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestBrowserStateIsPerSession(t *testing.T) {
	url, b := startFakeServer(t)
	first := connect(t, url)
	second := connect(t, url)

	text, _ := call(t, first, "browser_navigate", map[string]any{"url": "https://a.example"})
	assert.Contains(t, text, "history depth 1")
	text, _ = call(t, first, "browser_navigate", map[string]any{"url": "https://b.example"})
	assert.Contains(t, text, "history depth 2")

	text, _ = call(t, first, "browser_current_page", map[string]any{})
	assert.Equal(t, "https://b.example", text)
	text, _ = call(t, second, "browser_current_page", map[string]any{})
	assert.Equal(t, "about:blank", text, "a new session starts with an empty browser")

	text, isErr := call(t, first, "browser_back", map[string]any{})
	assert.False(t, isErr)
	assert.Equal(t, "https://a.example", text)
	text, isErr = call(t, first, "browser_back", map[string]any{})
	assert.True(t, isErr)
	assert.Equal(t, "no previous page", text)

	assert.Equal(t, 2, b.open())
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool { return b.open() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool { return b.open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSearchTools(t *testing.T) {
	url, _ := startFakeServer(t)
	c := connect(t, url)
	t.Cleanup(func() { _ = c.Close() })

	res, err := c.ListTools(t.Context(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"web_search", "current_time", "browser_navigate", "browser_current_page", "browser_back"}, names)

	text, _ := call(t, c, "web_search", map[string]any{"query": "Go Modules", "limit": 2})
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1. https://example.com/go-modules/1", lines[0])

	text, isErr := call(t, c, "web_search", map[string]any{})
	assert.True(t, isErr)
	assert.NotEmpty(t, text)

	text, _ = call(t, c, "current_time", map[string]any{})
	_, err = time.Parse(time.RFC3339, text)
	assert.NoError(t, err)
}
