// ABOUTME: Tests for the persistent Client
// ABOUTME: Covers single-flight creation, one-shot recovery, tool caching and close semantics

package toolsession

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, p *fakeProvider, names ...string) *Client {
	t.Helper()
	c, err := NewClient(testConfigs(names...), p, ClientOptions{Logger: testLogger(), ProtocolTimeout: testTimeout})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		configs map[string]ServerConfig
	}{
		{"missing url", map[string]ServerConfig{"search": {Transport: "streamable_http"}}},
		{"bad scheme", map[string]ServerConfig{"search": {URL: "ftp://search.local"}}},
		{"stdio without command", map[string]ServerConfig{"fs": {Transport: "stdio"}}},
		{"unknown transport", map[string]ServerConfig{"x": {Transport: "carrier-pigeon", URL: "http://x"}}},
		{"empty name", map[string]ServerConfig{"": httpConfig("x.local")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(nil)
			_, err := NewClient(tt.configs, p, ClientOptions{Logger: testLogger()})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, 0, p.totalOpens())
		})
	}
}

func TestClientGetToolsUnknownServer(t *testing.T) {
	p := newFakeProvider(nil)
	c := newTestClient(t, p, "search")

	_, err := c.GetTools(context.Background(), "browser")
	assert.ErrorIs(t, err, ErrConfiguration)

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "browser", serr.Server)
}

func TestClientConcurrentFirstRequestsShareOneSession(t *testing.T) {
	p := newFakeProvider(map[string][]string{"browser": {"navigate", "click"}})
	p.gate = make(chan struct{})
	c := newTestClient(t, p, "browser")

	const callers = 20
	results := make([][]Tool, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			results[i], errs[i] = c.GetTools(context.Background(), "browser")
		})
	}

	require.Eventually(t, func() bool { return p.openCount("browser") == 1 }, testTimeout, time.Millisecond)
	close(p.gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"browser/navigate", "browser/click"}, toolNames(results[i]))
		assert.Same(t, &results[0][0], &results[i][0], "caller %d got a different list", i)
	}
	assert.Equal(t, 1, p.openCount("browser"))
	assert.Equal(t, 1, p.listCount("browser"))
}

func TestClientCachesTools(t *testing.T) {
	p := newFakeProvider(map[string][]string{"search": {"web_search"}})
	c := newTestClient(t, p, "search")
	ctx := context.Background()

	first, err := c.GetTools(ctx, "search")
	require.NoError(t, err)
	second, err := c.GetTools(ctx, "search")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.openCount("search"))
	assert.Equal(t, 1, p.listCount("search"))
}

func TestClientRecoversOnce(t *testing.T) {
	t.Run("transient failure recovers", func(t *testing.T) {
		p := newFakeProvider(map[string][]string{"browser": {"navigate"}})
		p.failOpens["browser"] = 1
		c := newTestClient(t, p, "browser")

		tools, err := c.GetTools(context.Background(), "browser")
		require.NoError(t, err)
		assert.Len(t, tools, 1)
		assert.Equal(t, 2, p.openCount("browser"))
	})

	t.Run("persistent failure surfaces after one retry", func(t *testing.T) {
		p := newFakeProvider(nil)
		p.failOpens["browser"] = -1
		c := newTestClient(t, p, "browser")

		_, err := c.GetTools(context.Background(), "browser")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSessionUnavailable)
		assert.ErrorIs(t, err, errRefused)
		assert.Equal(t, 2, p.openCount("browser"))
	})

	t.Run("concurrent failures share one replacement", func(t *testing.T) {
		p := newFakeProvider(map[string][]string{"browser": {"navigate"}})
		p.failOpens["browser"] = 1
		p.gate = make(chan struct{})
		c := newTestClient(t, p, "browser")

		var wg sync.WaitGroup
		for range 10 {
			wg.Go(func() {
				_, err := c.GetTools(context.Background(), "browser")
				assert.NoError(t, err)
			})
		}
		require.Eventually(t, func() bool { return p.openCount("browser") == 1 }, testTimeout, time.Millisecond)
		close(p.gate)
		wg.Wait()

		assert.Equal(t, 2, p.openCount("browser"))
	})
}

func TestClientToolLoadFailureDiscardsEntry(t *testing.T) {
	p := newFakeProvider(nil)
	p.listFn = func(server string, call int) ([]string, error) {
		if call == 1 {
			return nil, errors.New("method not found")
		}
		return []string{"web_search"}, nil
	}
	c := newTestClient(t, p, "search")
	ctx := context.Background()

	_, err := c.GetTools(ctx, "search")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolLoad)
	assert.Equal(t, 1, p.closeCount("search"))
	assert.Empty(t, c.OpenSessions())

	tools, err := c.GetTools(ctx, "search")
	require.NoError(t, err)
	assert.Len(t, tools, 1)
	assert.Equal(t, 2, p.openCount("search"))
}

func TestClientGetAllToolsSkipsFailures(t *testing.T) {
	p := newFakeProvider(map[string][]string{
		"search": {"web_search", "news_search"},
		"docs":   {"lookup"},
	})
	p.failOpens["browser"] = -1
	c := newTestClient(t, p, "search", "browser", "docs")

	tools := c.GetAllTools(context.Background())

	assert.Equal(t, []string{"docs/lookup", "search/web_search", "search/news_search"}, toolNames(tools))
	assert.Equal(t, 2, p.openCount("browser"))
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientSearchAndBrokenBrowser(t *testing.T) {
	p := newFakeProvider(map[string][]string{"search": {"web_search", "news_search"}})
	p.failOpens["browser"] = -1

	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c, err := NewClient(testConfigs("search", "browser"), p, ClientOptions{Logger: logger, ProtocolTimeout: testTimeout})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	tools := c.GetAllTools(context.Background())
	assert.Len(t, tools, 2)
	for _, tool := range tools {
		assert.Equal(t, "search", tool.Server)
	}

	var skipped string
	for line := range strings.Lines(logs.String()) {
		if strings.Contains(line, `msg="skipping tool server"`) {
			skipped = line
		}
	}
	require.NotEmpty(t, skipped, logs.String())
	assert.Contains(t, skipped, "level=WARN")
	assert.Contains(t, skipped, "server=browser")
	assert.Contains(t, skipped, "connection refused")
	assert.NotContains(t, logs.String(), "server=search")
}

func TestClientRefresh(t *testing.T) {
	p := newFakeProvider(map[string][]string{"browser": {"navigate"}})
	c := newTestClient(t, p, "browser")
	ctx := context.Background()

	_, err := c.GetTools(ctx, "browser")
	require.NoError(t, err)

	p.mu.Lock()
	p.tools["browser"] = []string{"navigate", "screenshot"}
	p.mu.Unlock()

	tools, err := c.Refresh(ctx, "browser")
	require.NoError(t, err)
	assert.Len(t, tools, 2)
	assert.Equal(t, 2, p.openCount("browser"))
	assert.Equal(t, 1, p.closeCount("browser"))
}

func TestClientRecoversFromRemoteDrop(t *testing.T) {
	p := newFakeProvider(map[string][]string{"browser": {"navigate"}})
	c := newTestClient(t, p, "browser")
	ctx := context.Background()

	_, err := c.GetTools(ctx, "browser")
	require.NoError(t, err)

	p.live("browser").drop()
	require.Eventually(t, c.Stale, testTimeout, time.Millisecond)

	tools, err := c.GetTools(ctx, "browser")
	require.NoError(t, err)
	assert.Len(t, tools, 1)
	assert.Equal(t, 2, p.openCount("browser"))
	assert.False(t, c.Stale())
}

func TestClientCloseIsIdempotent(t *testing.T) {
	p := newFakeProvider(map[string][]string{"search": {"web_search"}, "browser": {"navigate"}})
	c := newTestClient(t, p, "search", "browser")
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.Len(t, c.GetAllTools(ctx), 2)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			assert.NoError(t, c.Close(ctx))
		})
	}
	wg.Wait()

	assert.True(t, c.Closed())
	assert.Equal(t, 1, p.closeCount("search"))
	assert.Equal(t, 1, p.closeCount("browser"))
	assert.Empty(t, c.OpenSessions())

	_, err := c.GetTools(ctx, "search")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Empty(t, c.GetAllTools(ctx))
}

func TestClientCloseWithoutSessions(t *testing.T) {
	p := newFakeProvider(nil)
	c := newTestClient(t, p, "search")
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 0, p.totalOpens())
}

func TestClientToolsAreCallable(t *testing.T) {
	p := newFakeProvider(map[string][]string{"search": {"web_search"}})
	c := newTestClient(t, p, "search")

	tools, err := c.GetTools(context.Background(), "search")
	require.NoError(t, err)
	require.Len(t, tools, 1)

	res, err := tools[0].Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "search/web_search", res.Content[0].Text)

	_, err = Tool{Server: "x", Name: "y"}.Call(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotCallable)
}

func TestLeakGuard(t *testing.T) {
	p := newFakeProvider(map[string][]string{"browser": {"navigate"}})
	c, err := NewClient(testConfigs("browser"), p, ClientOptions{Logger: testLogger(), ProtocolTimeout: testTimeout})
	require.NoError(t, err)

	_, err = c.GetTools(context.Background(), "browser")
	require.NoError(t, err)
	assert.Equal(t, []string{"browser"}, c.guard.leaked())

	require.NoError(t, c.Close(context.Background()))
	assert.Empty(t, c.guard.leaked())
}
