// ABOUTME: Tool provider speaking MCP to remote tool servers
// ABOUTME: Opens go-sdk client sessions over streamable HTTP, SSE or stdio

package mcpclient

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"slices"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/mcp-broker/internal/toolsession"
)

// Default client identity announced during the MCP handshake.
const (
	DefaultName    = "mcp-broker"
	DefaultVersion = "dev"
)

// TransportFunc builds the transport for one server. Tests substitute it to
// connect over in-memory pipes.
type TransportFunc func(server string, cfg toolsession.ServerConfig) (mcp.Transport, error)

// Provider implements toolsession.Provider on top of the MCP go-sdk.
type Provider struct {
	Name       string
	Version    string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// NewTransport overrides transport construction when set.
	NewTransport TransportFunc
}

var _ toolsession.Provider = (*Provider)(nil)

// Open connects to the server and completes the MCP initialize handshake.
func (p *Provider) Open(ctx context.Context, server string, cfg toolsession.ServerConfig) (toolsession.Session, error) {
	newTransport := p.NewTransport
	if newTransport == nil {
		newTransport = p.transport
	}
	transport, err := newTransport(server, cfg)
	if err != nil {
		return nil, fmt.Errorf("building %s transport: %w", toolsession.NormalizeTransport(cfg.Transport), err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: p.name(), Version: p.version()}, nil)
	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", server, err)
	}

	logger := p.logger().With("server", server)
	logger.Debug("mcp session connected", "session_id", cs.ID())
	return newSession(server, cs, logger), nil
}

func (p *Provider) transport(server string, cfg toolsession.ServerConfig) (mcp.Transport, error) {
	switch toolsession.NormalizeTransport(cfg.Transport) {
	case toolsession.TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: p.httpClient(cfg.Headers),
		}, nil
	case toolsession.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: p.httpClient(cfg.Headers),
		}, nil
	case toolsession.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("command missing for %q", server)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			env := os.Environ()
			for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
				env = append(env, k+"="+cfg.Env[k])
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// httpClient returns a client that adds the server's configured headers to
// every request.
func (p *Provider) httpClient(headers map[string]string) *http.Client {
	base := p.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 {
		return base
	}
	clone := *base
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerTransport{next: next, headers: maps.Clone(headers)}
	return &clone
}

func (p *Provider) name() string {
	if p.Name != "" {
		return p.Name
	}
	return DefaultName
}

func (p *Provider) version() string {
	if p.Version != "" {
		return p.Version
	}
	return DefaultVersion
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

type headerTransport struct {
	next    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}
