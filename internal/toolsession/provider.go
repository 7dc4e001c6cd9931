// ABOUTME: Contracts between the session manager and the tool-provider collaborator
// ABOUTME: Defines ServerConfig, Provider, Session and the callable Tool descriptor

package toolsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Supported transports. Hyphen and underscore spellings are equivalent.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
	TransportStdio          = "stdio"
)

// ServerConfig holds the connection parameters for one tool server.
// It is immutable for the lifetime of a Client.
type ServerConfig struct {
	Transport string            `yaml:"transport" toml:"transport" json:"transport"`
	URL       string            `yaml:"url" toml:"url" json:"url,omitempty"`
	Headers   map[string]string `yaml:"headers" toml:"headers" json:"headers,omitempty"`
	Command   string            `yaml:"command" toml:"command" json:"command,omitempty"`
	Args      []string          `yaml:"args" toml:"args" json:"args,omitempty"`
	Env       map[string]string `yaml:"env" toml:"env" json:"env,omitempty"`
}

// NormalizeTransport maps the accepted spellings of a transport name onto
// the canonical constants. An empty name means streamable HTTP.
func NormalizeTransport(t string) string {
	t = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "_", "-")
	switch t {
	case "", "http", "streamable-http", "streamablehttp":
		return TransportStreamableHTTP
	default:
		return t
	}
}

// Validate checks the config is usable by its transport.
func (c ServerConfig) Validate() error {
	switch NormalizeTransport(c.Transport) {
	case TransportStreamableHTTP, TransportSSE:
		if c.URL == "" {
			return errors.New("url is required")
		}
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("parsing url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("url host is required")
		}
	case TransportStdio:
		if c.Command == "" {
			return errors.New("command is required for stdio transport")
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	return nil
}

// clone returns a deep copy so callers cannot mutate a client's configuration.
func (c ServerConfig) clone() ServerConfig {
	out := c
	out.Transport = NormalizeTransport(c.Transport)
	out.Headers = maps.Clone(c.Headers)
	out.Args = slices.Clone(c.Args)
	out.Env = maps.Clone(c.Env)
	return out
}

// ValidateConfigs validates every entry of a configuration set.
// The returned error matches ErrConfiguration and names the first bad server
// in name order.
func ValidateConfigs(configs map[string]ServerConfig) error {
	for _, name := range slices.Sorted(maps.Keys(configs)) {
		if strings.TrimSpace(name) == "" {
			return configError(name, errors.New("server name is empty"))
		}
		if err := configs[name].Validate(); err != nil {
			return configError(name, err)
		}
	}
	return nil
}

// Provider opens sessions to tool servers.
type Provider interface {
	// Open establishes a session to the named server. The returned Session is
	// owned by the caller, who must Close it. Open must honor ctx for the
	// connection handshake.
	Open(ctx context.Context, server string, cfg ServerConfig) (Session, error)
}

// Session is a live, stateful connection to one tool server.
type Session interface {
	// Tools enumerates the callable tools bound to this session.
	Tools(ctx context.Context) ([]Tool, error)
	// Done is closed when the underlying connection terminates for any reason.
	// A nil channel means termination is never reported.
	Done() <-chan struct{}
	// Close releases the session.
	Close() error
}

// ToolFunc invokes a tool through the session it was loaded from.
type ToolFunc func(ctx context.Context, args json.RawMessage) (*ToolResult, error)

// Tool describes one callable tool. Tools returned by Client and Registry are
// shared between callers and must be treated as read-only.
type Tool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Invoke      ToolFunc        `json:"-"`
}

// ErrNotCallable is returned by Tool.Call when the tool has no invoker.
var ErrNotCallable = errors.New("tool is not callable")

// Call invokes the tool. Calls may fail asynchronously if the remote side
// has dropped the session.
func (t Tool) Call(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	if t.Invoke == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotCallable, t.Server, t.Name)
	}
	return t.Invoke(ctx, args)
}

// Content is one item of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"is_error,omitempty"`
}
