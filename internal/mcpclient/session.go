// ABOUTME: Adapts a go-sdk client session to the toolsession.Session contract
// ABOUTME: Lists tools with pagination and binds each tool to CallTool on the session

package mcpclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/mcp-broker/internal/toolsession"
)

// maxToolPages bounds tools/list pagination against servers that never stop
// returning cursors.
const maxToolPages = 100

type session struct {
	server string
	cs     *mcp.ClientSession
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ toolsession.Session = (*session)(nil)

func newSession(server string, cs *mcp.ClientSession, logger *slog.Logger) *session {
	s := &session{server: server, cs: cs, logger: logger, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		if err := cs.Wait(); err != nil {
			logger.Debug("mcp session ended", "error", err)
		}
	}()
	return s
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cs.Close()
	})
	return s.closeErr
}

// Tools pages through tools/list and returns every tool bound to this session.
func (s *session) Tools(ctx context.Context) ([]toolsession.Tool, error) {
	var (
		tools  []toolsession.Tool
		cursor string
	)
	for range maxToolPages {
		res, err := s.cs.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		for _, t := range res.Tools {
			tool, err := s.bind(t)
			if err != nil {
				return nil, err
			}
			tools = append(tools, tool)
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	return nil, fmt.Errorf("tools/list: more than %d pages", maxToolPages)
}

func (s *session) bind(t *mcp.Tool) (toolsession.Tool, error) {
	var schema json.RawMessage
	if t.InputSchema != nil {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return toolsession.Tool{}, fmt.Errorf("encoding input schema of %q: %w", t.Name, err)
		}
		schema = data
	}

	name := t.Name
	return toolsession.Tool{
		Server:      s.server,
		Name:        name,
		Description: t.Description,
		InputSchema: schema,
		Invoke: func(ctx context.Context, args json.RawMessage) (*toolsession.ToolResult, error) {
			return s.call(ctx, name, args)
		},
	}, nil
}

// ErrInvalidArguments is returned when tool arguments are not a JSON object.
var ErrInvalidArguments = errors.New("tool arguments must be a JSON object")

func (s *session) call(ctx context.Context, name string, args json.RawMessage) (*toolsession.ToolResult, error) {
	params := &mcp.CallToolParams{Name: name}
	if len(args) > 0 && string(args) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(args, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		params.Arguments = obj
	}

	res, err := s.cs.CallTool(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return convertResult(res), nil
}

func convertResult(res *mcp.CallToolResult) *toolsession.ToolResult {
	out := &toolsession.ToolResult{IsError: res.IsError, Content: make([]toolsession.Content, 0, len(res.Content))}
	for _, c := range res.Content {
		switch c := c.(type) {
		case *mcp.TextContent:
			out.Content = append(out.Content, toolsession.Content{Type: "text", Text: c.Text})
		case *mcp.ImageContent:
			out.Content = append(out.Content, toolsession.Content{
				Type:     "image",
				MimeType: c.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(c.Data),
			})
		case *mcp.AudioContent:
			out.Content = append(out.Content, toolsession.Content{
				Type:     "audio",
				MimeType: c.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(c.Data),
			})
		default:
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			out.Content = append(out.Content, toolsession.Content{Type: "json", Text: string(data)})
		}
	}
	if len(out.Content) == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			out.Content = append(out.Content, toolsession.Content{Type: "json", Text: string(data)})
		}
	}
	return out
}
