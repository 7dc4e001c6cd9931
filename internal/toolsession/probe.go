// ABOUTME: One-shot connectivity probe for a single tool server
// ABOUTME: Opens a throwaway session, lists its tools and releases it

package toolsession

import (
	"context"
	"fmt"
	"time"
)

// Probe opens a temporary session to one server, lists its tools and closes
// the session again. Nothing is cached. A zero timeout means
// DefaultProtocolTimeout.
func Probe(ctx context.Context, provider Provider, name string, cfg ServerConfig, timeout time.Duration) ([]Tool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, configError(name, err)
	}
	if timeout <= 0 {
		timeout = DefaultProtocolTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := provider.Open(ctx, name, cfg.clone())
	if err != nil {
		return nil, unavailableError(name, err)
	}
	defer sess.Close()

	tools, err := sess.Tools(ctx)
	if err != nil {
		return nil, toolLoadError(name, fmt.Errorf("listing tools: %w", err))
	}
	for i := range tools {
		tools[i].Server = name
		tools[i].Invoke = nil
	}
	return tools, nil
}
