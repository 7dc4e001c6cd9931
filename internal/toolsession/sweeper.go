// ABOUTME: Idle sweeping and shutdown for the session registry
// ABOUTME: Closes keys unused past a TTL and tears everything down on exit

package toolsession

import (
	"context"
	"time"
)

// SweepIdle closes every key whose last use is older than ttl and returns
// the keys it removed.
func (r *Registry) SweepIdle(ctx context.Context, ttl time.Duration) []IsolationKey {
	if ttl <= 0 {
		return nil
	}
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	removed := make(map[IsolationKey]*Client)
	for key, info := range r.info {
		if info.LastUsed.Before(cutoff) {
			if client, ok := r.removeLocked(key); ok {
				removed[key] = client
			}
		}
	}
	r.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	if err := r.closeAll(ctx, removed); err != nil {
		r.logger.Warn("error closing idle sessions", "error", err)
	}

	keys := make([]IsolationKey, 0, len(removed))
	for key := range removed {
		keys = append(keys, key)
		r.emit(Event{Kind: EventSweep, Key: key})
	}
	r.logger.Info("swept idle sessions", "count", len(keys), "idle_timeout", ttl)
	return keys
}

// StartSweeper runs SweepIdle every interval until StopSweeper or Shutdown.
// Calling it while a sweeper is running is a no-op.
func (r *Registry) StartSweeper(interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepDone != nil {
		return
	}
	done := make(chan struct{})
	r.sweepDone = done

	r.sweepWG.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
				r.SweepIdle(ctx, ttl)
				cancel()
			case <-done:
				return
			}
		}
	})
}

// StopSweeper stops the background sweeper and waits for it to exit.
// Safe to call multiple times.
func (r *Registry) StopSweeper() {
	r.sweepMu.Lock()
	if r.sweepDone != nil {
		close(r.sweepDone)
		r.sweepDone = nil
	}
	r.sweepMu.Unlock()
	r.sweepWG.Wait()
}

// Shutdown stops the sweeper and closes every client. If ctx expires first,
// the keys still open are logged and the error is returned without waiting
// further, so process exit is never blocked past ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.StopSweeper()

	r.mu.Lock()
	pending := make([]string, 0, len(r.clients))
	for key := range r.clients {
		pending = append(pending, key.String())
	}
	shared := len(r.shared)
	r.mu.Unlock()

	err := r.CleanupAll(ctx)
	if ctx.Err() != nil {
		r.logger.Warn("shutdown deadline reached before all tool sessions closed",
			"session_keys", pending,
			"shared_clients", shared,
			"error", ctx.Err(),
		)
		return ctx.Err()
	}
	return err
}
