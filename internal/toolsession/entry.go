// ABOUTME: Owns the lifetime of one session to one named tool server
// ABOUTME: A background goroutine opens, holds and releases the session

package toolsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// entryState is the lifecycle of a sessionEntry.
type entryState int

const (
	entryStarting entryState = iota
	entryReady
	entryFailed
	entryCloseRequested
	entryClosed
)

func (s entryState) String() string {
	switch s {
	case entryStarting:
		return "starting"
	case entryReady:
		return "ready"
	case entryFailed:
		return "failed"
	case entryCloseRequested:
		return "close_requested"
	case entryClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionEntry owns one session. The session handle is written only by the
// run goroutine; everyone else reads it after the ready channel is closed.
type sessionEntry struct {
	server string
	logger *slog.Logger

	ready    chan struct{} // closed once the entry is ready or failed
	closeReq chan struct{} // closed by requestClose, from any goroutine
	done     chan struct{} // closed after the session has been released
	cancel   context.CancelFunc

	closeOnce sync.Once

	mu      sync.RWMutex
	state   entryState
	session Session
	err     error

	// loadMu serializes tool loading for this entry.
	loadMu sync.Mutex
}

// newSessionEntry starts opening a session in the background and returns
// immediately.
func newSessionEntry(server string, cfg ServerConfig, provider Provider, openTimeout time.Duration, logger *slog.Logger) *sessionEntry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &sessionEntry{
		server:   server,
		logger:   logger.With("server", server),
		ready:    make(chan struct{}),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	go e.run(ctx, provider, cfg, openTimeout)
	return e
}

func (e *sessionEntry) run(ctx context.Context, provider Provider, cfg ServerConfig, openTimeout time.Duration) {
	defer close(e.done)
	defer e.cancel()

	sess, err := e.open(ctx, provider, cfg, openTimeout)
	if err != nil {
		e.mu.Lock()
		e.err = err
		e.state = entryFailed
		e.mu.Unlock()
		close(e.ready)
		e.logger.Error("session failed to open", "error", err)

		e.setState(entryClosed)
		return
	}

	e.mu.Lock()
	// A close requested during the open wins; the session is released below
	// without ever being handed out.
	opened := e.state == entryStarting
	if opened {
		e.session = sess
		e.state = entryReady
	}
	e.mu.Unlock()
	close(e.ready)
	if opened {
		e.logger.Info("session ready")
	}

	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Warn("error releasing session", "error", err)
		}
		e.mu.Lock()
		e.session = nil
		e.state = entryClosed
		e.mu.Unlock()
		e.logger.Info("session closed")
	}()

	select {
	case <-e.closeReq:
	case <-sess.Done():
		e.mu.Lock()
		e.err = ErrSessionDropped
		e.state = entryCloseRequested
		e.mu.Unlock()
		e.logger.Warn("session terminated by remote")
	}
}

// open acquires the session, bounded by openTimeout. A panic inside the
// provider is captured as the entry's error.
func (e *sessionEntry) open(ctx context.Context, provider Provider, cfg ServerConfig, openTimeout time.Duration) (sess Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess, err = nil, fmt.Errorf("panic opening session: %v", r)
		}
	}()

	openCtx := ctx
	if openTimeout > 0 {
		// The session may stay bound to openCtx, so only the timer cancels it
		// here; the entry's own cancel covers the rest of its life.
		var cancel context.CancelCauseFunc
		openCtx, cancel = context.WithCancelCause(ctx)
		timer := time.AfterFunc(openTimeout, func() {
			cancel(fmt.Errorf("opening session timed out after %s", openTimeout))
		})
		defer timer.Stop()
	}

	sess, err = provider.Open(openCtx, e.server, cfg)
	if err != nil {
		if cause := context.Cause(openCtx); cause != nil && cause != err {
			err = fmt.Errorf("%w (%v)", err, cause)
		}
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("provider returned no session")
	}
	return sess, nil
}

func (e *sessionEntry) setState(s entryState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Session waits until the entry is ready or failed, then returns the live
// session or the captured cause.
func (e *sessionEntry) Session(ctx context.Context) (Session, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.err != nil {
		return nil, e.err
	}
	if e.session == nil {
		return nil, errSessionClosed
	}
	return e.session, nil
}

// requestClose signals the run goroutine to release the session. It never
// blocks and is safe to call from any goroutine any number of times.
func (e *sessionEntry) requestClose() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		starting := e.state == entryStarting
		if e.state == entryStarting || e.state == entryReady {
			e.state = entryCloseRequested
		}
		e.mu.Unlock()

		close(e.closeReq)
		if starting {
			// Abort an in-flight open; a ready session is released by Close.
			e.cancel()
		}
	})
}

// close requests termination and waits for the session to be released.
// Every caller waits on the same teardown.
func (e *sessionEntry) close(ctx context.Context) error {
	e.requestClose()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session %q to close: %w", e.server, ctx.Err())
	}
}

// alive reports whether the session is ready and still connected.
func (e *sessionEntry) alive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == entryReady
}

// dropped reports whether the remote side terminated a ready session.
func (e *sessionEntry) dropped() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err == ErrSessionDropped
}

// cause returns the recorded error without waiting for readiness.
func (e *sessionEntry) cause() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// holding reports whether the entry may still own an underlying session.
func (e *sessionEntry) holding() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

func (e *sessionEntry) currentState() entryState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}
