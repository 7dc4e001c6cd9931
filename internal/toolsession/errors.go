// ABOUTME: Error kinds surfaced by the tool session lifecycle manager
// ABOUTME: Sentinel kinds plus a structured Error naming the failing server

package toolsession

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Client and Registry matches exactly one
// of these with errors.Is.
var (
	// ErrConfiguration indicates a malformed or unknown server configuration.
	// It is reported before any session attempt is made.
	ErrConfiguration = errors.New("invalid server configuration")

	// ErrSessionUnavailable indicates a session never reached readiness,
	// including after the one automatic recovery attempt.
	ErrSessionUnavailable = errors.New("session unavailable")

	// ErrToolLoad indicates the tool server failed to enumerate its tools on
	// an otherwise open session.
	ErrToolLoad = errors.New("tool load failed")

	// ErrClientClosed indicates an operation on a client after Close.
	ErrClientClosed = errors.New("client closed")
)

// ErrSessionDropped is the cause recorded on an entry whose session was
// terminated by the remote side after becoming ready.
var ErrSessionDropped = errors.New("session dropped by remote")

// errSessionClosed is the cause recorded on an entry closed before anyone
// asked for its session.
var errSessionClosed = errors.New("session closed")

// Error describes which stage failed and for which server.
type Error struct {
	Kind   error  // one of the Err* kinds above
	Server string // tool server name, empty for client-wide failures
	Err    error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Server != "" {
		msg = fmt.Sprintf("%s (server %q)", msg, e.Server)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func configError(server string, err error) error {
	return &Error{Kind: ErrConfiguration, Server: server, Err: err}
}

func unavailableError(server string, err error) error {
	return &Error{Kind: ErrSessionUnavailable, Server: server, Err: err}
}

func toolLoadError(server string, err error) error {
	return &Error{Kind: ErrToolLoad, Server: server, Err: err}
}

func closedError(server string) error {
	return &Error{Kind: ErrClientClosed, Server: server}
}
