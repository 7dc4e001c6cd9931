// ABOUTME: Request routing helpers resolving isolation keys and mapping errors to HTTP status
// ABOUTME: Also assigns request IDs and logs each API request

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-broker/internal/auth"
	"github.com/2389/mcp-broker/internal/mcpclient"
	"github.com/2389/mcp-broker/internal/store"
	"github.com/2389/mcp-broker/internal/toolsession"
)

// Routing errors
var (
	// ErrForbidden means the caller may not act for the requested user
	ErrForbidden = errors.New("not allowed to act for this user")

	// ErrToolNotFound means the key's tool set has no such tool
	ErrToolNotFound = errors.New("tool not found")

	// ErrStaticServer means the server is defined in the config file and
	// cannot be changed through the API
	ErrStaticServer = errors.New("server is defined in the config file")
)

// resolveKey builds the isolation key for a request. With auth enabled the
// user ID defaults to the token subject and must match it unless the caller
// is an admin.
func resolveKey(r *http.Request, user, project, conversation string) (toolsession.IsolationKey, error) {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		if user == "" {
			user = authCtx.Subject
		}
		if !authCtx.CanActFor(user) {
			return toolsession.IsolationKey{}, ErrForbidden
		}
	}

	key := toolsession.NewIsolationKey(user, project, conversation)
	if err := key.Validate(); err != nil {
		return toolsession.IsolationKey{}, err
	}
	return key, nil
}

// visibleUser returns the user a non-admin caller is restricted to, or
// nil when the caller may see every user.
func visibleUser(r *http.Request) *string {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil || authCtx.IsAdmin() {
		return nil
	}
	return &authCtx.Subject
}

// statusForError maps session, store and routing errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, toolsession.ErrInvalidKey),
		errors.Is(err, toolsession.ErrConfiguration),
		errors.Is(err, mcpclient.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, toolsession.ErrUnknownKey),
		errors.Is(err, ErrToolNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateServer),
		errors.Is(err, ErrStaticServer):
		return http.StatusConflict
	case errors.Is(err, toolsession.ErrClientClosed):
		return http.StatusGone
	case errors.Is(err, toolsession.ErrSessionUnavailable),
		errors.Is(err, toolsession.ErrToolLoad):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err as a JSON error with the mapped status code.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "path", r.URL.Path, "request_id", w.Header().Get("X-Request-ID"), "error", err)
	}
	g.sendJSONError(w, status, err.Error())
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLog tags every request with an X-Request-ID and logs it.
func (g *Gateway) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", requestID,
		)
	})
}
