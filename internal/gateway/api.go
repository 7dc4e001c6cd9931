// ABOUTME: HTTP API handlers for per-conversation tool sessions
// ABOUTME: Loads, calls and refreshes tools per isolation key and lists or cleans up sessions

package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/2389/mcp-broker/internal/auth"
	"github.com/2389/mcp-broker/internal/store"
	"github.com/2389/mcp-broker/internal/toolsession"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// KeyRequest identifies the isolation key a request operates on.
type KeyRequest struct {
	UserID         string `json:"user_id"`
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ToolsResponse is the JSON response for POST /api/tools.
type ToolsResponse struct {
	SessionKey string             `json:"session_key"`
	Tools      []toolsession.Tool `json:"tools"`
}

// CallToolRequest is the JSON request body for POST /api/tools/call.
type CallToolRequest struct {
	KeyRequest
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// RefreshRequest is the JSON request body for POST /api/tools/refresh.
type RefreshRequest struct {
	KeyRequest
	Server string `json:"server"`
}

// SessionsResponse is the JSON response for GET /api/sessions.
type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// SessionResponse describes one tracked isolation key.
type SessionResponse struct {
	toolsession.SessionInfo
	SessionKey string `json:"session_key"`
	IdleFor    string `json:"idle_for"`
}

// CleanupResponse is the JSON response for DELETE /api/sessions.
type CleanupResponse struct {
	Closed int `json:"closed"`
}

// SessionEventResponse is one audit log entry in GET /api/sessions/events.
type SessionEventResponse struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	UserID         string   `json:"user_id"`
	ProjectID      string   `json:"project_id"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Servers        []string `json:"servers,omitempty"`
	ToolCount      int      `json:"tool_count"`
	Timestamp      string   `json:"timestamp"`
}

// registerAPIRoutes registers the /api routes, behind bearer auth when a JWT
// secret is configured. Tool-server changes additionally require the admin role.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, logger *slog.Logger) {
	wrap := func(h http.HandlerFunc) http.Handler { return h }
	admin := wrap
	if g.verifier != nil {
		authMiddleware := auth.HTTPAuthMiddleware(g.verifier, logger)
		adminMiddleware := auth.RequireAdminHTTP()
		wrap = func(h http.HandlerFunc) http.Handler { return authMiddleware(h) }
		admin = func(h http.HandlerFunc) http.Handler { return authMiddleware(adminMiddleware(h)) }
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("POST /api/tools", wrap(g.handleGetTools))
	mux.Handle("POST /api/tools/call", wrap(g.handleCallTool))
	mux.Handle("POST /api/tools/refresh", wrap(g.handleRefreshTools))

	mux.Handle("GET /api/sessions", wrap(g.handleListSessions))
	mux.Handle("DELETE /api/sessions", wrap(g.handleCleanupSessions))
	mux.Handle("GET /api/sessions/events", wrap(g.handleSessionEvents))

	mux.Handle("GET /api/servers", wrap(g.handleListServers))
	mux.Handle("POST /api/servers", admin(g.handleCreateServer))
	mux.Handle("GET /api/servers/{id}", wrap(g.handleGetServer))
	mux.Handle("PUT /api/servers/{id}", admin(g.handleUpdateServer))
	mux.Handle("DELETE /api/servers/{id}", admin(g.handleDeleteServer))
	mux.Handle("POST /api/servers/{id}/ping", wrap(g.handlePingServer))
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one tool server is available.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	configs, err := g.serverConfigs(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if len(configs) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no tool servers configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tool servers, %d sessions)", len(configs), len(g.registry.Keys()))
}

// loadTools returns the key's tools, loading them with the current server
// set when the key is new or its cache was invalidated.
func (g *Gateway) loadTools(r *http.Request, key toolsession.IsolationKey) ([]toolsession.Tool, error) {
	configs, err := g.serverConfigs(r.Context())
	if err != nil {
		return nil, err
	}
	return g.registry.GetToolsForSession(r.Context(), configs, key)
}

// handleGetTools handles POST /api/tools.
func (g *Gateway) handleGetTools(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := resolveKey(r, req.UserID, req.ProjectID, req.ConversationID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	tools, err := g.loadTools(r, key)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if tools == nil {
		tools = []toolsession.Tool{}
	}

	writeJSON(w, http.StatusOK, ToolsResponse{SessionKey: key.String(), Tools: tools})
}

// handleCallTool handles POST /api/tools/call. The tool is resolved within
// the key's tool set.
func (g *Gateway) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Server == "" || req.Tool == "" {
		g.sendJSONError(w, http.StatusBadRequest, "server and tool are required")
		return
	}

	key, err := resolveKey(r, req.UserID, req.ProjectID, req.ConversationID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	// Served from the key's cache unless the key is new or went stale.
	tools, err := g.loadTools(r, key)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	i := slices.IndexFunc(tools, func(t toolsession.Tool) bool {
		return t.Server == req.Server && t.Name == req.Tool
	})
	if i < 0 {
		g.sendError(w, r, fmt.Errorf("%w: %s/%s", ErrToolNotFound, req.Server, req.Tool))
		return
	}

	result, err := tools[i].Call(r.Context(), req.Arguments)
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			err = fmt.Errorf("%w: %w", toolsession.ErrSessionUnavailable, err)
		}
		g.sendError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleRefreshTools handles POST /api/tools/refresh.
func (g *Gateway) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Server == "" {
		g.sendJSONError(w, http.StatusBadRequest, "server is required")
		return
	}

	key, err := resolveKey(r, req.UserID, req.ProjectID, req.ConversationID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	tools, err := g.registry.Refresh(r.Context(), key, req.Server)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if tools == nil {
		tools = []toolsession.Tool{}
	}

	writeJSON(w, http.StatusOK, ToolsResponse{SessionKey: key.String(), Tools: tools})
}

// handleListSessions handles GET /api/sessions. Non-admin callers only see
// their own keys.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	only := visibleUser(r)
	now := time.Now()

	response := SessionsResponse{Sessions: []SessionResponse{}}
	for _, info := range g.registry.Sessions() {
		if only != nil && info.Key.UserID != *only {
			continue
		}
		response.Sessions = append(response.Sessions, SessionResponse{
			SessionInfo: info,
			SessionKey:  info.Key.String(),
			IdleFor:     now.Sub(info.LastUsed).Round(time.Second).String(),
		})
	}

	writeJSON(w, http.StatusOK, response)
}

// handleCleanupSessions handles DELETE /api/sessions. With scope=all every
// conversation of the (user, project) scope is closed, otherwise exactly the
// given key.
func (g *Gateway) handleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := resolveKey(r, q.Get("user_id"), q.Get("project_id"), q.Get("conversation_id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	if q.Get("scope") == "all" {
		n, err := g.registry.CleanupScope(r.Context(), key.UserID, key.ProjectID)
		if err != nil {
			g.logger.Warn("errors closing session scope", "user_id", key.UserID, "project_id", key.ProjectID, "error", err)
		}
		writeJSON(w, http.StatusOK, CleanupResponse{Closed: n})
		return
	}

	removed, err := g.registry.Cleanup(r.Context(), key)
	if err != nil {
		g.logger.Warn("errors closing session", "session_key", key.String(), "error", err)
	}
	closed := 0
	if removed {
		closed = 1
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Closed: closed})
}

// handleSessionEvents handles GET /api/sessions/events.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.SessionEventFilter

	if v := q.Get("user_id"); v != "" {
		filter.UserID = &v
	}
	if only := visibleUser(r); only != nil {
		if filter.UserID != nil && *filter.UserID != *only {
			g.sendError(w, r, ErrForbidden)
			return
		}
		filter.UserID = only
	}
	if v := q.Get("project_id"); v != "" {
		filter.ProjectID = &v
	}
	if v := q.Get("kind"); v != "" {
		kind := store.SessionEventKind(v)
		filter.Kind = &kind
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	events, err := g.store.ListSessionEvents(r.Context(), filter)
	if err != nil {
		g.sendError(w, r, fmt.Errorf("listing session events: %w", err))
		return
	}

	response := make([]SessionEventResponse, 0, len(events))
	for _, e := range events {
		response = append(response, SessionEventResponse{
			ID:             e.ID,
			Kind:           string(e.Kind),
			UserID:         e.UserID,
			ProjectID:      e.ProjectID,
			ConversationID: e.ConversationID,
			Servers:        e.Servers,
			ToolCount:      e.ToolCount,
			Timestamp:      e.Timestamp.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": response})
}
