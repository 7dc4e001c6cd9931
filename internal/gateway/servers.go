// ABOUTME: HTTP API handlers for tool-server definitions
// ABOUTME: CRUD over stored servers, read-only view of config servers and connectivity ping

package gateway

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/2389/mcp-broker/internal/auth"
	"github.com/2389/mcp-broker/internal/store"
	"github.com/2389/mcp-broker/internal/toolsession"
)

// staticIDPrefix marks servers defined in the config file.
const staticIDPrefix = "config:"

// Server sources reported in ServerResponse.
const (
	SourceConfig = "config"
	SourceStore  = "store"
)

// ServerRequest is the JSON request body for POST and PUT /api/servers.
type ServerRequest struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	IsActive  *bool             `json:"is_active,omitempty"`
}

// ServerResponse describes one tool server. Header and env values are
// never returned, only their names.
type ServerResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Transport   string   `json:"transport"`
	URL         string   `json:"url,omitempty"`
	HeaderNames []string `json:"header_names,omitempty"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
	EnvNames    []string `json:"env_names,omitempty"`
	IsActive    bool     `json:"is_active"`
	Owner       string   `json:"owner,omitempty"`
	Source      string   `json:"source"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

// PingResponse is the JSON response for POST /api/servers/{id}/ping.
type PingResponse struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"` // "online" or "error"
	ToolCount int      `json:"tool_count"`
	Tools     []string `json:"tools,omitempty"`
	Error     string   `json:"error,omitempty"`
	LatencyMS int64    `json:"latency_ms"`
}

func storedServerResponse(srv *store.ToolServer) ServerResponse {
	return ServerResponse{
		ID:          srv.ID,
		Name:        srv.Name,
		Transport:   toolsession.NormalizeTransport(srv.Transport),
		URL:         srv.URL,
		HeaderNames: slices.Sorted(maps.Keys(srv.Headers)),
		Command:     srv.Command,
		Args:        srv.Args,
		EnvNames:    slices.Sorted(maps.Keys(srv.Env)),
		IsActive:    srv.IsActive,
		Owner:       srv.Owner,
		Source:      SourceStore,
		CreatedAt:   srv.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   srv.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func staticServerResponse(name string, cfg toolsession.ServerConfig) ServerResponse {
	return ServerResponse{
		ID:          staticIDPrefix + name,
		Name:        name,
		Transport:   toolsession.NormalizeTransport(cfg.Transport),
		URL:         cfg.URL,
		HeaderNames: slices.Sorted(maps.Keys(cfg.Headers)),
		Command:     cfg.Command,
		Args:        cfg.Args,
		EnvNames:    slices.Sorted(maps.Keys(cfg.Env)),
		IsActive:    true,
		Source:      SourceConfig,
	}
}

// toolServer converts a request into a stored definition and validates it.
func (req *ServerRequest) toolServer() (*store.ToolServer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", toolsession.ErrConfiguration)
	}
	srv := &store.ToolServer{
		Name:      name,
		Transport: toolsession.NormalizeTransport(req.Transport),
		URL:       req.URL,
		Headers:   req.Headers,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		IsActive:  req.IsActive == nil || *req.IsActive,
	}
	if err := remoteOnly(srv.Config()); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", toolsession.ErrConfiguration, name, err)
	}
	if err := srv.Config().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", toolsession.ErrConfiguration, name, err)
	}
	return srv, nil
}

// remoteOnly rejects definitions that would launch a local process. Stored
// servers are reachable over the network only; stdio servers belong in the
// config file.
func remoteOnly(cfg toolsession.ServerConfig) error {
	if toolsession.NormalizeTransport(cfg.Transport) == toolsession.TransportStdio {
		return errors.New("stdio servers can only be defined in the config file")
	}
	if cfg.Command != "" || len(cfg.Args) > 0 || len(cfg.Env) > 0 {
		return errors.New("command, args and env are only valid for stdio servers")
	}
	return nil
}

// handleListServers handles GET /api/servers. Config servers come first,
// then stored ones, each sorted by name.
func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	stored, err := g.store.ListToolServers(r.Context(), store.ToolServerFilter{})
	if err != nil {
		g.sendError(w, r, fmt.Errorf("listing tool servers: %w", err))
		return
	}

	response := make([]ServerResponse, 0, len(g.config.Servers)+len(stored))
	for _, name := range slices.Sorted(maps.Keys(g.config.Servers)) {
		response = append(response, staticServerResponse(name, g.config.Servers[name]))
	}
	for _, srv := range stored {
		response = append(response, storedServerResponse(srv))
	}

	writeJSON(w, http.StatusOK, map[string]any{"servers": response})
}

// lookupServer resolves an ID to a name and configuration, covering both
// config servers and stored ones.
func (g *Gateway) lookupServer(r *http.Request, id string) (string, toolsession.ServerConfig, *store.ToolServer, error) {
	if name, ok := strings.CutPrefix(id, staticIDPrefix); ok {
		cfg, ok := g.config.Servers[name]
		if !ok {
			return "", toolsession.ServerConfig{}, nil, fmt.Errorf("server %s: %w", id, store.ErrNotFound)
		}
		return name, cfg, nil, nil
	}

	srv, err := g.store.GetToolServer(r.Context(), id)
	if err != nil {
		return "", toolsession.ServerConfig{}, nil, fmt.Errorf("server %s: %w", id, err)
	}
	return srv.Name, srv.Config(), srv, nil
}

// handleGetServer handles GET /api/servers/{id}.
func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name, cfg, srv, err := g.lookupServer(r, r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if srv == nil {
		writeJSON(w, http.StatusOK, staticServerResponse(name, cfg))
		return
	}
	writeJSON(w, http.StatusOK, storedServerResponse(srv))
}

// handleCreateServer handles POST /api/servers.
func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	srv, err := req.toolServer()
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if _, ok := g.config.Servers[srv.Name]; ok {
		g.sendError(w, r, fmt.Errorf("%w: %s", ErrStaticServer, srv.Name))
		return
	}
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		srv.Owner = authCtx.Subject
	}

	if err := g.store.CreateToolServer(r.Context(), srv); err != nil {
		g.sendError(w, r, err)
		return
	}

	g.logger.Info("tool server created", "id", srv.ID, "name", srv.Name, "transport", srv.Transport)
	writeJSON(w, http.StatusCreated, storedServerResponse(srv))
}

// handleUpdateServer handles PUT /api/servers/{id}. Keys that already loaded
// their tools keep their sessions until cleaned up.
func (g *Gateway) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if strings.HasPrefix(id, staticIDPrefix) {
		g.sendError(w, r, ErrStaticServer)
		return
	}

	existing, err := g.store.GetToolServer(r.Context(), id)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	var req ServerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	srv, err := req.toolServer()
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if _, ok := g.config.Servers[srv.Name]; ok {
		g.sendError(w, r, fmt.Errorf("%w: %s", ErrStaticServer, srv.Name))
		return
	}
	srv.ID = existing.ID
	srv.Owner = existing.Owner
	srv.CreatedAt = existing.CreatedAt

	if err := g.store.UpdateToolServer(r.Context(), srv); err != nil {
		g.sendError(w, r, err)
		return
	}

	g.logger.Info("tool server updated", "id", srv.ID, "name", srv.Name, "active", srv.IsActive)
	writeJSON(w, http.StatusOK, storedServerResponse(srv))
}

// handleDeleteServer handles DELETE /api/servers/{id}.
func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if strings.HasPrefix(id, staticIDPrefix) {
		g.sendError(w, r, ErrStaticServer)
		return
	}

	if err := g.store.DeleteToolServer(r.Context(), id); err != nil {
		g.sendError(w, r, err)
		return
	}

	g.logger.Info("tool server deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handlePingServer handles POST /api/servers/{id}/ping. It opens a throwaway
// session, lists the tools and closes it again. Connection failures are
// reported in the body with status "error", not as an HTTP error.
func (g *Gateway) handlePingServer(w http.ResponseWriter, r *http.Request) {
	name, cfg, srv, err := g.lookupServer(r, r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if srv != nil {
		if err := remoteOnly(cfg); err != nil {
			g.sendError(w, r, fmt.Errorf("%w: %s: %w", toolsession.ErrConfiguration, name, err))
			return
		}
	}

	start := time.Now()
	tools, err := toolsession.Probe(r.Context(), g.provider, name, cfg, g.config.Sessions.ProtocolTimeout)
	response := PingResponse{Name: name, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		g.logger.Warn("tool server ping failed", "name", name, "error", err)
		response.Status = "error"
		response.Error = err.Error()
		writeJSON(w, http.StatusOK, response)
		return
	}

	response.Status = "online"
	response.ToolCount = len(tools)
	for _, t := range tools {
		response.Tools = append(response.Tools, t.Name)
	}
	writeJSON(w, http.StatusOK, response)
}
