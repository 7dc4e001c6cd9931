// ABOUTME: Gateway orchestrator that owns the store, session registry and HTTP server
// ABOUTME: Manages listeners (TCP or tailnet), the idle sweeper and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/mcp-broker/internal/auth"
	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/mcpclient"
	"github.com/2389/mcp-broker/internal/store"
	"github.com/2389/mcp-broker/internal/toolsession"
)

// shutdownGrace is added to the protocol timeout when bounding shutdown, so
// session closes have their full budget after HTTP has drained.
const shutdownGrace = 5 * time.Second

// Version is reported to tool servers during the MCP handshake.
var Version = mcpclient.DefaultVersion

// Gateway orchestrates the mcp-broker server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	provider    toolsession.Provider
	registry    *toolsession.Registry
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MCP_BROKER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a gateway speaking MCP to the configured tool servers.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	provider := &mcpclient.Provider{
		Name:    mcpclient.DefaultName,
		Version: Version,
		Logger:  logger.With("component", "mcpclient"),
	}

	gw, err := newGateway(cfg, s, provider, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires the components around an existing store and provider.
func newGateway(cfg *config.Config, s store.Store, provider toolsession.Provider, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config:   cfg,
		store:    s,
		provider: provider,
		logger:   logger.With("component", "gateway"),
	}

	gw.registry = toolsession.NewRegistry(provider, toolsession.RegistryOptions{
		Logger:          logger,
		ProtocolTimeout: cfg.Sessions.ProtocolTimeout,
		OnEvent:         gw.recordEvent,
	})

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.withRequestLog(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Registry exposes the session registry, mainly for embedding callers.
func (g *Gateway) Registry() *toolsession.Registry {
	return g.registry
}

// Handler returns the HTTP handler serving the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// serverConfigs merges the static servers from the config file with the
// active servers from the store. Static definitions win on a name clash.
func (g *Gateway) serverConfigs(ctx context.Context) (map[string]toolsession.ServerConfig, error) {
	configs := make(map[string]toolsession.ServerConfig, len(g.config.Servers))
	maps.Copy(configs, g.config.Servers)

	stored, err := g.store.ListToolServers(ctx, store.ToolServerFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing tool servers: %w", err)
	}
	for _, srv := range stored {
		if _, ok := configs[srv.Name]; ok {
			g.logger.Warn("stored tool server shadowed by config file", "name", srv.Name, "id", srv.ID)
			continue
		}
		cfg := srv.Config()
		if err := remoteOnly(cfg); err != nil {
			g.logger.Warn("skipping stored tool server", "name", srv.Name, "id", srv.ID, "error", err)
			continue
		}
		configs[srv.Name] = cfg
	}
	return configs, nil
}

// setupListener listens on the configured TCP address or on the tailnet.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the HTTP server and the idle sweeper and blocks until ctx is
// canceled or the server fails, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	if idle := g.config.Sessions.IdleTimeout; idle > 0 {
		g.registry.StartSweeper(g.config.Sessions.SweepInterval, idle)
		g.logger.Info("idle session sweeper started", "idle_timeout", idle, "interval", g.config.Sessions.SweepInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown bounds Shutdown by the protocol timeout plus a grace period.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Sessions.ProtocolTimeout+shutdownGrace)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using a default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mcp-broker", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes every tool session and releases
// the store. If ctx expires before all sessions are closed the keys left open
// are logged and shutdown carries on with the remaining steps.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}

	if err := g.registry.Shutdown(ctx); err != nil {
		if ctx.Err() != nil {
			g.logger.Warn("tool sessions not fully closed before exit", "error", err)
		} else {
			errs = appendCloseError(errs, "tool sessions", err)
		}
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
