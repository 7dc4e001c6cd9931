// ABOUTME: Entry point for the mcp-broker tool session server
// ABOUTME: Runs the gateway and provides operator commands for tokens, sessions and cleanup

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mcp-broker/internal/auth"
	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                            _               _
  _ __ ___   ___ _ __      | |__  _ __ ___ | | _____ _ __
 | '_ ' _ \ / __| '_ \ ____| '_ \| '__/ _ \| |/ / _ \ '__|
 | | | | | | (__| |_) |____| |_) | | | (_) |   <  __/ |
 |_| |_| |_|\___| .__/     |_.__/|_|  \___/|_|\_\___|_|
                |_|
`

// defaultTokenTTL is the lifetime of tokens minted by init and token.
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the broker config file.
// Priority: MCP_BROKER_CONFIG env var > XDG_CONFIG_HOME/mcp-broker/broker.yaml > ~/.config/mcp-broker/broker.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_BROKER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "broker.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-broker", "broker.yaml")
}

// getDataPath returns the path to the mcp-broker data directory.
// Priority: XDG_DATA_HOME/mcp-broker > ~/.local/share/mcp-broker
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcp-broker")
}

// getTokenPath returns where init stores the operator token.
func getTokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

func usage() {
	fmt.Println("Usage: mcp-broker <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                  Start the broker server")
	fmt.Println("  init                                   Write a default config with a random JWT secret")
	fmt.Println("  token --sub ID [--ttl 720h] [--admin]  Mint an API token")
	fmt.Println("  health                                 Check broker health")
	fmt.Println("  sessions                               List live tool sessions")
	fmt.Println("  cleanup --user U --project P [--conversation C] [--all]")
	fmt.Println("                                         Close the tool sessions of a key or scope")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	case "cleanup":
		err = runCleanup(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Servers:   %d static\n", len(cfg.Servers))
	green.Print("    ▶ ")
	fmt.Printf("Sessions:  timeout %s, idle %s\n", cfg.Sessions.ProtocolTimeout, cfg.Sessions.IdleTimeout)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API auth disabled (no auth.jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting mcp-broker",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gateway.Version = version
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	// Handlers derived through WithAttrs share the mutex so lines never interleave
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// randomSecret returns a base64 secret long enough for the JWT verifier.
func randomSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// defaultConfig renders the config written by init.
func defaultConfig(dbPath, jwtSecret string) string {
	return fmt.Sprintf(`# mcp-broker configuration
# Generated by mcp-broker init

server:
  http_addr: "localhost:8090"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

sessions:
  protocol_timeout: "30s"
  idle_timeout: "1h"
  sweep_interval: "1m"

logging:
  level: "info"
  format: "text"

# Static tool servers offered to every conversation. More can be added at
# runtime through POST /api/servers.
servers:
  # browser:
  #   transport: "streamable-http"
  #   url: "http://localhost:8931/mcp"
  #   headers:
  #     Authorization: "Bearer ${BROWSER_TOKEN}"
  # files:
  #   transport: "stdio"
  #   command: "mcp-server-filesystem"
  #   args: ["/srv/shared"]
`, dbPath, jwtSecret)
}

// runInit writes a default config with a random JWT secret and mints an
// admin token for the operator commands.
func runInit() error {
	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "broker.db")

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	jwtSecret, err := randomSecret()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig(dbPath, jwtSecret)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	green.Printf("  ✓ Created config: %s\n", configPath)

	verifier, err := auth.NewJWTVerifier([]byte(jwtSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate("operator", defaultTokenTTL, auth.RoleAdmin)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := getTokenPath(configPath)
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	green.Printf("  ✓ Saved admin token: %s (expires %s)\n", tokenPath, time.Now().Add(defaultTokenTTL).Format("Jan 02, 2006"))

	fmt.Println()
	yellow.Println("  Ready to go:")
	fmt.Println("    $EDITOR " + configPath + "   # add tool servers")
	fmt.Println("    mcp-broker serve")
	fmt.Println()
	return nil
}

// runToken mints a bearer token signed with the configured secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "token subject (user ID)")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	admin := fs.Bool("admin", false, "grant the admin role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sub) == "" {
		return errors.New("--sub is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	var roles []string
	if *admin {
		roles = append(roles, auth.RoleAdmin)
	}
	token, err := verifier.Generate(*sub, *ttl, roles...)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}
