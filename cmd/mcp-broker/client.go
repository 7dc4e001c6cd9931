// ABOUTME: Operator commands that talk to a running broker over its HTTP API
// ABOUTME: Implements health, sessions and cleanup using the configured address and saved token

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mcp-broker/internal/config"
	"github.com/2389/mcp-broker/internal/gateway"
)

// apiClient calls a running broker.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient builds a client from the config file. MCP_BROKER_URL and
// MCP_BROKER_TOKEN override the configured address and the saved token.
func newAPIClient() (*apiClient, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	baseURL := os.Getenv("MCP_BROKER_URL")
	if baseURL == "" {
		baseURL = "http://" + cfg.Server.HTTPAddr
		if cfg.Tailscale.Enabled {
			baseURL = "http://" + cfg.Tailscale.Hostname
		}
	}

	token := os.Getenv("MCP_BROKER_TOKEN")
	if token == "" && cfg.Auth.JWTSecret != "" {
		data, err := os.ReadFile(getTokenPath(configPath))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if err := client.do(ctx, http.MethodGet, "/health", nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.http.Do(req)
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		color.Yellow("healthy, not ready: %s", strings.TrimSpace(string(body)))
		return nil
	}
	color.Green("healthy: %s", strings.TrimSpace(string(body)))
	return nil
}

func runSessions(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var resp gateway.SessionsResponse
	if err := client.do(ctx, http.MethodGet, "/api/sessions", &resp); err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("No live tool sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	bold := color.New(color.Bold)
	bold.Fprintln(w, "SESSION KEY\tTOOLS\tSERVERS\tIDLE\tCREATED")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			s.SessionKey,
			s.ToolCount,
			strings.Join(s.Servers, ","),
			s.IdleFor,
			s.CreatedAt.Local().Format("Jan 02 15:04"),
		)
	}
	return w.Flush()
}

func runCleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	user := fs.String("user", "", "user ID")
	project := fs.String("project", "", "project ID")
	conversation := fs.String("conversation", "", "conversation ID")
	all := fs.Bool("all", false, "close every conversation of the user and project")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}
	if *all && *conversation != "" {
		return errors.New("--all and --conversation are mutually exclusive")
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	q := url.Values{}
	// An empty user defaults to the token subject on the server
	if *user != "" {
		q.Set("user_id", *user)
	}
	q.Set("project_id", *project)
	if *conversation != "" {
		q.Set("conversation_id", *conversation)
	}
	if *all {
		q.Set("scope", "all")
	}

	var resp gateway.CleanupResponse
	if err := client.do(ctx, http.MethodDelete, "/api/sessions?"+q.Encode(), &resp); err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}

	color.Green("  ✓ Closed %d session key(s)", resp.Closed)
	return nil
}
