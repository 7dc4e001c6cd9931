// Package config handles configuration loading for mcp-broker.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCP_BROKER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcp-broker/broker.yaml
//  3. ~/.config/mcp-broker/broker.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MCP_BROKER_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//
// Database (tool-server definitions and session audit log):
//
//	database:
//	  path: "~/.local/share/mcp-broker/broker.db"
//
// Authentication (optional; enables bearer tokens on /api):
//
//	auth:
//	  jwt_secret: "${MCP_BROKER_JWT_SECRET}"   # at least 32 bytes
//
// Session timing:
//
//	sessions:
//	  protocol_timeout: "30s"   # bound on open, tool listing and close
//	  idle_timeout: "1h"        # "0" disables idle sweeping
//	  sweep_interval: "1m"
//
// Static tool servers:
//
//	servers:
//	  search:
//	    url: "http://localhost:9001/mcp"       # streamable-http by default
//	    headers:
//	      Authorization: "Bearer ${SEARCH_TOKEN}"
//	  browser:
//	    transport: "stdio"
//	    command: "fake-toolserver"
//	    args: ["--stdio"]
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "mcp-broker"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates required addresses and paths, duration formats, the JWT
// secret length and every static server definition.
//
// # Usage
//
//	cfg, err := config.Load("/etc/mcp-broker/broker.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
