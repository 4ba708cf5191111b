// Package config handles configuration loading for fieldtrack.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are read as TOML; anything else is YAML.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FIELDTRACK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fieldtrack/config.yaml
//  3. ~/.config/fieldtrack/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	credentials:
//	  password: "${FIELDTRACK_PASSWORD}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	reconnect:
//	  base_delay: "1s"
//	  max_delay: "30s"
//
// # Configuration Sections
//
// Upstream feed and token endpoints:
//
//	upstream:
//	  feed_url: "wss://tracker.example.com/ws/agents/"
//	  token_query_param: "token"
//	  refresh_url: "https://tracker.example.com/api/token/refresh/"
//	  login_url: "https://tracker.example.com/api/token/"
//	  dial_timeout: "10s"
//	  read_limit_bytes: 4194304
//
// Stored login, used when the refresh token is rejected:
//
//	credentials:
//	  phone_number: "${FIELDTRACK_PHONE}"
//	  password: "${FIELDTRACK_PASSWORD}"
//	  token_file: "~/.config/fieldtrack/tokens.json"
//
// Reconnect policy:
//
//	reconnect:
//	  base_delay: "1s"
//	  max_delay: "30s"
//	  jitter: 0.5
//	  max_auth_failures: 3
//
// Tracking:
//
//	tracking:
//	  window_size: 1200   # identical fixes before an agent counts as stationary
//	  stale_after: "10m"  # flag agents missing from the feed; empty disables
//	  path_limit: 0       # 0 keeps the whole session path
//
// Consumer API:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	auth:
//	  jwt_secret: "${FIELDTRACK_JWT_SECRET}"  # optional, min 32 bytes
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/fieldtrack/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
