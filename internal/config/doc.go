// Package config handles configuration loading for huddle-chat.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// The CLI looks for, in order:
//
//  1. Path from the HUDDLE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/huddle/chat.yaml
//  3. ~/.config/huddle/chat.yaml
//
// A .env file in the working directory is loaded before the lookup.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HUDDLE_JWT_SECRET}"
//
// HUDDLE_DB_PATH, when set, replaces database.path.
//
// # Authentication
//
// Either auth.jwt_secret (at least 32 bytes) or auth.dev_mode: true must be
// set. Dev mode trusts the X-Huddle-User header and cannot be combined with
// a secret.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	realtime:
//	  ping_interval: "30s"
//	idempotency:
//	  ttl: "24h"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"
//	database:
//	  path: "~/.local/share/huddle/chat.db"
//	conversations:
//	  aggregation: "index"
//	  planner_requires_vendor_profile: true
//	realtime:
//	  redis:
//	    addr: "localhost:6379"
package config
