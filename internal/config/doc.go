// Package config handles configuration loading for the support-chat client.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends in
// .toml, with environment variable expansion. Absent fields get defaults and the
// result is validated before use.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	auth:
//	  token: "${SHOP_CHAT_TOKEN}"
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax and are parsed after decoding:
//
//	stream:
//	  handshake_timeout: "10s"
//	  reconnect:
//	    max_attempts: 5
//	    delays: ["1s", "2s", "4s", "8s", "10s"]
//	    max_delay: "10s"
//
// # Configuration Sections
//
// Identity:
//
//	role: "admin"          # admin or customer
//	user_id: "admin-7"     # used to ignore our own typing events
//
// Endpoints:
//
//	api:
//	  base_url: "https://shop.example.com"
//	  timeout: "10s"
//	stream:
//	  url: "wss://shop.example.com/chat/ws"
//
// Typing and messages:
//
//	typing:
//	  idle_timeout: "2s"
//	  presence_ttl: "5s"
//	messages:
//	  page_size: 50
//	  preview_length: 50
//	  render_markdown: false
//	  dedupe_window: "10m"
//
// Credentials, logging and metrics:
//
//	auth:
//	  token_env: "SHOP_CHAT_TOKEN"
//	  token_file: "~/.config/support-chat/token"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  addr: "127.0.0.1:9102"
//	  path: "/metrics"
package config
