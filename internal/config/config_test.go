// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/support-chat/internal/chat"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
role: admin
user_id: "admin-7"

api:
  base_url: "https://shop.example.com"
  timeout: "5s"

stream:
  url: "wss://shop.example.com/chat/ws"
  handshake_timeout: "3s"
  reconnect:
    max_attempts: 3
    delays: ["500ms", "1s", "2s"]
    max_delay: "2s"

typing:
  idle_timeout: "1500ms"
  presence_ttl: "4s"

messages:
  page_size: 25
  preview_length: 40
  render_markdown: true
  dedupe_window: "1m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  addr: "127.0.0.1:9102"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Role != chat.RoleAdmin {
		t.Errorf("Role = %q, want %q", cfg.Role, chat.RoleAdmin)
	}
	if cfg.API.Timeout != 5*time.Second {
		t.Errorf("API.Timeout = %v, want %v", cfg.API.Timeout, 5*time.Second)
	}
	if cfg.Stream.HandshakeTimeout != 3*time.Second {
		t.Errorf("Stream.HandshakeTimeout = %v, want %v", cfg.Stream.HandshakeTimeout, 3*time.Second)
	}
	wantDelays := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	if len(cfg.Stream.Reconnect.Delays) != len(wantDelays) {
		t.Fatalf("Reconnect.Delays = %v, want %v", cfg.Stream.Reconnect.Delays, wantDelays)
	}
	for i, d := range wantDelays {
		if cfg.Stream.Reconnect.Delays[i] != d {
			t.Errorf("Reconnect.Delays[%d] = %v, want %v", i, cfg.Stream.Reconnect.Delays[i], d)
		}
	}
	if cfg.Stream.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 3", cfg.Stream.Reconnect.MaxAttempts)
	}
	if cfg.Typing.IdleTimeout != 1500*time.Millisecond {
		t.Errorf("Typing.IdleTimeout = %v, want 1.5s", cfg.Typing.IdleTimeout)
	}
	if cfg.Messages.PageSize != 25 || cfg.Messages.PreviewLength != 40 || !cfg.Messages.RenderMarkdown {
		t.Errorf("Messages = %+v, unexpected", cfg.Messages)
	}
	if cfg.Messages.DedupeWindow != time.Minute {
		t.Errorf("Messages.DedupeWindow = %v, want 1m", cfg.Messages.DedupeWindow)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
role = "customer"
user_id = "cust-1"

[api]
base_url = "http://localhost:8080"

[stream]
url = "ws://localhost:8080/chat/ws"

[stream.reconnect]
max_attempts = 2
delays = ["10ms", "20ms"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Role != chat.RoleCustomer {
		t.Errorf("Role = %q, want customer", cfg.Role)
	}
	if cfg.Stream.Reconnect.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", cfg.Stream.Reconnect.MaxAttempts)
	}
	if len(cfg.Stream.Reconnect.Delays) != 2 || cfg.Stream.Reconnect.Delays[1] != 20*time.Millisecond {
		t.Errorf("Delays = %v, want [10ms 20ms]", cfg.Stream.Reconnect.Delays)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
role: customer
user_id: cust-1
api:
  base_url: "http://localhost:8080"
stream:
  url: "ws://localhost:8080/chat/ws"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stream.Reconnect.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", cfg.Stream.Reconnect.MaxAttempts, DefaultMaxAttempts)
	}
	if len(cfg.Stream.Reconnect.Delays) != len(DefaultDelays) {
		t.Errorf("Delays = %v, want %v", cfg.Stream.Reconnect.Delays, DefaultDelays)
	}
	if cfg.Typing.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", cfg.Typing.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.Messages.PageSize != DefaultPageSize || cfg.Messages.PreviewLength != DefaultPreviewLength {
		t.Errorf("Messages = %+v, want defaults", cfg.Messages)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("SUPPORT_CHAT_TEST_HOST", "shop.internal")
	t.Setenv("SUPPORT_CHAT_TEST_TOKEN", "secret-token")

	path := writeConfig(t, "config.yaml", `
role: admin
user_id: admin-1
api:
  base_url: "https://${SUPPORT_CHAT_TEST_HOST}"
stream:
  url: "wss://${SUPPORT_CHAT_TEST_HOST}/chat/ws"
auth:
  token: "${SUPPORT_CHAT_TEST_TOKEN}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "https://shop.internal" {
		t.Errorf("API.BaseURL = %q, want https://shop.internal", cfg.API.BaseURL)
	}
	if cfg.Auth.Token != "secret-token" {
		t.Errorf("Auth.Token = %q, want secret-token", cfg.Auth.Token)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad role",
			content: "role: guest\nuser_id: x\n",
			wantErr: "role must be",
		},
		{
			name:    "missing user",
			content: "role: admin\n",
			wantErr: "user_id is required",
		},
		{
			name:    "missing base url",
			content: "role: admin\nuser_id: a\n",
			wantErr: "api.base_url is required",
		},
		{
			name:    "stream scheme",
			content: "role: admin\nuser_id: a\napi:\n  base_url: http://x\nstream:\n  url: http://x/ws\n",
			wantErr: "stream.url must use ws or wss",
		},
		{
			name:    "bad duration",
			content: "role: admin\nuser_id: a\ntyping:\n  idle_timeout: soon\n",
			wantErr: "parsing typing.idle_timeout",
		},
		{
			name:    "bad delay",
			content: "role: admin\nuser_id: a\nstream:\n  reconnect:\n    delays: [\"1s\", \"later\"]\n",
			wantErr: "parsing stream.reconnect.delays",
		},
		{
			name:    "metrics without addr",
			content: "role: admin\nuser_id: a\napi:\n  base_url: http://x\nstream:\n  url: ws://x/ws\nmetrics:\n  enabled: true\n",
			wantErr: "metrics.addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}
