package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIBase != DefaultAPIBase {
		t.Errorf("APIBase = %q, want %q", cfg.APIBase, DefaultAPIBase)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("Storage.Backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Storage.TTL != 30*24*time.Hour {
		t.Errorf("Storage.TTL = %v", cfg.Storage.TTL)
	}
	if cfg.Keys.Conversation != "conv_id" || cfg.Keys.Token != "chat_token" {
		t.Errorf("default keys = %+v", cfg.Keys)
	}
	if cfg.Keys.FormShown != "escalation_form_shown" {
		t.Errorf("Keys.FormShown = %q", cfg.Keys.FormShown)
	}
	if cfg.HistoryLimit != 500 {
		t.Errorf("HistoryLimit = %d, want 500", cfg.HistoryLimit)
	}
	if !cfg.WebSocketEnabled() {
		t.Error("WebSocketEnabled = false by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widget.yaml")
	data := `
api_base: https://support.example.com
tenant_id: acme
storage:
  backend: file
  ttl: 1h
keys:
  token: custom_token
support:
  help_docs_url: https://docs.example.com
enable_websocket: false
history_limit: 50
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.APIBase != "https://support.example.com" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if cfg.TenantID != "acme" {
		t.Errorf("TenantID = %q", cfg.TenantID)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.TTL != time.Hour {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Keys.Token != "custom_token" {
		t.Errorf("Keys.Token = %q", cfg.Keys.Token)
	}
	// Unset keys still get defaults.
	if cfg.Keys.Conversation != "conv_id" {
		t.Errorf("Keys.Conversation = %q", cfg.Keys.Conversation)
	}
	if cfg.WebSocketEnabled() {
		t.Error("WebSocketEnabled = true, want false")
	}
	if cfg.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d", cfg.HistoryLimit)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WIDGET_API_BASE", "https://env.example.com")
	t.Setenv("WIDGET_TENANT_ID", "env-tenant")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBase != "https://env.example.com" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if cfg.TenantID != "env-tenant" {
		t.Errorf("TenantID = %q", cfg.TenantID)
	}
}

func TestValidateRejectsBadAPIBase(t *testing.T) {
	for _, base := range []string{"not a url", "ftp://example.com", ""} {
		cfg := &Config{APIBase: base, Storage: StorageConfig{Backend: "sqlite"}}
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate accepted api_base %q", base)
		}
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := &Config{APIBase: DefaultAPIBase, Storage: StorageConfig{Backend: "redis"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted unknown storage backend")
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
