// Package config handles support-widget configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultAPIBase is used when no API base is configured anywhere.
const DefaultAPIBase = "http://127.0.0.1:8000"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./widget.yaml, ~/.config/support-widget/widget.yaml,
// /etc/support-widget/widget.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"widget.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "support-widget", "widget.yaml"))
	}

	paths = append(paths, "/etc/support-widget/widget.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all support-widget configuration. It is constructed once
// at startup and passed down; nothing reads ambient globals, so multiple
// widget instances with different configs can coexist in one process.
type Config struct {
	// APIBase is the HTTP origin of the widget backend. The WebSocket
	// origin is derived from it.
	APIBase string `yaml:"api_base" env:"WIDGET_API_BASE"`

	// PageURL is the URL of the page hosting the widget. Its query
	// string feeds the identity resolver (tenant_id, conv_id, api_base
	// parameters take precedence over config and storage).
	PageURL string `yaml:"page_url" env:"WIDGET_PAGE_URL"`

	// TenantID and ConversationID are explicit caller-supplied identity
	// values. They win over every other resolution source.
	TenantID       string `yaml:"tenant_id" env:"WIDGET_TENANT_ID"`
	ConversationID string `yaml:"conversation_id" env:"WIDGET_CONVERSATION_ID"`

	// Globals mirrors the host page's global configuration object
	// (key/value pairs consulted by the identity resolver after the
	// page URL).
	Globals map[string]string `yaml:"globals"`

	Storage StorageConfig `yaml:"storage"`
	Keys    KeyConfig     `yaml:"keys"`
	Support SupportConfig `yaml:"support"`

	// EnableWebSocket controls the live message feed. Defaults to true.
	EnableWebSocket *bool `yaml:"enable_websocket" env:"WIDGET_ENABLE_WEBSOCKET"`

	// HistoryLimit caps the number of messages fetched on startup.
	HistoryLimit int `yaml:"history_limit" env:"WIDGET_HISTORY_LIMIT"`

	LogLevel string `yaml:"log_level" env:"WIDGET_LOG_LEVEL"`
}

// StorageConfig selects and configures the persistence strategy.
type StorageConfig struct {
	// Backend is "sqlite" (non-expiring, local-storage style) or
	// "file" (expiring entries, cookie style).
	Backend string `yaml:"backend" env:"WIDGET_STORAGE_BACKEND"`

	// Path is the database or state-file location. Defaults to a file
	// under the user config directory.
	Path string `yaml:"path" env:"WIDGET_STORAGE_PATH"`

	// TTL applies to the file backend only: entries older than this are
	// treated as absent, like an expiring cookie. Zero means 30 days.
	TTL time.Duration `yaml:"ttl" env:"WIDGET_STORAGE_TTL"`
}

// KeyConfig names the persisted-state keys. The defaults match what the
// hosted widget has always written, so existing installs keep their
// sessions across upgrades.
type KeyConfig struct {
	Conversation string `yaml:"conversation" env:"WIDGET_KEY_CONVERSATION"`
	Token        string `yaml:"token" env:"WIDGET_KEY_TOKEN"`
	Tenant       string `yaml:"tenant" env:"WIDGET_KEY_TENANT"`
	Sender       string `yaml:"sender" env:"WIDGET_KEY_SENDER"`
	FormShown    string `yaml:"form_shown" env:"WIDGET_KEY_FORM_SHOWN"`
}

// SupportConfig configures the quick-action chips (email, live chat, docs).
type SupportConfig struct {
	// EmailURL, when set, is opened directly for the "Email Us" chip
	// (a mailto: or a full compose URL). When empty, a Gmail compose
	// URL is built from the fields below.
	EmailURL     string `yaml:"email_url" env:"WIDGET_SUPPORT_EMAIL_URL"`
	EmailTo      string `yaml:"email_to" env:"WIDGET_SUPPORT_EMAIL_TO"`
	EmailSubject string `yaml:"email_subject" env:"WIDGET_SUPPORT_EMAIL_SUBJECT"`
	EmailBody    string `yaml:"email_body" env:"WIDGET_SUPPORT_EMAIL_BODY"`

	// HelpDocsURL is the destination for the "Help Docs" chip. When
	// empty the chip reports a missing-URL support action instead.
	HelpDocsURL string `yaml:"help_docs_url" env:"WIDGET_HELP_DOCS_URL"`

	// DashboardURL is the "Live Support" destination. It may contain
	// {convId}, {conversation_id}, and {tenantId} placeholders.
	DashboardURL string `yaml:"dashboard_url" env:"WIDGET_DASHBOARD_URL"`
}

// Load reads the YAML file at path, applies WIDGET_* environment
// overrides, and fills defaults. A missing file is not an error when
// path is empty; env and defaults still apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath(c.Storage.Backend)
	}
	if c.Storage.TTL <= 0 {
		c.Storage.TTL = 30 * 24 * time.Hour
	}
	if c.Keys.Conversation == "" {
		c.Keys.Conversation = "conv_id"
	}
	if c.Keys.Token == "" {
		c.Keys.Token = "chat_token"
	}
	if c.Keys.Tenant == "" {
		c.Keys.Tenant = "tenant_id"
	}
	if c.Keys.Sender == "" {
		c.Keys.Sender = "chat_sender_id"
	}
	if c.Keys.FormShown == "" {
		c.Keys.FormShown = "escalation_form_shown"
	}
	if c.Support.EmailSubject == "" {
		c.Support.EmailSubject = "Support "
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 500
	}
}

func defaultStoragePath(backend string) string {
	name := "widget.db"
	if backend == "file" {
		name = "widget-state.json"
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "support-widget", name)
	}
	return name
}

// Validate checks structural configuration errors. It does not check
// identity: a missing tenant id is resolved (or not) at startup by the
// identity resolver and handled there.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api_base %q is not an http(s) URL", c.APIBase)
	}
	if c.PageURL != "" {
		if _, err := url.Parse(c.PageURL); err != nil {
			return fmt.Errorf("page_url %q: %w", c.PageURL, err)
		}
	}
	switch c.Storage.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("storage.backend %q (valid: sqlite, file)", c.Storage.Backend)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// WebSocketEnabled reports whether the live feed should be opened.
func (c *Config) WebSocketEnabled() bool {
	return c.EnableWebSocket == nil || *c.EnableWebSocket
}
