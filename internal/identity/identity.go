// Package identity derives the widget's session identity (tenant id,
// conversation id, API base) from a strict priority chain of sources,
// and persists what it resolves so the next page load skips the chase.
package identity

import (
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/pixelpower/support-widget/internal/config"
	"github.com/pixelpower/support-widget/internal/storage"
)

// Key names the lookup aliases for one identity value across the
// resolution sources.
type Key struct {
	// Query is the page-URL query parameter name.
	Query string
	// Globals are names probed in the page-global config map, in order.
	Globals []string
	// Env are environment variable names probed in order. The list
	// carries the historical build-tool prefixes so embeds configured
	// for older bundles keep working.
	Env []string
	// Store is the persisted-state key.
	Store string
}

// Well-known keys. The Store fields are filled from config at
// construction time since key names are configurable.
var (
	tenantKey = Key{
		Query:   "tenant_id",
		Globals: []string{"TENANT_ID"},
		Env:     []string{"WIDGET_TENANT_ID", "VITE_TENANT_ID", "REACT_APP_TENANT_ID", "TENANT_ID"},
	}
	conversationKey = Key{
		Query:   "conv_id",
		Globals: []string{"CONVERSATION_ID"},
		Env:     []string{"WIDGET_CONVERSATION_ID", "CONVERSATION_ID"},
	}
	apiBaseKey = Key{
		Query:   "api_base",
		Globals: []string{"API_BASE"},
		Env:     []string{"WIDGET_API_BASE", "VITE_API_URL", "REACT_APP_API_URL", "API_BASE"},
		Store:   "api_base",
	}
)

// Resolver walks the source chain: explicit value, page-URL query,
// page-global config, environment, persisted storage. The first usable
// candidate wins. Resolution never fails; a missing value yields "" and
// callers decide whether that is fatal.
type Resolver struct {
	cfg    *config.Config
	query  url.Values
	store  storage.Store
	logger *slog.Logger

	// getenv is replaced in tests.
	getenv func(string) string
}

// NewResolver builds a resolver over the given config and store.
func NewResolver(cfg *config.Config, store storage.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	query := url.Values{}
	if cfg.PageURL != "" {
		if u, err := url.Parse(cfg.PageURL); err == nil {
			query = u.Query()
		}
	}

	return &Resolver{
		cfg:    cfg,
		query:  query,
		store:  store,
		logger: logger,
		getenv: os.Getenv,
	}
}

// usable rejects empty/whitespace values and the literal strings "null"
// and "undefined" (case-insensitive), which leak out of broken embeds.
func usable(v string) bool {
	t := strings.TrimSpace(v)
	if t == "" {
		return false
	}
	switch strings.ToLower(t) {
	case "null", "undefined":
		return false
	}
	return true
}

// Resolve returns the first usable candidate for key, trying the
// explicit value, then the page-URL query, the page-global config, the
// environment, and finally persisted storage. Returns "" when nothing
// resolves.
func (r *Resolver) Resolve(explicit string, key Key) string {
	if usable(explicit) {
		return strings.TrimSpace(explicit)
	}
	if key.Query != "" {
		if v := r.query.Get(key.Query); usable(v) {
			return strings.TrimSpace(v)
		}
	}
	for _, name := range key.Globals {
		if v := r.cfg.Globals[name]; usable(v) {
			return strings.TrimSpace(v)
		}
	}
	for _, name := range key.Env {
		if v := r.getenv(name); usable(v) {
			return strings.TrimSpace(v)
		}
	}
	if key.Store != "" && r.store != nil {
		v, err := r.store.Get(key.Store)
		if err != nil {
			r.logger.Warn("state read failed during resolution",
				"key", key.Store,
				"error", err,
			)
		} else if usable(v) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Tenant resolves the tenant id. The explicit value comes from config.
func (r *Resolver) Tenant() string {
	k := tenantKey
	k.Store = r.cfg.Keys.Tenant
	return r.Resolve(r.cfg.TenantID, k)
}

// Conversation resolves the conversation id.
func (r *Resolver) Conversation() string {
	k := conversationKey
	k.Store = r.cfg.Keys.Conversation
	return r.Resolve(r.cfg.ConversationID, k)
}

// APIBase resolves the backend origin, falling back to the default.
func (r *Resolver) APIBase() string {
	if v := r.Resolve(r.cfg.APIBase, apiBaseKey); v != "" {
		return v
	}
	return config.DefaultAPIBase
}

// EnsureTenant resolves the tenant, detects a tenant change against the
// persisted value, and writes the result back. On a change the stored
// token and conversation id are invalidated so the session starts
// fresh. Returns the resolved tenant, "" when none resolves.
func (r *Resolver) EnsureTenant() string {
	tenant := r.Tenant()
	if tenant == "" {
		return ""
	}

	saved, err := r.store.Get(r.cfg.Keys.Tenant)
	if err != nil {
		r.logger.Warn("read saved tenant", "error", err)
	}
	if saved != "" && saved != tenant {
		r.logger.Info("tenant changed, resetting session",
			"saved", saved,
			"resolved", tenant,
		)
		if err := r.store.Delete(r.cfg.Keys.Token); err != nil {
			r.logger.Warn("clear token on tenant change", "error", err)
		}
		if err := r.store.Delete(r.cfg.Keys.Conversation); err != nil {
			r.logger.Warn("clear conversation on tenant change", "error", err)
		}
	}
	if err := r.store.Set(r.cfg.Keys.Tenant, tenant); err != nil {
		r.logger.Warn("persist tenant", "error", err)
	}
	return tenant
}

// SenderID returns the stable per-install sender id, generating and
// persisting one on first use. The "user_" prefix plus eight id
// characters matches what the hosted widget has always produced.
func (r *Resolver) SenderID() string {
	if v, err := r.store.Get(r.cfg.Keys.Sender); err == nil && v != "" {
		return v
	}

	id := "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if err := r.store.Set(r.cfg.Keys.Sender, id); err != nil {
		r.logger.Warn("persist sender id", "error", err)
	}
	return id
}
