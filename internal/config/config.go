// Package config loads, validates and hot-reloads the ucr JSON config.
// Snapshots are immutable once published; readers never lock.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/models"
)

// Config is one immutable configuration snapshot.
type Config struct {
	Version      string              `json:"version,omitempty"`
	Server       ServerConfig        `json:"server"`
	Logging      LoggingConfig       `json:"logging"`
	Providers    []*models.Provider  `json:"providers"`
	Router       RouterConfig        `json:"router"`
	Transformers []TransformerConfig `json:"transformers,omitempty"`
	Auth         AuthConfig          `json:"auth"`
	Features     FeatureConfig       `json:"features"`

	// Derived at load time.
	enabled      []*models.Provider
	providerByID map[string]*models.Provider
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	CORS      bool   `json:"cors,omitempty"`
	RateLimit int    `json:"rateLimit,omitempty"` // requests per minute per IP, 0 = off
	TimeoutMs int    `json:"timeout,omitempty"`   // overall inbound timeout
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level    string `json:"level,omitempty"`
	File     string `json:"file,omitempty"`
	Pretty   bool   `json:"pretty,omitempty"`
	Requests bool   `json:"requests,omitempty"`
}

// RouterConfig maps task types to provider ids.
type RouterConfig struct {
	Default        string `json:"default,omitempty"`
	Think          string `json:"think,omitempty"`
	Background     string `json:"background,omitempty"`
	LongContext    string `json:"longContext,omitempty"`
	WebSearch      string `json:"webSearch,omitempty"`
	Image          string `json:"image,omitempty"`
	TokenThreshold int    `json:"tokenThreshold,omitempty"`
	CustomRouter   string `json:"customRouter,omitempty"` // path to a JS routing script
}

// RouteFor returns the configured provider id for a task type ("" if none).
func (r *RouterConfig) RouteFor(task models.TaskType) string {
	switch task {
	case models.TaskThink:
		return r.Think
	case models.TaskBackground:
		return r.Background
	case models.TaskLongContext:
		return r.LongContext
	case models.TaskWebSearch:
		return r.WebSearch
	case models.TaskImage:
		return r.Image
	default:
		return r.Default
	}
}

// TransformerConfig enables/disables and parameterizes one adapter.
type TransformerConfig struct {
	Provider string         `json:"provider"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// AuthConfig holds credential store settings.
type AuthConfig struct {
	StorePath  string `json:"storePath,omitempty"`
	Encryption bool   `json:"encryption,omitempty"`
}

// FeatureConfig toggles optional subsystems.
type FeatureConfig struct {
	CostTracking  bool `json:"costTracking,omitempty"`
	Analytics     bool `json:"analytics,omitempty"`
	HealthChecks  bool `json:"healthChecks,omitempty"`
	AutoDiscovery bool `json:"autoDiscovery,omitempty"`
}

// Defaults applied when the document omits a value.
const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 3456
	DefaultTokenThreshold = 100_000
	DefaultTimeout        = 30 * time.Second
)

// applyDefaults fills unset fields and derives per-provider timeouts.
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Router.TokenThreshold == 0 {
		c.Router.TokenThreshold = DefaultTokenThreshold
	}
	for _, p := range c.Providers {
		if p.TimeoutMs > 0 {
			p.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		}
		if p.Name == "" {
			p.Name = p.ID
		}
	}
}

// Validate checks the document against the schema invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &errs.ConfigInvalidError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if len(c.Providers) == 0 {
		return &errs.ConfigInvalidError{Field: "providers", Message: "must not be empty"}
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			return &errs.ConfigInvalidError{Field: field + ".id", Message: "is required"}
		}
		if seen[p.ID] {
			return &errs.ConfigInvalidError{Field: field + ".id", Message: "duplicate provider id " + p.ID}
		}
		seen[p.ID] = true
		if p.BaseURL == "" {
			return &errs.ConfigInvalidError{Field: field + ".baseUrl", Message: "is required"}
		}
		switch p.AuthType {
		case "", models.AuthAPIKey, models.AuthBearerToken, models.AuthOAuth, models.AuthBasic, models.AuthNone:
		default:
			return &errs.ConfigInvalidError{Field: field + ".authType", Message: "unknown auth type " + string(p.AuthType)}
		}
		if p.TimeoutMs < 0 {
			return &errs.ConfigInvalidError{Field: field + ".timeoutMs", Message: "must be >= 0"}
		}
		if p.MaxRetries < 0 {
			return &errs.ConfigInvalidError{Field: field + ".maxRetries", Message: "must be >= 0"}
		}
	}
	if c.Router.TokenThreshold < 0 {
		return &errs.ConfigInvalidError{Field: "router.tokenThreshold", Message: "must be >= 0"}
	}
	return nil
}

// finalize sorts enabled providers by priority descending (stable, so
// config order breaks ties) and builds the id index.
func (c *Config) finalize() {
	c.providerByID = make(map[string]*models.Provider, len(c.Providers))
	c.enabled = c.enabled[:0]
	for _, p := range c.Providers {
		c.providerByID[p.ID] = p
		if p.Enabled {
			c.enabled = append(c.enabled, p)
		}
	}
	sort.SliceStable(c.enabled, func(i, j int) bool {
		return c.enabled[i].Priority > c.enabled[j].Priority
	})
}

// EnabledProviders returns enabled providers, highest priority first.
func (c *Config) EnabledProviders() []*models.Provider {
	return c.enabled
}

// Provider returns the provider with the given id, enabled or not.
func (c *Config) Provider(id string) (*models.Provider, bool) {
	p, ok := c.providerByID[id]
	return p, ok
}

// EnabledProvider returns the provider with the given id if it is enabled.
func (c *Config) EnabledProvider(id string) (*models.Provider, bool) {
	p, ok := c.providerByID[id]
	if !ok || !p.Enabled {
		return nil, false
	}
	return p, true
}
