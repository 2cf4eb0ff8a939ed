package models

import "time"

// AuthKind tags how a provider authenticates upstream.
type AuthKind string

const (
	AuthAPIKey      AuthKind = "api_key"
	AuthBearerToken AuthKind = "bearer_token"
	AuthOAuth       AuthKind = "oauth"
	AuthBasic       AuthKind = "basic"
	AuthNone        AuthKind = "none"
)

// Provider is one configured upstream. Immutable between config reloads.
type Provider struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	BaseURL      string            `json:"baseUrl"`
	DefaultModel string            `json:"defaultModel,omitempty"`
	Models       []string          `json:"models,omitempty"`
	AuthType     AuthKind          `json:"authType,omitempty"`
	APIKey       string            `json:"apiKey,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Enabled      bool              `json:"enabled"`
	Timeout      time.Duration     `json:"-"`
	TimeoutMs    int               `json:"timeoutMs,omitempty"`
	MaxRetries   int               `json:"maxRetries,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RequestTimeout returns the per-request timeout, or def when unset.
func (p *Provider) RequestTimeout(def time.Duration) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return def
}

// Meta returns a metadata value or the given default.
func (p *Provider) Meta(key, def string) string {
	if v, ok := p.Metadata[key]; ok && v != "" {
		return v
	}
	return def
}

// TaskType classifies a request for routing purposes.
type TaskType string

const (
	TaskDefault     TaskType = "default"
	TaskThink       TaskType = "think"
	TaskBackground  TaskType = "background"
	TaskLongContext TaskType = "longContext"
	TaskWebSearch   TaskType = "webSearch"
	TaskImage       TaskType = "image"
)

// RouteResult is the router's decision for one request.
type RouteResult struct {
	Provider   *Provider
	Model      string
	TaskType   TaskType
	TokenCount int
	Reason     string
}

// Credential is a stored upstream credential for one provider.
type Credential struct {
	Provider     string            `json:"provider"`
	Kind         AuthKind          `json:"kind"`
	APIKey       string            `json:"apiKey,omitempty"`
	BearerToken  string            `json:"bearerToken,omitempty"`
	AccessToken  string            `json:"accessToken,omitempty"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	ExpiresAt    int64             `json:"expiresAt,omitempty"` // epoch millis
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Secret returns the material injected into upstream auth headers.
func (c *Credential) Secret() string {
	switch c.Kind {
	case AuthOAuth:
		return c.AccessToken
	case AuthBearerToken:
		return c.BearerToken
	default:
		return c.APIKey
	}
}

// NeedsRefresh reports whether an oauth credential expires within the
// given window.
func (c *Credential) NeedsRefresh(now time.Time, window time.Duration) bool {
	if c.Kind != AuthOAuth || c.ExpiresAt == 0 {
		return false
	}
	return c.ExpiresAt-now.UnixMilli() < window.Milliseconds()
}

// RequestLogEntry is one persisted proxied request (cost tracking).
type RequestLogEntry struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	TaskType     string    `json:"task_type"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	LatencyMs    float64   `json:"latency_ms"`
	StatusCode   int       `json:"status_code"`
	Success      bool      `json:"success"`
	Stream       bool      `json:"stream"`
	CacheHit     bool      `json:"cache_hit"`
	CreatedAt    time.Time `json:"created_at"`
}
