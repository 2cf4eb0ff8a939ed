//go:build !integration && !e2e
// +build !integration,!e2e

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/models"
)

type fakeCreds map[string]*models.Credential

func (f fakeCreds) Get(providerID string) (*models.Credential, bool) {
	c, ok := f[providerID]
	return c, ok
}

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"providers": [
			{"id": "anthropic", "baseUrl": "https://api.anthropic.com", "authType": "api_key", "apiKey": "sk-1", "enabled": true}
		]
	}`), nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultTokenThreshold, cfg.Router.TokenThreshold)
	require.Len(t, cfg.EnabledProviders(), 1)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_UCR_KEY", "sk-expanded")

	cfg, err := Parse([]byte(`{
		"providers": [
			{"id": "openai", "baseUrl": "https://api.openai.com/v1", "authType": "api_key", "apiKey": "${TEST_UCR_KEY}", "enabled": true}
		]
	}`), nil)
	require.NoError(t, err)

	p, ok := cfg.Provider("openai")
	require.True(t, ok)
	assert.Equal(t, "sk-expanded", p.APIKey)
}

func TestParse_UndefinedVariableFails(t *testing.T) {
	_, err := Parse([]byte(`{
		"providers": [
			{"id": "openai", "baseUrl": "https://api.openai.com/v1", "authType": "api_key", "apiKey": "${TEST_UCR_NO_SUCH_VAR}", "enabled": true}
		]
	}`), nil)
	require.Error(t, err)

	var cerr *errs.ConfigInvalidError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, "TEST_UCR_NO_SUCH_VAR")
}

func TestParse_OAuthSubstitution(t *testing.T) {
	creds := fakeCreds{
		"github-copilot": {
			Provider:    "github-copilot",
			Kind:        models.AuthOAuth,
			AccessToken: "gho_stored",
		},
	}

	doc := []byte(`{
		"providers": [
			{"id": "github-copilot", "baseUrl": "https://api.githubcopilot.com", "authType": "oauth", "apiKey": "${COPILOT_TOKEN}", "enabled": true}
		]
	}`)

	cfg, err := Parse(doc, creds)
	require.NoError(t, err)
	p, ok := cfg.Provider("github-copilot")
	require.True(t, ok)
	assert.Equal(t, "gho_stored", p.APIKey)

	// Idempotent given an unchanged store and environment.
	again, err := Parse(doc, creds)
	require.NoError(t, err)
	p2, _ := again.Provider("github-copilot")
	assert.Equal(t, p.APIKey, p2.APIKey)
}

func TestParse_OAuthMissingCredentialFatal(t *testing.T) {
	_, err := Parse([]byte(`{
		"providers": [
			{"id": "github-copilot", "baseUrl": "https://api.githubcopilot.com", "authType": "oauth", "enabled": true}
		]
	}`), fakeCreds{})
	require.Error(t, err)

	var cerr *errs.CredentialMissingError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "github-copilot", cerr.Provider)
	assert.Contains(t, err.Error(), "ucr auth login github-copilot")
}

func TestParse_OAuthLiteralKeyKept(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"providers": [
			{"id": "github-copilot", "baseUrl": "https://api.githubcopilot.com", "authType": "oauth", "apiKey": "gho_literal", "enabled": true}
		]
	}`), fakeCreds{})
	require.NoError(t, err)
	p, _ := cfg.Provider("github-copilot")
	assert.Equal(t, "gho_literal", p.APIKey)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("UCR_HOST", "0.0.0.0")
	t.Setenv("UCR_PORT", "9999")
	t.Setenv("UCR_LOG_LEVEL", "DEBUG")

	cfg, err := Parse([]byte(`{
		"server": {"host": "127.0.0.1", "port": 3456},
		"logging": {"level": "info"},
		"providers": [
			{"id": "anthropic", "baseUrl": "https://api.anthropic.com", "authType": "api_key", "apiKey": "k", "enabled": true}
		]
	}`), nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no providers", `{"providers": []}`},
		{"duplicate ids", `{"providers": [
			{"id": "a", "baseUrl": "https://x.example.com", "authType": "api_key", "apiKey": "k"},
			{"id": "a", "baseUrl": "https://y.example.com", "authType": "api_key", "apiKey": "k"}
		]}`},
		{"missing baseUrl", `{"providers": [{"id": "a", "authType": "api_key", "apiKey": "k"}]}`},
		{"bad authType", `{"providers": [{"id": "a", "baseUrl": "https://x.example.com", "authType": "voodoo"}]}`},
		{"bad port", `{"server": {"port": 123456}, "providers": [{"id": "a", "baseUrl": "https://x.example.com", "authType": "api_key", "apiKey": "k"}]}`},
		{"invalid JSON", `{providers:}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), nil)
			assert.Error(t, err)
		})
	}
}

func TestParse_ProvidersSortedByPriority(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"providers": [
			{"id": "low", "baseUrl": "https://l.example.com", "authType": "api_key", "apiKey": "k", "enabled": true, "priority": 1},
			{"id": "tie-a", "baseUrl": "https://ta.example.com", "authType": "api_key", "apiKey": "k", "enabled": true, "priority": 5},
			{"id": "tie-b", "baseUrl": "https://tb.example.com", "authType": "api_key", "apiKey": "k", "enabled": true, "priority": 5},
			{"id": "off", "baseUrl": "https://o.example.com", "authType": "api_key", "apiKey": "k", "enabled": false, "priority": 100}
		]
	}`), nil)
	require.NoError(t, err)

	enabled := cfg.EnabledProviders()
	require.Len(t, enabled, 3)
	assert.Equal(t, "tie-a", enabled[0].ID, "insertion order breaks ties")
	assert.Equal(t, "tie-b", enabled[1].ID)
	assert.Equal(t, "low", enabled[2].ID)
}
