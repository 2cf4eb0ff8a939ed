//go:build !integration && !e2e
// +build !integration,!e2e

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

const managerDocA = `{
	"providers": [
		{"id": "anthropic", "baseUrl": "https://api.anthropic.com", "authType": "api_key", "apiKey": "k", "enabled": true}
	]
}`

const managerDocB = `{
	"server": {"port": 4567},
	"providers": [
		{"id": "openai", "baseUrl": "https://api.openai.com/v1", "authType": "api_key", "apiKey": "k", "enabled": true}
	]
}`

func TestManager_ReloadSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, managerDocA)

	m, err := NewManager(path, nil, zap.NewNop())
	require.NoError(t, err)

	var notified *Config
	m.OnReload(func(cfg *Config) { notified = cfg })

	first := m.Current()
	_, ok := first.Provider("anthropic")
	assert.True(t, ok)

	writeConfig(t, path, managerDocB)
	require.NoError(t, m.Reload())

	second := m.Current()
	assert.NotSame(t, first, second)
	assert.Equal(t, 4567, second.Server.Port)
	_, ok = second.Provider("openai")
	assert.True(t, ok)
	assert.Same(t, second, notified, "reload listeners observe the new snapshot")

	// The old snapshot is still intact for in-flight requests.
	_, ok = first.Provider("anthropic")
	assert.True(t, ok)
}

func TestManager_FailedReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, managerDocA)

	m, err := NewManager(path, nil, zap.NewNop())
	require.NoError(t, err)
	before := m.Current()

	writeConfig(t, path, `{"providers": []}`)
	assert.Error(t, m.Reload())
	assert.Same(t, before, m.Current())

	writeConfig(t, path, `not json at all`)
	assert.Error(t, m.Reload())
	assert.Same(t, before, m.Current())
}

func TestManager_InitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	_, err := NewManager(path, nil, zap.NewNop())
	assert.Error(t, err)
}
