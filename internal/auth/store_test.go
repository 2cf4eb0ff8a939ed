//go:build !integration && !e2e
// +build !integration,!e2e

package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/ucr/internal/models"
)

func testCredential(provider string) *models.Credential {
	return &models.Credential{
		Provider:     provider,
		Kind:         models.AuthOAuth,
		AccessToken:  "gho_access",
		RefreshToken: "ghr_refresh",
		ExpiresAt:    1_900_000_000_000,
		Metadata:     map[string]string{"scope": "read:user"},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	store, err := NewStore(path, "")
	require.NoError(t, err)
	require.NoError(t, store.Set(testCredential("github-copilot")))

	// Reload from disk into a fresh store.
	reloaded, err := NewStore(path, "")
	require.NoError(t, err)
	got, ok := reloaded.Get("github-copilot")
	require.True(t, ok)
	assert.Equal(t, testCredential("github-copilot"), got)

	require.NoError(t, reloaded.Delete("github-copilot"))
	again, err := NewStore(path, "")
	require.NoError(t, err)
	assert.Empty(t, again.List())
}

func TestStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")

	store, err := NewStore(path, "")
	require.NoError(t, err)
	require.NoError(t, store.Set(testCredential("anthropic")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "c.json"), "")
	require.NoError(t, err)
	require.NoError(t, store.Set(testCredential("x")))

	got, _ := store.Get("x")
	got.AccessToken = "mutated"

	fresh, _ := store.Get("x")
	assert.Equal(t, "gho_access", fresh.AccessToken)
}

func TestStore_MissingFileIsEmpty(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "absent.json"), "")
	require.NoError(t, err)
	assert.Empty(t, store.List())
	_, ok := store.Get("anything")
	assert.False(t, ok)
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "c.json"), "")
	require.NoError(t, err)
	assert.NoError(t, store.Delete("never-stored"))
}

func TestStore_Encrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	store, err := NewStore(path, "correct horse")
	require.NoError(t, err)
	require.NoError(t, store.Set(testCredential("github-copilot")))

	// The on-disk form is an envelope, not plaintext JSON creds.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "gho_access")

	reloaded, err := NewStore(path, "correct horse")
	require.NoError(t, err)
	got, ok := reloaded.Get("github-copilot")
	require.True(t, ok)
	assert.Equal(t, "gho_access", got.AccessToken)

	_, err = NewStore(path, "wrong passphrase")
	assert.Error(t, err)
}

func TestStore_List(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "c.json"), "")
	require.NoError(t, err)
	require.NoError(t, store.Set(testCredential("zeta")))
	require.NoError(t, store.Set(testCredential("alpha")))

	assert.Equal(t, []string{"alpha", "zeta"}, store.List())
}
