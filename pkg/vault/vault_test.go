package vault_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsec/broker/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*vault.Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")
	s, err := vault.Open(path, "correct horse battery staple")
	require.NoError(t, err)
	return s, path
}

func TestOpen_NoPassphrase(t *testing.T) {
	dir := t.TempDir()
	_, err := vault.Open(filepath.Join(dir, "vault.json"), "")
	assert.ErrorIs(t, err, vault.ErrNoPassphrase)
}

func TestStore_StoreAndGet_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	err := s.Store("http", "api.example.com", vault.Credential{
		Kind:  vault.KindBearer,
		Token: "sk-live-abc123",
	}, vault.WithLabel("example api"))
	require.NoError(t, err)

	entry, err := s.Get("http", "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc123", entry.Credential.Token)
	assert.Equal(t, "example api", entry.Label)
	assert.Equal(t, vault.StateActive, entry.State)
}

func TestStore_Get_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Get("http", "missing.example.com")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Store("http", "api.example.com", vault.Credential{Kind: vault.KindBearer, Token: "t"}))
	require.True(t, s.Has("http", "api.example.com"))

	require.NoError(t, s.Delete("http", "api.example.com"))
	assert.False(t, s.Has("http", "api.example.com"))
	_, err := s.Get("http", "api.example.com")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStore_List_MetadataOnlyAndFilters(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Store("http", "a.example.com", vault.Credential{Kind: vault.KindBearer, Token: "secret-a"}))
	require.NoError(t, s.Store("smtp", "mail.example.com", vault.Credential{Kind: vault.KindBasic, Username: "u", Password: "secret-b"}))

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	httpOnly, err := s.List("http")
	require.NoError(t, err)
	require.Len(t, httpOnly, 1)
	assert.Equal(t, "a.example.com", httpOnly[0].Target)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	s1, err := vault.Open(path, "passphrase-one")
	require.NoError(t, err)
	require.NoError(t, s1.Store("http", "api.example.com", vault.Credential{Kind: vault.KindAPIKey, HeaderName: "X-API-Key", Header: "abc"}))

	s2, err := vault.Open(path, "passphrase-one")
	require.NoError(t, err)
	entry, err := s2.Get("http", "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "abc", entry.Credential.Header)
}

func TestStore_WrongPassphrase_FailsToDecrypt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	s1, err := vault.Open(path, "correct-passphrase")
	require.NoError(t, err)
	require.NoError(t, s1.Store("http", "api.example.com", vault.Credential{Kind: vault.KindBearer, Token: "t"}))

	_, err = vault.Open(path, "wrong-passphrase")
	assert.ErrorIs(t, err, vault.ErrCorrupt)
}

func TestStore_CorruptFile_QuarantinedAndFailsClosed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := vault.Open(path, "passphrase")
	assert.ErrorIs(t, err, vault.ErrCorrupt)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var foundQuarantine bool
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != "vault.json" {
			foundQuarantine = true
		}
	}
	assert.True(t, foundQuarantine, "expected corrupt file to be renamed aside")
}

func TestStore_FilePermissions_OwnerOnly(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Store("http", "api.example.com", vault.Credential{Kind: vault.KindBearer, Token: "t"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_UpdateOAuth_RotatesState(t *testing.T) {
	s, _ := openTestStore(t)
	exp := time.Now().Add(time.Hour)
	require.NoError(t, s.Store("oauth", "accounts.google.com", vault.Credential{
		Kind:         vault.KindOAuth2,
		AccessToken:  "old-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    &exp,
	}))

	newExp := time.Now().Add(2 * time.Hour)
	require.NoError(t, s.UpdateOAuth("oauth", "accounts.google.com", "new-access", "refresh-2", newExp))

	entry, err := s.Get("oauth", "accounts.google.com")
	require.NoError(t, err)
	assert.Equal(t, "new-access", entry.Credential.AccessToken)
	assert.Equal(t, "refresh-2", entry.Credential.RefreshToken)
	assert.Equal(t, vault.StateRotated, entry.State)
	assert.True(t, entry.State.IsUsable())
}

func TestStore_CheckExpiry_TransitionsToExpired(t *testing.T) {
	s, _ := openTestStore(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.Store("oauth", "accounts.google.com", vault.Credential{Kind: vault.KindOAuth2, AccessToken: "a"}, vault.WithExpiresAt(past)))

	state, err := s.CheckExpiry("oauth", "accounts.google.com", time.Now())
	require.NoError(t, err)
	assert.Equal(t, vault.StateExpired, state)
	assert.False(t, state.IsUsable())
}

func TestStore_Revoke(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Store("http", "api.example.com", vault.Credential{Kind: vault.KindBearer, Token: "t"}))
	require.NoError(t, s.Revoke("http", "api.example.com"))

	entry, err := s.Get("http", "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, vault.StateRevoked, entry.State)
	assert.False(t, entry.State.IsUsable())
}

func TestStore_Ping(t *testing.T) {
	s, _ := openTestStore(t)
	assert.NoError(t, s.Ping())
}
