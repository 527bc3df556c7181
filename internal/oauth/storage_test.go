package oauth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storageContract exercises the Storage interface behaviors every
// implementation must share.
func storageContract(t *testing.T, store Storage) {
	t.Helper()
	server := "https://API.example.com:443/mcp/"

	tok, err := store.Token(server)
	require.NoError(t, err)
	assert.Nil(t, tok, "missing token is nil, nil")

	require.NoError(t, store.SetToken(server, &Token{AccessToken: "abc", RefreshToken: "r1"}))

	// Lookup under any spelling of the same URL.
	tok, err = store.Token("https://api.example.com/mcp")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "abc", tok.AccessToken)

	require.NoError(t, store.SetClient(server, &ClientInfo{ClientID: "client-1"}))
	client, err := store.Client(server)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "client-1", client.ClientID)

	require.NoError(t, store.SetMetadata(server, &ServerMetadata{Issuer: "https://auth.example.com"}))
	meta, err := store.Metadata(server)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "https://auth.example.com", meta.Issuer)

	require.NoError(t, store.SetAuthSession(server, &AuthSession{State: "s1", CodeVerifier: "v1"}))
	session, err := store.AuthSession(server)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "s1", session.State)

	require.NoError(t, store.DeleteAuthSession(server))
	session, err = store.AuthSession(server)
	require.NoError(t, err)
	assert.Nil(t, session)

	require.NoError(t, store.DeleteToken(server))
	tok, err = store.Token(server)
	require.NoError(t, err)
	assert.Nil(t, tok)

	// Other servers are untouched.
	other, err := store.Token("https://other.example.com")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestMemoryStorage(t *testing.T) {
	storageContract(t, NewMemoryStorage())
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.json")
	storageContract(t, NewFileStorageAt(path))
}

func TestFileStoragePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.json")
	first := NewFileStorageAt(path)
	require.NoError(t, first.SetToken("https://api.example.com", &Token{AccessToken: "persisted"}))

	second := NewFileStorageAt(path)
	tok, err := second.Token("https://api.example.com")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "persisted", tok.AccessToken)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStorageDropsEmptyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.json")
	store := NewFileStorageAt(path)
	require.NoError(t, store.SetToken("https://api.example.com", &Token{AccessToken: "x"}))
	require.NoError(t, store.DeleteToken("https://api.example.com"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestFileStorageRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))
	store := NewFileStorageAt(path)
	_, err := store.Token("https://api.example.com")
	require.Error(t, err)
}
