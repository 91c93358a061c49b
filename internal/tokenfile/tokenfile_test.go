package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	tok, meta, err := Load("/nonexistent/path/token.json")
	assert.Nil(t, tok)
	assert.Nil(t, meta)
	assert.NoError(t, err)
}

func TestSaveLoad_RoundTripWithMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")

	expiry := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	original := &oauth2.Token{
		AccessToken: "ya29.access",
		TokenType:   "Bearer",
		Expiry:      expiry,
	}
	meta := map[string]string{MetaIssuer: "robot@example.iam", MetaScope: "scope-a scope-b"}

	require.NoError(t, Save(path, original, meta))

	tok, loadedMeta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ya29.access", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.True(t, tok.Expiry.Equal(expiry))
	assert.Equal(t, meta, loadedMeta)
}

func TestSave_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, &oauth2.Token{AccessToken: "x"}, nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".token-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestLoad_MissingTokenField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"bare"}`), 0o600))

	tok, meta, err := Load(path)
	assert.Nil(t, tok)
	assert.Nil(t, meta)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))

	_, _, err := Load(path)
	require.Error(t, err)
}

func TestPathFor_StableAndDistinct(t *testing.T) {
	a := PathFor("/cache", "robot@x", "scope-a")
	assert.Equal(t, a, PathFor("/cache", "robot@x", "scope-a"))
	assert.NotEqual(t, a, PathFor("/cache", "robot@x", "scope-b"))
	assert.NotEqual(t, a, PathFor("/cache", "other@x", "scope-a"))
	assert.Equal(t, "/cache", filepath.Dir(a))
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, &oauth2.Token{AccessToken: "x"}, nil))

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCache_PutGetDelete(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "tokens"))

	tok, err := c.Get("robot@x", "scope-a")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, c.Put("robot@x", "scope-a", &oauth2.Token{AccessToken: "a"}))

	tok, err = c.Get("robot@x", "scope-a")
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "a", tok.AccessToken)

	tok, err = c.Get("robot@x", "scope-b")
	require.NoError(t, err)
	assert.Nil(t, tok)

	require.NoError(t, c.Delete("robot@x", "scope-a"))

	tok, err = c.Get("robot@x", "scope-a")
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestCache_IgnoresForeignMetadata(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, "robot@x", "scope-a")

	require.NoError(t, Save(path, &oauth2.Token{AccessToken: "foreign"},
		map[string]string{MetaIssuer: "other@x", MetaScope: "scope-a"}))

	tok, err := NewCache(dir).Get("robot@x", "scope-a")
	require.NoError(t, err)
	assert.Nil(t, tok)
}
