// Package tokenfile persists access tokens between process runs. A token file
// stores an OAuth2 token alongside metadata identifying which issuer and
// scope set it was minted for, so a stale or foreign file is never reused.
package tokenfile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the cache directory.
const DirPerms = 0o700

// Metadata keys written alongside every cached token.
const (
	MetaIssuer = "issuer"
	MetaScope  = "scope"
)

// File is the on-disk format for token files.
type File struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// PathFor returns the cache file path inside dir for an issuer and scope
// key. The name is a hash so scope strings never reach the filesystem.
func PathFor(dir, issuer, scopeKey string) string {
	sum := sha256.Sum256([]byte(issuer + "\x00" + scopeKey))

	return filepath.Join(dir, "token-"+hex.EncodeToString(sum[:8])+".json")
}

// Load reads a saved token file from disk. Returns (nil, nil, nil) if the
// file does not exist.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, nil, fmt.Errorf("tokenfile: %s missing token field", path)
	}

	return tf.Token, tf.Meta, nil
}

// Save writes a token file with 0600 permissions. The write is atomic, so a
// concurrent Load sees either the old file or the new one. Never logs
// token values.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	data, err := json.MarshalIndent(File{Token: tok, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("tokenfile: %w", err)
	}

	return nil
}

// writeAtomic writes data to a temp file beside path, fsyncs it, and
// renames it into place.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(FilePerms); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming: %w", err)
	}

	return nil
}

// Remove deletes a token file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}

// Cache stores one token file per (issuer, scope key) pair in a directory.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir. The directory is created on the
// first Put.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Get returns the cached token for issuer and scopeKey, or nil when there is
// none. A file whose metadata names a different issuer or scope set is
// treated as absent.
func (c *Cache) Get(issuer, scopeKey string) (*oauth2.Token, error) {
	tok, meta, err := Load(PathFor(c.dir, issuer, scopeKey))
	if err != nil || tok == nil {
		return nil, err
	}

	if meta[MetaIssuer] != issuer || meta[MetaScope] != scopeKey {
		return nil, nil
	}

	return tok, nil
}

// Put records tok for issuer and scopeKey.
func (c *Cache) Put(issuer, scopeKey string, tok *oauth2.Token) error {
	return Save(PathFor(c.dir, issuer, scopeKey), tok, map[string]string{
		MetaIssuer: issuer,
		MetaScope:  scopeKey,
	})
}

// Delete removes the cached token for issuer and scopeKey.
func (c *Cache) Delete(issuer, scopeKey string) error {
	return Remove(PathFor(c.dir, issuer, scopeKey))
}
