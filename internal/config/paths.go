package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const platformDarwin = "darwin"

// Application directory name used across all platforms.
const appName = "cloudlink"

const (
	configFileName = "config.toml"
	sessionDBName  = "uploads.db"
	tokenDirName   = "tokens"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// XDG_CONFIG_HOME is honored everywhere except macOS, which uses
// ~/Library/Application Support.
func DefaultConfigDir() string {
	return platformDir("XDG_CONFIG_HOME", ".config", "Application Support")
}

// DefaultDataDir returns the directory holding the upload session ledger.
func DefaultDataDir() string {
	return platformDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "Application Support")
}

// DefaultCacheDir returns the directory for cached access tokens.
func DefaultCacheDir() string {
	return platformDir("XDG_CACHE_HOME", ".cache", "Caches")
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

func platformDir(xdgVar, homeRel, darwinLibrary string) string {
	if runtime.GOOS != platformDarwin {
		if xdg := os.Getenv(xdgVar); xdg != "" {
			return filepath.Join(xdg, appName)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == platformDarwin {
		return filepath.Join(home, "Library", darwinLibrary, appName)
	}

	return filepath.Join(home, homeRel, appName)
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
