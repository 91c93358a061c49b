// Command integration-bootstrap checks a service-account file and warms the
// on-disk token cache before integration tests run.
//
// Usage: go run ./cmd/integration-bootstrap --credentials sa.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/cloudlink/internal/auth"
	"github.com/tonimelisma/cloudlink/internal/config"
	"github.com/tonimelisma/cloudlink/internal/credential"
)

func main() {
	creds := flag.String("credentials", os.Getenv(config.EnvCredentials), "service-account JSON file")
	scopes := flag.String("scopes", "https://www.googleapis.com/auth/cloud-platform", "comma-separated scopes")
	cacheDir := flag.String("cache-dir", "", "token cache directory (default: the user cache dir)")
	flag.Parse()

	if err := run(*creds, strings.Split(*scopes, ","), *cacheDir); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}
}

func run(creds string, scopes []string, cacheDir string) error {
	if creds == "" {
		return errors.New("--credentials or " + config.EnvCredentials + " is required")
	}

	if cacheDir == "" {
		cacheDir = filepath.Join(config.DefaultCacheDir(), "tokens")
	}

	store, err := credential.LoadFile(creds, scopes)
	if err != nil {
		return err
	}

	issuer := store.Identity().IssuerEmail

	coord := auth.NewCoordinator(store, auth.Config{Scopes: scopes, CacheDir: cacheDir}, slog.Default())
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tok, err := coord.AccessToken(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Token for %s cached in %s (expires %s).\n", issuer, cacheDir, tok.Expiry.Format(time.RFC3339))

	return nil
}
