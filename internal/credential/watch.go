package credential

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the credential file at path whenever it is written or
// replaced, handing each successfully loaded Store to onReload. The caller
// owns the new Store. Failed reloads are logged and the previous credentials
// stay in effect. Blocks until ctx is canceled.
//
// The parent directory is watched rather than the file itself so atomic
// replace-by-rename (how secret managers rotate files) is observed.
func Watch(ctx context.Context, path string, scopes []string, logger *slog.Logger, onReload func(*Store)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential: creating watcher: %w", err)
	}
	defer watcher.Close()

	clean := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(clean)); err != nil {
		return fmt.Errorf("credential: watching %s: %w", filepath.Dir(clean), err)
	}

	logger.Info("watching credential file for rotation", slog.String("path", clean))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != clean || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}

			store, loadErr := LoadFile(clean, scopes)
			if loadErr != nil {
				logger.Warn("credential reload failed, keeping previous credentials",
					slog.String("path", clean),
					slog.String("error", loadErr.Error()),
				)

				continue
			}

			logger.Info("credential file reloaded",
				slog.String("path", clean),
				slog.String("issuer", store.Identity().IssuerEmail),
			)

			onReload(store)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("credential watcher error", slog.String("error", watchErr.Error()))
		}
	}
}
