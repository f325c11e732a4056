package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"familyhub/internal/logging"
	"github.com/fsnotify/fsnotify"
)

var log = logging.Component("config")

const catalogDebounce = 500 * time.Millisecond

// WatchModelCatalog reloads the YAML catalog at filePath whenever it is
// written and hands each valid result to onChange. Invalid edits are logged
// and the previous catalog stays in effect. The watch ends with ctx.
func WatchModelCatalog(ctx context.Context, filePath string, onChange func(*ModelCatalog)) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", filePath, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// watch the directory so editors that replace the file are still seen
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	go func() {
		defer watcher.Close()
		filename := filepath.Base(absPath)
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(catalogDebounce, func() {
					catalog, err := LoadModelCatalog(absPath)
					if err != nil {
						log.WithError(err).Warn("⚠️  [CONFIG] Ignoring invalid model catalog edit")
						return
					}
					onChange(catalog)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("⚠️  [CONFIG] Model catalog watcher error")
			}
		}
	}()

	log.WithField("path", absPath).Info("👁️  [CONFIG] Watching model catalog for changes")
	return nil
}
