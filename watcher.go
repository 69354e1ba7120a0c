package edge

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hrcloud/edge/manifest"
)

// DefaultManifestPoll is the interval between fetches of a remote manifest.
const DefaultManifestPoll = time.Minute

// WatchManifest redeploys whenever the manifest at path changes to a new version.
// For a local file the parent directory is watched so that editors and bundlers that
// replace the file by rename are picked up. A remote manifest is polled instead.
// It blocks until ctx is done.
func (edge *Edge) WatchManifest(ctx context.Context, path string) error {
	if manifest.IsRemote(path) {
		interval := DefaultManifestPoll
		if edge.Config != nil && edge.Config.ManifestPoll > 0 {
			interval = edge.Config.ManifestPoll
		}
		return edge.PollManifest(ctx, path, interval)
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating manifest watcher : %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s : %w", filepath.Dir(path), err)
	}
	edge.Logger.Info("watching manifest", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			deployed, err := edge.Reload(ctx, path)
			if err != nil {
				// A half-written file parses as garbage, the next write event retries.
				edge.Logger.Warn("manifest reload failed", "path", path, "error", err)
				continue
			}
			if deployed {
				edge.Logger.Info("manifest change deployed", "version", edge.Active().Version())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			edge.Logger.Warn("manifest watcher error", "error", err)
		}
	}
}

// PollManifest fetches the manifest at url every interval and deploys new versions.
// Fetch failures are logged and retried on the next tick. It blocks until ctx is done.
func (edge *Edge) PollManifest(ctx context.Context, url string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	edge.Logger.Info("polling manifest", "url", url, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deployed, err := edge.Reload(ctx, url)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				edge.Logger.Warn("manifest reload failed", "url", url, "error", err)
				continue
			}
			if deployed {
				edge.Logger.Info("manifest change deployed", "version", edge.Active().Version())
			}
		}
	}
}
