// Package bundlewatch polls the policy bundle directory for changes and
// triggers a reload, cross-process-serialized with an advisory file lock so
// two mcp-guard processes sharing a bundle directory (e.g. during a rolling
// deploy) never reload concurrently and race on the engine's atomic bundle
// swap. Grounded on the teacher's internal/adapter/outbound/state file-lock
// pair (flock_unix.go/flock_windows.go), generalized from guarding
// state.json writes to guarding policy bundle reloads.
package bundlewatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Reloader reloads a policy bundle and reports its resulting version. The
// opa.Engine satisfies this; kept narrow so tests can substitute a fake.
type Reloader interface {
	Load(ctx context.Context, bundlePath string) error
	Version() string
}

// Watcher polls a bundle directory's newest modification time and reloads
// the policy engine when it advances.
type Watcher struct {
	bundlePath string
	reloader   Reloader
	interval   time.Duration
	logger     *slog.Logger

	lastModTime time.Time
}

// New constructs a Watcher for bundlePath. interval defaults to 10s when
// non-positive.
func New(bundlePath string, reloader Reloader, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		bundlePath: bundlePath,
		reloader:   reloader,
		interval:   interval,
		logger:     logger,
	}
}

// Run polls until ctx is cancelled. Intended to run in its own goroutine.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.checkAndReload(ctx); err != nil {
				w.logger.Warn("bundle watch reload failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkAndReload(ctx context.Context) error {
	modTime, err := newestModTime(w.bundlePath)
	if err != nil {
		return fmt.Errorf("stat bundle directory: %w", err)
	}
	if !modTime.After(w.lastModTime) {
		return nil
	}

	release, err := w.acquireLock()
	if err != nil {
		// Another process holds the lock and is presumably reloading
		// already; this is not a failure worth surfacing.
		w.logger.Debug("bundle reload lock held elsewhere, skipping", "error", err)
		return nil
	}
	defer release()

	if err := w.reloader.Load(ctx, w.bundlePath); err != nil {
		return fmt.Errorf("reload bundle: %w", err)
	}
	w.lastModTime = modTime
	w.logger.Info("policy bundle reloaded from directory watch", "version", w.reloader.Version())
	return nil
}

// acquireLock takes an exclusive, non-blocking lock on bundlePath/.reload.lock
// and returns a release function. Returns an error if the lock is already
// held by another process.
func (w *Watcher) acquireLock() (func(), error) {
	lockPath := filepath.Join(w.bundlePath, ".reload.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockLock(f.Fd()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire reload lock: %w", err)
	}
	return func() {
		_ = flockUnlock(f.Fd())
		_ = f.Close()
	}, nil
}

// newestModTime returns the most recent modification time among the
// directory itself and its immediate .rego entries, so an added, removed,
// or edited policy file is detected without a full recursive walk.
func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		entryInfo, err := entry.Info()
		if err != nil {
			continue
		}
		if entryInfo.ModTime().After(newest) {
			newest = entryInfo.ModTime()
		}
	}
	return newest, nil
}
