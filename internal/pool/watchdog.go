package pool

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/helloimcx/sandbox-mcp/internal/manifest"
)

// startManifestWatchdog watches every session workdir under root for
// writes to its manifest file and reconciles the owning session's
// manifest as soon as the write lands, instead of waiting until the
// session is next acquired (the Cleanup Loop does not reconcile
// manifests). A session's manifest is normally only written by the pool
// while it processes that session's file requests, but this also picks
// up an edit made to the manifest file directly by an operator or
// sidecar process.
// Grounded on internal/app/notifier.go's fsnotify watch, minus the
// debounce: manifest reconciliation is cheap and idempotent, so every
// write event is handled as it arrives.
//
// fsnotify watches are not recursive, so root itself is watched for new
// session subdirectories (created by workspace.Manager.EnsureWorkspace),
// each of which is added to the watch as it appears. If fsnotify fails
// to initialize, the pool still functions; it just loses the immediate
// reconcile, and manifests are reconciled only when Acquire reuses an
// active session.
func startManifestWatchdog(ctx context.Context, m *Manager, root string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Printf("pool: manifest watchdog disabled, fsnotify init failed: %v", err)
		return
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		m.logger.Printf("pool: manifest watchdog disabled, create %s failed: %v", root, err)
		_ = watcher.Close()
		return
	}
	if err := watcher.Add(root); err != nil {
		m.logger.Printf("pool: manifest watchdog disabled, watch %s failed: %v", root, err)
		_ = watcher.Close()
		return
	}

	if entries, err := os.ReadDir(root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(root, e.Name()))
			}
		}
	}

	m.wg.Add(1)
	go runManifestWatchdog(ctx, m, watcher)
}

func runManifestWatchdog(ctx context.Context, m *Manager, watcher *fsnotify.Watcher) {
	defer m.wg.Done()
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != manifest.FileName {
				continue
			}
			m.reconcileManifest(event.Name)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
