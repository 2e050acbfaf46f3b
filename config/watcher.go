package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// fileWatch is the debounced fsnotify pump behind Watcher and
// CatalogWatcher. The parent directory is watched rather than the file
// itself so atomic rename-replace saves keep firing events.
type fileWatch struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	dirty   atomic.Bool
	reloads atomic.Int64
}

func newFileWatch(path string, logger *slog.Logger) (*fileWatch, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &fileWatch{path: path, logger: logger, watcher: fsw}, nil
}

func (f *fileWatch) start(ctx context.Context, reload func()) error {
	if err := f.watcher.Add(filepath.Dir(f.path)); err != nil {
		return err
	}
	go f.processEvents(ctx, reload)
	return nil
}

func (f *fileWatch) stop() error {
	return f.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (f *fileWatch) processEvents(ctx context.Context, reload func()) {
	ticker := time.NewTicker(reloadDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				f.dirty.Store(true)
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("File watcher error", "path", f.path, "error", err)

		case <-ticker.C:
			if f.dirty.Swap(false) {
				reload()
			}
		}
	}
}

// Watcher reloads a config file when it changes on disk and hands the
// parsed result to a callback. Reloads that fail to parse or validate
// are logged and dropped; the previous config stays in effect.
type Watcher struct {
	fw       *fileWatch
	onChange func(*Config)
}

// NewWatcher builds a watcher for path. onChange receives each
// successfully reloaded config.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	fw, err := newFileWatch(path, logger)
	if err != nil {
		return nil, err
	}
	return &Watcher{fw: fw, onChange: onChange}, nil
}

// Start begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fw.start(ctx, w.reload); err != nil {
		return err
	}
	w.fw.logger.Info("Config watcher started", "path", w.fw.path)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.fw.stop()
}

// Reloads reports how many reloads have been delivered.
func (w *Watcher) Reloads() int64 {
	return w.fw.reloads.Load()
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.fw.path)
	if err != nil {
		w.fw.logger.Warn("Config reload failed, keeping previous config",
			"path", w.fw.path, "error", err)
		return
	}
	if err := cfg.ApplyEnv(); err != nil {
		w.fw.logger.Warn("Config reload failed, keeping previous config",
			"path", w.fw.path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		w.fw.logger.Warn("Reloaded config invalid, keeping previous config",
			"path", w.fw.path, "error", err)
		return
	}

	w.fw.reloads.Add(1)
	w.fw.logger.Info("Config reloaded", "path", w.fw.path)
	w.onChange(cfg)
}

// CatalogWatcher reloads the node catalog when its file changes and hands
// the parsed catalog to a callback. A catalog that fails to parse is
// logged and dropped; the previous fleet definition stays in effect.
type CatalogWatcher struct {
	fw       *fileWatch
	onChange func(*NodeCatalog)
}

// NewCatalogWatcher builds a watcher for the node catalog at path.
// onChange receives each successfully reloaded catalog.
func NewCatalogWatcher(path string, onChange func(*NodeCatalog), logger *slog.Logger) (*CatalogWatcher, error) {
	fw, err := newFileWatch(path, logger)
	if err != nil {
		return nil, err
	}
	return &CatalogWatcher{fw: fw, onChange: onChange}, nil
}

// Start begins watching.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	if err := w.fw.start(ctx, w.reload); err != nil {
		return err
	}
	w.fw.logger.Info("Node catalog watcher started", "path", w.fw.path)
	return nil
}

// Stop stops the watcher.
func (w *CatalogWatcher) Stop() error {
	return w.fw.stop()
}

// Reloads reports how many catalog reloads have been delivered.
func (w *CatalogWatcher) Reloads() int64 {
	return w.fw.reloads.Load()
}

func (w *CatalogWatcher) reload() {
	catalog, err := LoadNodeCatalog(w.fw.path)
	if err != nil {
		w.fw.logger.Warn("Node catalog reload failed, keeping previous catalog",
			"path", w.fw.path, "error", err)
		return
	}

	w.fw.reloads.Add(1)
	w.fw.logger.Info("Node catalog reloaded", "path", w.fw.path, "nodes", len(catalog.Nodes))
	w.onChange(catalog)
}
