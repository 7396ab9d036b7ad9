package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadResult is emitted after every recompile attempt.
type ReloadResult struct {
	Path       string
	Generation uint64
	Err        error
}

// Reloader recompiles a Host's component when the file changes on disk.
// The parent directory is watched so replace-by-rename is picked up.
type Reloader struct {
	host   *Host
	logger *slog.Logger
	events chan ReloadResult
}

func NewReloader(host *Host, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		host:   host,
		logger: logger,
		events: make(chan ReloadResult, 16),
	}
}

func (r *Reloader) Events() <-chan ReloadResult {
	return r.events
}

func (r *Reloader) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(r.host.WasmPath())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch component dir: %w", err)
	}
	target := filepath.Clean(r.host.WasmPath())

	go func() {
		defer watcher.Close()
		defer close(r.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				r.reload(ctx, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("component watcher error", "plugin", r.host.Name(), "error", err)
			}
		}
	}()
	return nil
}

func (r *Reloader) reload(ctx context.Context, path string) {
	err := r.host.Reload(ctx)
	if err != nil {
		r.logger.Error("component reload failed; keeping previous module", "plugin", r.host.Name(), "path", path, "error", err)
	} else {
		r.logger.Info("component hot-swapped", "plugin", r.host.Name(), "path", path, "generation", r.host.Generation())
	}
	select {
	case r.events <- ReloadResult{Path: path, Generation: r.host.Generation(), Err: err}:
	default:
	}
}
