package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/plat/internal/telemetry"
)

type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Config Config
	Err    error
}

// Watcher re-reads config.yaml whenever it changes on disk. The home
// directory is watched rather than the file so editors that replace the
// file by rename are still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	level   *slog.LevelVar
	events  chan ReloadEvent
}

// NewWatcher returns a watcher that, when level is non-nil, applies the
// reloaded log_level to it.
func NewWatcher(homeDir string, level *slog.LevelVar, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		level:   level,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				re := w.reload(ev)
				select {
				case w.events <- re:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ev fsnotify.Event) ReloadEvent {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload failed; keeping previous settings", "path", ev.Name, "error", err)
		return ReloadEvent{Path: ev.Name, Op: ev.Op, Err: err}
	}
	if w.level != nil {
		w.level.Set(telemetry.ParseLevel(cfg.LogLevel))
	}
	w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "fingerprint", cfg.Fingerprint())
	return ReloadEvent{Path: ev.Name, Op: ev.Op, Config: cfg}
}
