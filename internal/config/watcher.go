package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchedFiles are the names under the home dir that trigger a ReloadEvent.
var watchedFiles = map[string]bool{"config.yaml": true, "policy.yaml": true}

// debounceWindow coalesces the burst of events one editor save produces.
const debounceWindow = 100 * time.Millisecond

// ReloadEvent reports a change to one of the watched files.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// IsPolicy reports whether the event concerns policy.yaml.
func (e ReloadEvent) IsPolicy() bool {
	return filepath.Base(e.Path) == "policy.yaml"
}

// Watcher emits ReloadEvents for config.yaml and policy.yaml under the home dir.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{homeDir: homeDir, logger: logger, events: make(chan ReloadEvent, 16)}
}

func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start begins watching. The events channel is closed when ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watching the directory catches files created after startup and the
	// rename-over-original pattern many editors use.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := make(map[string]fsnotify.Op)
	timer := time.NewTimer(debounceWindow)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !watchedFiles[filepath.Base(ev.Name)] {
				continue
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(debounceWindow)
		case <-timer.C:
			for path, op := range pending {
				w.logger.Info("config file changed", "path", path, "op", op.String())
				select {
				case w.events <- ReloadEvent{Path: path, Op: op}:
				default:
					w.logger.Warn("reload event dropped; consumer is behind", "path", path)
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
