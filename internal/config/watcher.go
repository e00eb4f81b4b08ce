package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

// debounceDelay coalesces the burst of write events editors emit for a
// single save.
const debounceDelay = 500 * time.Millisecond

// Watcher hot-reloads the config file. On every settled change it
// re-runs the full Load pipeline and hands the result to onChange; a
// file that no longer validates is logged and ignored, keeping the
// last good configuration live.
type Watcher struct {
	fw     *fsnotify.Watcher
	dir    string
	logger *slog.Logger

	onChange func(*Config)
	done     chan struct{}
}

// Watch starts watching dir for changes to the config file. The
// watcher owns a goroutine until Close.
func Watch(dir string, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, recallerr.ConfigError("create config watcher", err)
	}
	// Watch the directory, not the file: editors rename over the file,
	// which drops a direct file watch.
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, recallerr.ConfigError("watch config directory", err)
	}

	w := &Watcher{
		fw:       fw,
		dir:      dir,
		logger:   logger,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
				fire = debounce.C
			} else {
				debounce.Reset(debounceDelay)
			}

		case <-fire:
			debounce = nil
			fire = nil
			w.reload()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.dir)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous configuration",
			slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded", slog.String("path", Path(w.dir)))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
