package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives every successfully reloaded file. A load error is
// passed with a nil file; the watcher keeps running either way.
type ReloadFunc func(f *File, err error)

// Watcher reloads a workflow file and its includes when any of them change.
type Watcher struct {
	parser   *Parser
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	onReload ReloadFunc

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	files   map[string]bool
	dirs    map[string]bool
	timer   *time.Timer
	stopped bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce delay.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(l zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithParser sets the parser used for reloads.
func WithParser(p *Parser) WatcherOption {
	return func(w *Watcher) {
		w.parser = p
	}
}

// NewWatcher creates a watcher for the workflow at path.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	w := &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
		onReload: onReload,
		files:    map[string]bool{abs: true},
		dirs:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.parser == nil {
		w.parser = sharedParser()
	}
	w.logger = w.logger.With().Str("component", "watcher").Str("path", abs).Logger()
	return w, nil
}

// Run loads the file once, reports it, and then reloads on every change
// until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	w.track([]string{w.path})
	w.reload()

	w.logger.Info().Dur("debounce", w.debounce).Msg("Watching workflow for changes")

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.stopped = true
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			relevant := w.files[filepath.Clean(event.Name)]
			if relevant {
				w.logger.Debug().
					Str("file", event.Name).
					Str("op", event.Op.String()).
					Msg("Workflow file changed")

				if w.timer != nil {
					w.timer.Stop()
				}
				w.timer = time.AfterFunc(w.debounce, w.reload)
			}
			w.mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// reload loads the workflow, refreshes the watched set and calls onReload.
func (w *Watcher) reload() {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return
	}

	f, err := w.parser.LoadFile(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload workflow")
	} else {
		w.logger.Info().Int("files", len(f.Sources())).Msg("Workflow loaded")
		w.track(f.Sources())
	}

	if w.onReload != nil {
		w.onReload(f, err)
	}
}

// track watches the directories of files. Directories survive editors that
// replace files on save.
func (w *Watcher) track(files []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, file := range files {
		w.files[file] = true
		dir := filepath.Dir(file)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
			continue
		}
		w.dirs[dir] = true
	}
}
