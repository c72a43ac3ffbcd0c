package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rjboer/satstream/internal/logging"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// VFOWatcher reloads a multi-VFO document whenever it changes on disk and
// reports the difference to the previous version.
type VFOWatcher struct {
	path     string
	debounce time.Duration
	logger   logging.Logger
	onChange func(added, removed []VFODefinition)

	mu      sync.Mutex
	current []VFODefinition
	timer   *time.Timer
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// NewVFOWatcher prepares a watcher for path. initial is the definition set
// already applied by the caller.
func NewVFOWatcher(path string, initial []VFODefinition, onChange func(added, removed []VFODefinition), logger logging.Logger) *VFOWatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &VFOWatcher{
		path:     path,
		debounce: DefaultDebounce,
		logger:   logger.With(logging.Field{Key: "subsystem", Value: "vfo-watch"}),
		onChange: onChange,
		current:  initial,
	}
}

// Start begins watching. The directory is watched rather than the file so
// atomic replace-on-save is picked up. Watching stops when ctx is done or
// Stop is called.
func (w *VFOWatcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.path = abs
	w.fsw = fsw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx, fsw)
	return nil
}

func (w *VFOWatcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.done)
	target := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			fsw.Close()
			w.cancelTimer()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				w.cancelTimer()
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.trigger()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				w.cancelTimer()
				return
			}
			w.logger.Warn("file watch error", logging.Field{Key: "error", Value: err})
		}
	}
}

func (w *VFOWatcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *VFOWatcher) cancelTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *VFOWatcher) reload() {
	defs, err := LoadVFOFile(w.path)
	if err != nil {
		w.logger.Error("reload multi-VFO file", logging.Field{Key: "error", Value: err})
		return
	}
	w.mu.Lock()
	added, removed := DiffVFOs(w.current, defs)
	w.current = defs
	w.mu.Unlock()

	if len(added) == 0 && len(removed) == 0 {
		return
	}
	w.logger.Info("multi-VFO file changed",
		logging.Field{Key: "added", Value: len(added)},
		logging.Field{Key: "removed", Value: len(removed)})
	if w.onChange != nil {
		w.onChange(added, removed)
	}
}

// Stop ends watching and waits for the event loop to exit. A reload that is
// already running may still complete.
func (w *VFOWatcher) Stop() {
	w.mu.Lock()
	fsw, done := w.fsw, w.done
	w.fsw = nil
	w.mu.Unlock()
	if fsw == nil {
		return
	}
	fsw.Close()
	<-done
}
