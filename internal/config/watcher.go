package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before a change triggers a reload.
const DefaultDebounce = 100 * time.Millisecond

// ChangeFunc receives the reloaded configuration, or the error that
// prevented reloading it.
type ChangeFunc func(cfg *Config, err error)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithEnvPrefix applies environment overrides to each reload.
func WithEnvPrefix(prefix string) WatcherOption {
	return func(w *Watcher) {
		w.envPrefix = prefix
	}
}

// Watcher reloads a configuration file when it or one of its included
// files changes. Directories are watched rather than files so editors
// that replace files on save are seen.
type Watcher struct {
	path      string
	onChange  ChangeFunc
	debounce  time.Duration
	envPrefix string
	logger    zerolog.Logger

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	files  map[string]bool
	dirs   map[string]bool
	timer  *time.Timer
	closed bool

	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// NewWatcher watches the files of cfg, which must have been produced by
// Load, and calls onChange after each debounced change.
func NewWatcher(cfg *Config, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	if len(cfg.Files) == 0 {
		return nil, ErrNoConfigFile
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     cfg.Files[0],
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
		fsw:      fsw,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.track(cfg.Files); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w.closedWg.Add(1)
	go w.processLoop()
	return w, nil
}

// Path returns the root configuration file.
func (w *Watcher) Path() string { return w.path }

func (w *Watcher) track(files []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range files {
		w.files[f] = true
		dir := filepath.Dir(f)
		if w.dirs[dir] {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = true
	}
	return nil
}

func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !w.files[name] {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err == nil && w.envPrefix != "" {
		err = cfg.ApplyEnv(w.envPrefix)
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
		w.onChange(nil, err)
		return
	}
	if err := w.track(cfg.Files); err != nil {
		w.logger.Warn().Err(err).Msg("watch included config")
	}
	w.logger.Info().Str("path", w.path).Int("files", len(cfg.Files)).Msg("config reloaded")
	w.onChange(cfg, nil)
}

// Close stops watching. Pending reloads are discarded.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()
	return w.fsw.Close()
}
