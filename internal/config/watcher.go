package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultsWatcher watches a defaults YAML file (Load's lowest-precedence
// source) for changes and re-resolves configuration on write, debounced so
// editors that rewrite a file in several small ops don't trigger a reload
// per op. A nil or never-started watcher changes nothing; it exists for
// long-lived processes that want to pick up an edited defaults file
// without restarting.
type DefaultsWatcher struct {
	file      string
	overrides Resolved
	debounce  time.Duration
	logger    *logrus.Logger
	onChange  func(Resolved)
	onError   func(error)

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewDefaultsWatcher builds a watcher over file, which must be non-empty.
// overrides are re-applied on every reload exactly as Load applies them,
// so explicit construction options still beat whatever changed in the
// file. onChange is called with the newly resolved configuration after
// each successful reload; onError is called when a reload fails validation
// or the file can't be read (the watcher keeps running either way).
func NewDefaultsWatcher(file string, overrides Resolved, debounce time.Duration, logger *logrus.Logger, onChange func(Resolved), onError func(error)) (*DefaultsWatcher, error) {
	if debounce <= 0 {
		debounce = time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, dlerrors.Wrap(dlerrors.Transient, component, "watch_defaults", "create file watcher", err)
	}
	return &DefaultsWatcher{
		file:      file,
		overrides: overrides,
		debounce:  debounce,
		logger:    logger,
		onChange:  onChange,
		onError:   onError,
		watcher:   fw,
		stop:      make(chan struct{}),
	}, nil
}

// Start watches the defaults file's parent directory (fsnotify can't watch
// a single file across editors that replace it via rename) and begins
// debounced reloads. Safe to call once; call Stop to release the watcher.
func (w *DefaultsWatcher) Start() error {
	dir := filepath.Dir(w.file)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop releases the underlying fsnotify watcher and waits for the watch
// goroutine to exit.
func (w *DefaultsWatcher) Stop() error {
	close(w.stop)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *DefaultsWatcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.file) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *DefaultsWatcher) reload() {
	resolved, err := Load(w.file, w.overrides)
	if err != nil {
		w.logger.WithError(err).Warn("defaults file reload failed, keeping previous configuration")
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.logger.Info("defaults file reloaded")
	if w.onChange != nil {
		w.onChange(resolved)
	}
}
