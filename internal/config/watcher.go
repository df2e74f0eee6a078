package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceDelay absorbs editor save bursts before reloading.
const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config when its file changes and fans the new state
// out to registered callbacks.
type Watcher struct {
	config      *Config
	watcher     *fsnotify.Watcher
	callbacks   []func(*Config)
	stopCh      chan struct{}
	mu          sync.RWMutex
	running     bool
	lastModTime time.Time
}

// NewWatcher creates a watcher for the given config.
func NewWatcher(config *Config) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		config:  config,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// AddCallback registers a function called after each successful reload.
func (w *Watcher) AddCallback(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. Watching the directory rather than the file alone
// survives the rename-and-replace dance editors do on save.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}

	configFile := w.config.ConfigFile
	if stat, err := os.Stat(configFile); err == nil {
		w.lastModTime = stat.ModTime()
	}

	if err := w.watcher.Add(filepath.Dir(configFile)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop stops the watcher and releases the notify handle. Safe to call more
// than once, and before Start.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return w.watcher.Close()
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.handleChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("config watcher error: %v", err)

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// isConfigEvent keeps only write/create/rename events touching the config
// file itself.
func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if event.Name != w.config.ConfigFile {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

// handleChange reloads after verifying the file really changed.
func (w *Watcher) handleChange() {
	stat, err := os.Stat(w.config.ConfigFile)
	if err != nil {
		// File momentarily gone mid-replace; the follow-up create event
		// retries.
		return
	}

	w.mu.Lock()
	if !stat.ModTime().After(w.lastModTime) {
		w.mu.Unlock()
		return
	}
	w.lastModTime = stat.ModTime()
	w.mu.Unlock()

	if err := w.config.Reload(); err != nil {
		logrus.Errorf("failed to reload configuration: %v", err)
		return
	}

	w.mu.RLock()
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		callback(w.config)
	}
	logrus.Infof("configuration reloaded from %s", w.config.ConfigFile)
}
