// Copyright 2025-2026 Can Hieu. All rights reserved.
// Use of this source code is governed by the MIT License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors a config file for changes and triggers a reload with
// debouncing. Editors often replace files (write temp + rename), so the
// watch is placed on the containing directory.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewWatcher creates a config file watcher. onChange is called with the
// reloaded, validated config.
func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the config file for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("path", w.path))
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug("config file changed", zap.String("file", event.Name))

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(500*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}
