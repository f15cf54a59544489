// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG FILE WATCHER
// =============================================================================

// DefaultDebounce coalesces editor write bursts into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads configuration when the config file changes on disk.
type Watcher struct {
	path     string
	onChange func(*Config)
	debounce time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending time.Time
}

// NewWatcher creates a watcher for the given config file path. onChange
// receives each successfully reloaded configuration.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		onChange: onChange,
		debounce: debounce,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch starts watching for config file changes.
//
// The parent directory is watched rather than the file itself: editors and
// atomic writers replace the file, which would orphan a direct watch.
func (w *Watcher) Watch() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.processEvents()
	go w.processPending()
	return nil
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// processEvents marks the config file dirty on relevant events.
func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watch error: %v", err)
		}
	}
}

// processPending reloads once the debounce window has passed quietly.
func (w *Watcher) processPending() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			dirty := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if dirty {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if dirty {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Printf("config: reload failed: %v", err)
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
