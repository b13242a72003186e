// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package index

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// FSNOTIFY WATCHER
// =============================================================================

// Watcher reindexes files under the index root as they change.
type Watcher struct {
	idx      *Index
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Watch starts a watcher on the index root. The index must have been built.
func (idx *Index) Watch(ctx context.Context) (*Watcher, error) {
	root := idx.Root()
	if root == "" {
		return nil, ErrNotIndexed
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		idx:      idx,
		watcher:  fsw,
		debounce: idx.config.WatchDebounce,
		pending:  make(map[string]time.Time),
		ctx:      wctx,
		cancel:   cancel,
	}
	if err := w.addRecursive(root); err != nil {
		w.Close()
		return nil, err
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.processPending()
	return w, nil
}

// addRecursive adds dir and its non-ignored subdirectories.
func (w *Watcher) addRecursive(dir string) error {
	root := w.idx.Root()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && w.idx.shouldIgnore(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.idx.log.Debug("watch failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(event.Name)
					continue
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.idx.log.Warn("watcher error", "error", err)
		}
	}
}

// processPending flushes paths that have been quiet for the debounce period.
func (w *Watcher) processPending() {
	defer w.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var due []string
			w.mu.Lock()
			for path, changed := range w.pending {
				if now.Sub(changed) >= w.debounce {
					due = append(due, path)
					delete(w.pending, path)
				}
			}
			w.mu.Unlock()

			for _, path := range due {
				w.sync(path)
			}
		}
	}
}

// sync reindexes path, or removes it when it no longer exists.
func (w *Watcher) sync(path string) {
	var err error
	if _, statErr := os.Stat(path); statErr != nil {
		err = w.idx.RemoveFile(w.ctx, path)
	} else {
		err = w.idx.IndexFile(w.ctx, path)
	}
	if err != nil && w.ctx.Err() == nil {
		w.idx.log.Warn("incremental reindex failed", "path", path, "error", err)
		return
	}
	w.idx.log.Debug("reindexed", "path", path)
}

// Close stops the watcher and waits for its goroutines.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
