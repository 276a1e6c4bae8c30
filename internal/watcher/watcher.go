// Package watcher monitors an inbox directory for dropped input batches.
// Hand-history files and screenshots accumulate in the inbox; once the
// directory has been quiet for the settle period, everything present is
// collected into one batch and handed to the callback. The caller is
// responsible for starting a job from the batch and clearing the inbox.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Batch is one collected input set.
type Batch struct {
	HandFiles   []string
	Screenshots []string
}

// Empty reports whether the batch has no inputs.
func (b Batch) Empty() bool {
	return len(b.HandFiles) == 0 && len(b.Screenshots) == 0
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
}

// InboxWatcher watches one inbox directory.
type InboxWatcher struct {
	dir     string
	settle  time.Duration
	watcher *fsnotify.Watcher
	logger  *log.Logger
	done    chan struct{}

	mu         sync.Mutex
	lastChange time.Time
	dirty      bool
	stopOnce   sync.Once

	onBatch func(Batch)
	onError func(error)
}

// Config carries the watcher callbacks.
type Config struct {
	// Settle is the quiet period before a batch is collected. Uploads of
	// many files arrive as a burst of events; collecting too early would
	// split one batch in two.
	Settle  time.Duration
	OnBatch func(Batch)
	OnError func(error)
}

// New creates a watcher over the inbox directory.
func New(dir string, logger *log.Logger, cfg Config) (*InboxWatcher, error) {
	if cfg.OnBatch == nil {
		return nil, fmt.Errorf("watcher needs an OnBatch callback")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &InboxWatcher{
		dir:     dir,
		settle:  cfg.Settle,
		watcher: w,
		logger:  logger.With("component", "watcher"),
		done:    make(chan struct{}),
		onBatch: cfg.OnBatch,
		onError: cfg.OnError,
	}, nil
}

// Start begins watching. Files already sitting in the inbox count as a
// pending batch and are collected after the first settle period.
func (w *InboxWatcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox %s: %w", w.dir, err)
	}
	w.logger.Info("watching inbox", "dir", w.dir, "settle", w.settle)

	if batch, err := Collect(w.dir); err == nil && !batch.Empty() {
		w.markDirty()
	}

	go w.loop()
	return nil
}

// Stop stops the watcher.
func (w *InboxWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("watcher stopped", "dir", w.dir)
		close(w.done)
		w.watcher.Close()
	})
}

func (w *InboxWatcher) loop() {
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if isInputFile(event.Name) {
					w.markDirty()
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		case <-ticker.C:
			w.maybeCollect()
		}
	}
}

func (w *InboxWatcher) markDirty() {
	w.mu.Lock()
	w.dirty = true
	w.lastChange = time.Now()
	w.mu.Unlock()
}

func (w *InboxWatcher) maybeCollect() {
	w.mu.Lock()
	ready := w.dirty && time.Since(w.lastChange) >= w.settle
	if ready {
		w.dirty = false
	}
	w.mu.Unlock()
	if !ready {
		return
	}

	batch, err := Collect(w.dir)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if batch.Empty() {
		return
	}
	w.logger.Info("batch collected",
		"handFiles", len(batch.HandFiles), "screenshots", len(batch.Screenshots))
	w.onBatch(batch)
}

// Collect scans dir once and returns everything that qualifies as input,
// sorted by name. Usable without a running watcher for one-shot runs.
func Collect(dir string) (Batch, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Batch{}, fmt.Errorf("read inbox %s: %w", dir, err)
	}

	var batch Batch
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		switch {
		case isHandFile(path):
			batch.HandFiles = append(batch.HandFiles, path)
		case isImageFile(path):
			batch.Screenshots = append(batch.Screenshots, path)
		}
	}
	sort.Strings(batch.HandFiles)
	sort.Strings(batch.Screenshots)
	return batch, nil
}

func isInputFile(path string) bool {
	return isHandFile(path) || isImageFile(path)
}

func isHandFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".txt")
}

func isImageFile(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}
