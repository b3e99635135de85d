package fault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long to wait for more writes before reloading.
const defaultDebounce = 250 * time.Millisecond

// TaxonomyWatcher reloads a taxonomy file into a TableMapper when it changes.
// A file that fails to parse or validate leaves the current table in place.
type TaxonomyWatcher struct {
	path     string
	mapper   *TableMapper
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	lastHash [sha256.Size]byte
	started  bool
	done     chan struct{}

	// OnReload, when set, is called after every reload attempt.
	OnReload func(err error)
}

// NewTaxonomyWatcher prepares a watcher for path. The directory is watched
// rather than the file so editors that replace the file are followed.
func NewTaxonomyWatcher(path string, mapper *TableMapper, logger *slog.Logger) (*TaxonomyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve taxonomy path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &TaxonomyWatcher{
		path:     abs,
		mapper:   mapper,
		watcher:  fsw,
		logger:   logger,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w, nil
}

// Start processes file events until ctx is cancelled or Stop is called.
func (w *TaxonomyWatcher) Start(ctx context.Context) {
	w.started = true
	go w.run(ctx)
	w.logger.Info("Taxonomy watcher started", "path", w.path)
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *TaxonomyWatcher) Stop() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *TaxonomyWatcher) run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Taxonomy watcher error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *TaxonomyWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Taxonomy reload failed, keeping current table", "path", w.path, "error", err)
		w.notify(err)
		return
	}

	hash := sha256.Sum256(data)
	if bytes.Equal(hash[:], w.lastHash[:]) {
		return
	}

	t, err := ParseTaxonomy(data)
	if err != nil {
		w.logger.Warn("Taxonomy reload failed, keeping current table", "path", w.path, "error", err)
		w.notify(err)
		return
	}

	w.lastHash = hash
	w.mapper.Replace(t)
	w.logger.Info("Taxonomy reloaded", "path", w.path, "version", t.Version, "fault_types", len(t.Faults))
	w.notify(nil)
}

func (w *TaxonomyWatcher) notify(err error) {
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
