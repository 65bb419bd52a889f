// Package watch re-syncs partitions when their files change in a side-load
// directory, so data copied from a USB stick or a peer becomes available
// without network access.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
)

// DefaultDebounce is how long a partition file must be quiet before it is
// synced. Editors and copies produce bursts of events per file.
const DefaultDebounce = 500 * time.Millisecond

// Syncer loads one partition and re-derives the year's enriched events.
type Syncer interface {
	SyncType(ctx context.Context, t domain.RecordType, year int) (pipeline.Result, error)
	EnrichYear(ctx context.Context, year int) (int, error)
}

// PathParser maps a file path to the partition it holds.
type PathParser interface {
	ParsePath(path string) (domain.RecordType, int, bool)
}

type partition struct {
	t    domain.RecordType
	year int
}

// Watcher watches {dir}/{year}/*.json.
type Watcher struct {
	dir      string
	parser   PathParser
	syncer   Syncer
	debounce time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[partition]clockwork.Timer
	wg      sync.WaitGroup
	ready   chan struct{}
}

// New creates a Watcher. A zero debounce uses DefaultDebounce.
func New(dir string, parser PathParser, syncer Syncer, debounce time.Duration, clock clockwork.Clock, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		dir:      dir,
		parser:   parser,
		syncer:   syncer,
		debounce: debounce,
		clock:    clock,
		logger:   logger,
		pending:  make(map[partition]clockwork.Timer),
		ready:    make(chan struct{}),
	}
}

// Run watches until ctx is done. Year directories created while running are
// picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read watch dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && isYear(e.Name()) {
			w.addYearDir(ctx, fw, filepath.Join(w.dir, e.Name()), false)
		}
	}
	w.logger.Info("side-load watcher started", "dir", w.dir)
	close(w.ready)

	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// Ready is closed once the initial directories are being watched.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == filepath.Clean(w.dir) && isYear(filepath.Base(ev.Name)) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addYearDir(ctx, fw, ev.Name, true)
			return
		}
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	t, year, ok := w.parser.ParsePath(ev.Name)
	if !ok {
		return
	}
	w.schedule(ctx, partition{t: t, year: year})
}

// addYearDir watches a year directory. A directory that appeared while
// running may already hold files copied in before the watch was added, so
// those are scheduled too.
func (w *Watcher) addYearDir(ctx context.Context, fw *fsnotify.Watcher, dir string, existing bool) {
	if err := fw.Add(dir); err != nil {
		w.logger.Warn("watch year dir failed", "dir", dir, "error", err)
		return
	}
	w.logger.Debug("watching year dir", "dir", dir)
	if !existing {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if t, year, ok := w.parser.ParsePath(filepath.Join(dir, e.Name())); ok {
			w.schedule(ctx, partition{t: t, year: year})
		}
	}
}

// schedule (re)starts the debounce timer for p.
func (w *Watcher) schedule(ctx context.Context, p partition) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[p]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var timer clockwork.Timer
	timer = w.clock.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[p] != timer {
			w.mu.Unlock()
			return
		}
		delete(w.pending, p)
		w.mu.Unlock()
		w.sync(ctx, p)
	})
	w.pending[p] = timer
}

func (w *Watcher) sync(ctx context.Context, p partition) {
	if ctx.Err() != nil {
		return
	}
	res, err := w.syncer.SyncType(ctx, p.t, p.year)
	if err != nil {
		w.logger.Warn("side-load sync failed", "type", p.t, "year", p.year, "error", err)
		return
	}
	w.logger.Info("side-load synced", "type", p.t, "year", p.year, "count", res.Count)
	_, _ = w.syncer.EnrichYear(ctx, p.year)
}

// stop cancels pending timers and waits for running syncs.
func (w *Watcher) stop() {
	w.mu.Lock()
	for p, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, p)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func isYear(name string) bool {
	y, err := strconv.Atoi(name)
	return err == nil && y >= 2000 && y <= 2100
}
