// Package watch archives a patch every time a region file of a world is
// rewritten.
//
// Each region is diffed against its archived state. A region seen for the
// first time is archived as a snapshot. Writes are debounced per file so a
// region being saved is read once it is quiet, and a file is diffed at most
// once per minimum interval.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/mcad/internal/archive"
	"github.com/maruel/mcad/internal/delta"
	"github.com/maruel/mcad/internal/region"
)

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period after the last write to a file.
	Debounce time.Duration
	// MinInterval is the minimum time between two diffs of one file.
	MinInterval time.Duration
	// Verify checks every computed patch.
	Verify bool
}

// Watcher archives patches of the region files in a directory.
type Watcher struct {
	dir     string
	arch    *archive.Archive
	opts    Options
	limiter *limiter

	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
	pending sync.WaitGroup
	// serializes Process calls of one file.
	locks map[string]*sync.Mutex
	// last region read per file, guarded by the file's lock.
	last sync.Map
}

// New returns a Watcher of dir storing patches in arch.
func New(dir string, arch *archive.Archive, opts Options) *Watcher {
	return &Watcher{
		dir:     dir,
		arch:    arch,
		opts:    opts,
		limiter: newLimiter(opts.MinInterval),
		timers:  make(map[string]*time.Timer),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Run processes every region file present in the directory, then watches it
// until ctx is canceled. Pending debounced diffs are dropped on return.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	defer w.stop()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.dir, err)
	}
	n := 0
	for _, e := range entries {
		if _, _, err := region.ParseName(e.Name()); err == nil && e.Type().IsRegular() {
			w.trigger(ctx, e.Name(), 0)
			n++
		}
	}
	slog.InfoContext(ctx, "Watching", "dir", w.dir, "regions", n)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if _, _, err := region.ParseName(name); err != nil {
				continue
			}
			w.trigger(ctx, name, w.opts.Debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching directory", "dir", w.dir, "err", err)
		}
	}
}

// trigger schedules name to be processed after delay, replacing any pending
// schedule.
func (w *Watcher) trigger(ctx context.Context, name string, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[name]; ok && t.Stop() {
		w.pending.Done()
	}
	w.pending.Add(1)
	w.timers[name] = time.AfterFunc(delay, func() {
		defer w.pending.Done()
		if wait := w.limiter.reserve(name, time.Now()); wait > 0 {
			slog.DebugContext(ctx, "Rate limited", "region", name, "wait", wait)
			w.trigger(ctx, name, wait)
			return
		}
		if _, err := w.Process(ctx, name); err != nil {
			errorsTotal.Inc()
			slog.ErrorContext(ctx, "Failed to archive region", "region", name, "err", err)
		}
	})
}

// stop cancels pending timers and waits for running diffs.
func (w *Watcher) stop() {
	w.mu.Lock()
	w.closed = true
	for name, t := range w.timers {
		if t.Stop() {
			w.pending.Done()
		}
		delete(w.timers, name)
	}
	w.mu.Unlock()
	w.pending.Wait()
}

func (w *Watcher) lock(name string) func() {
	w.mu.Lock()
	l, ok := w.locks[name]
	if !ok {
		l = &sync.Mutex{}
		w.locks[name] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Process diffs the region file name against its archived state and archives
// the patch. It returns nil when nothing changed.
func (w *Watcher) Process(ctx context.Context, name string) (*archive.Entry, error) {
	x, z, err := region.ParseName(name)
	if err != nil {
		return nil, err
	}
	defer w.lock(name)()
	start := time.Now()

	cur, err := region.Open(filepath.Join(w.dir, name))
	if err != nil {
		return nil, err
	}
	// Replayed states carry patch timestamps instead of the chunks' own, so
	// the file read last time is preferred.
	var prev *region.Region
	ok := false
	if v, found := w.last.Load(name); found {
		prev, ok = v.(*region.Region), true
	} else if prev, ok, err = w.arch.State(x, z); err != nil {
		return nil, err
	}
	opts := delta.Options{Verify: w.opts.Verify}
	var d *delta.Region
	var st delta.Stats
	if ok {
		if prev.LastModified == cur.LastModified {
			return nil, nil
		}
		d, st, err = delta.DiffRegion(prev, cur, opts)
	} else {
		d, st, err = delta.Snapshot(cur, opts)
	}
	if err != nil {
		return nil, err
	}
	if ok && d.Len() == 0 {
		w.last.Store(name, cur)
		slog.DebugContext(ctx, "Region unchanged", "region", name)
		return nil, nil
	}
	e, err := w.arch.Put(ctx, d, x, z, st)
	if err != nil {
		return nil, err
	}
	w.last.Store(name, cur)
	recordPatch(st, e.Size)
	diffDuration.Observe(time.Since(start).Seconds())
	slog.InfoContext(ctx, "Archived", "region", name, "stats", st, "size", e.Size)
	return e, nil
}
