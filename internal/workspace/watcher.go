package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounceWindow is used when NewWatcher is given no window.
const DefaultDebounceWindow = 300 * time.Millisecond

// Watcher turns fsnotify events below a root into coalesced ChangeEvents.
// Events for one path within the debounce window collapse into one.
type Watcher struct {
	root   string
	window time.Duration
	log    *zap.Logger

	ignore atomic.Pointer[Ignore]
	fsw    *fsnotify.Watcher
	events chan ChangeEvent
}

// NewWatcher watches root and every non-ignored directory below it.
func NewWatcher(root string, ign *Ignore, window time.Duration, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:   root,
		window: window,
		log:    log.Named("watcher"),
		fsw:    fsw,
		events: make(chan ChangeEvent, 256),
	}
	w.ignore.Store(ign)
	if _, err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events returns the coalesced event stream. It is closed when Run returns.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// SetIgnore replaces the ignore rules, e.g. after .gitignore changed.
func (w *Watcher) SetIgnore(ign *Ignore) {
	w.ignore.Store(ign)
}

// Close releases the fsnotify handles and ends Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run reads fsnotify events until ctx is canceled or the watcher is closed.
// When the kernel queue overflows a single OpRescan is emitted.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	pending := make(map[string]Op)
	var order []string
	var first time.Time

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	add := func(ev ChangeEvent) {
		if len(pending) == 0 {
			first = time.Now()
		}
		old, seen := pending[ev.Path]
		switch {
		case !seen:
			order = append(order, ev.Path)
			pending[ev.Path] = ev.Op
		case old == OpCreate && ev.Op == OpModify:
		default:
			pending[ev.Path] = ev.Op
		}
		// Trailing debounce, bounded so a busy path cannot starve the batch.
		wait := w.window
		if elapsed := time.Since(first); elapsed+wait > 4*w.window {
			wait = max(4*w.window-elapsed, 0)
		}
		timer.Reset(wait)
	}

	flush := func() error {
		for _, p := range order {
			select {
			case w.events <- ChangeEvent{Op: pending[p], Path: p}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		clear(pending)
		order = order[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return flush()
			}
			for _, ce := range w.translate(ev) {
				add(ce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return flush()
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("event queue overflow, requesting rescan")
				clear(pending)
				order = order[:0]
				select {
				case w.events <- ChangeEvent{Op: OpRescan}:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			w.log.Error("filesystem watcher error", zap.Error(err))

		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// translate maps one fsnotify event to change events, watching new
// directories and reporting what was created in them before the watch.
func (w *Watcher) translate(ev fsnotify.Event) []ChangeEvent {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return nil
	}
	rel = filepath.ToSlash(rel)
	ign := w.ignore.Load()

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(ev.Name)
		if err != nil {
			return nil
		}
		if info.Mode()&fs.ModeSymlink != 0 || ign.Match(rel, info.IsDir()) {
			return nil
		}
		if !info.IsDir() {
			return []ChangeEvent{{Op: OpCreate, Path: rel}}
		}
		created, err := w.addTree(ev.Name)
		if err != nil {
			w.log.Warn("failed to watch directory", zap.String("path", rel), zap.Error(err))
		}
		return append([]ChangeEvent{{Op: OpCreate, Path: rel}}, created...)

	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		if ign.Match(rel, false) {
			return nil
		}
		return []ChangeEvent{{Op: OpModify, Path: rel}}

	case ev.Has(fsnotify.Remove):
		return []ChangeEvent{{Op: OpDelete, Path: rel}}

	case ev.Has(fsnotify.Rename):
		// The destination arrives as a separate Create.
		return []ChangeEvent{{Op: OpRename, Path: rel}}
	}
	return nil
}

// addTree watches dir and its non-ignored subdirectories and returns create
// events for everything found below dir.
func (w *Watcher) addTree(dir string) ([]ChangeEvent, error) {
	ign := w.ignore.Load()
	var created []ChangeEvent
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && ign.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p != dir {
			created = append(created, ChangeEvent{Op: OpCreate, Path: rel})
		}
		if d.IsDir() {
			return w.fsw.Add(p)
		}
		return nil
	})
	return created, err
}
