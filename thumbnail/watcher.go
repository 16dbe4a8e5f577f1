package thumbnail

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mordilloSan/go_logger/logger"
)

// Watcher evicts cache entries when their source file changes.
// It watches the parent directory of each tracked source.
type Watcher struct {
	fsw   *fsnotify.Watcher
	cache *Cache

	mu      sync.Mutex
	sources map[string]string // source path -> cache key
	dirs    map[string]int    // watched directory -> tracked sources inside it
}

// NewWatcher creates a watcher and registers it with cache.
func NewWatcher(cache *Cache) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:     fsw,
		cache:   cache,
		sources: make(map[string]string),
		dirs:    make(map[string]int),
	}
	cache.SetTracker(w)
	return w, nil
}

// Track starts watching source for changes.
func (w *Watcher) Track(key, source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sources[source]; ok {
		return nil
	}
	dir := filepath.Dir(source)
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.sources[source] = key
	return nil
}

// TrackExisting watches every source already in the catalog.
func (w *Watcher) TrackExisting(ctx context.Context) (int, error) {
	if w.cache.catalog == nil {
		return 0, nil
	}
	records, err := w.cache.catalog.ListThumbnails(ctx)
	if err != nil {
		return 0, err
	}
	tracked := 0
	for _, rec := range records {
		if err := w.Track(rec.Key, rec.SourcePath); err != nil {
			logger.Debugf("watch %s: %v", rec.SourcePath, err)
			continue
		}
		tracked++
	}
	return tracked, nil
}

// Tracked reports how many sources are being watched.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sources)
}

func (w *Watcher) untrack(source string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key, ok := w.sources[source]
	if !ok {
		return "", false
	}
	delete(w.sources, source)
	dir := filepath.Dir(source)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.fsw.Remove(dir)
	}
	return key, true
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Create) {
				continue
			}
			key, ok := w.untrack(ev.Name)
			if !ok {
				continue
			}
			if err := w.cache.Evict(ctx, key); err != nil {
				logger.Warnf("evict thumbnail for [%s]: %v", ev.Name, err)
				continue
			}
			logger.Debugf("source [%s] changed (%s), thumbnail evicted", ev.Name, ev.Op)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warnf("thumbnail watcher: %v", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
