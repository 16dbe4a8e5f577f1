package thumbnail

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/mordilloSan/go_logger/logger"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mordilloSan/filepi/internal/metrics"
	"github.com/mordilloSan/filepi/storage"
)

// ArtifactName is the single file kept in every cache entry directory.
const ArtifactName = "thumbnail.jpg"

const defaultTimeout = 60 * time.Second

// ErrSourceNotFound is returned when the source file is missing or is a directory.
var ErrSourceNotFound = errors.New("thumbnail source not found")

// Catalog persists metadata about cache entries. *storage.Store implements it.
type Catalog interface {
	RecordThumbnail(ctx context.Context, rec storage.ThumbnailRecord) error
	LookupThumbnail(ctx context.Context, key string) (storage.ThumbnailRecord, error)
	TouchThumbnail(ctx context.Context, key string) error
	DeleteThumbnail(ctx context.Context, key string) (bool, error)
	DeleteThumbnails(ctx context.Context, keys []string) (storage.PruneStats, error)
	ListThumbnails(ctx context.Context) ([]storage.ThumbnailRecord, error)
}

// Tracker is told about every freshly generated entry.
type Tracker interface {
	Track(key, source string) error
}

// Options configures a Cache.
type Options struct {
	Dir        string        // cache root, one subdirectory per key
	Transcoder Transcoder    // required
	Catalog    Catalog       // optional
	Workers    int           // concurrent generations, defaults to NumCPU
	Timeout    time.Duration // per generation, defaults to one minute
	Revalidate bool          // regenerate when the catalogued source mtime no longer matches
}

// Cache maps absolute source paths to generated thumbnails on disk.
type Cache struct {
	dir        string
	transcoder Transcoder
	catalog    Catalog
	timeout    time.Duration
	revalidate bool

	group   singleflight.Group
	workers *semaphore.Weighted
	tracker Tracker
}

// NewCache creates the cache directory if needed.
func NewCache(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if opts.Transcoder == nil {
		return nil, errors.New("transcoder is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{
		dir:        opts.Dir,
		transcoder: opts.Transcoder,
		catalog:    opts.Catalog,
		timeout:    opts.Timeout,
		revalidate: opts.Revalidate && opts.Catalog != nil,
		workers:    semaphore.NewWeighted(int64(opts.Workers)),
	}, nil
}

// SetTracker registers t to hear about new entries. Call before serving requests.
func (c *Cache) SetTracker(t Tracker) {
	c.tracker = t
}

// Key is the hex md5 of the absolute source path. It depends on the path only.
func Key(sourcePath string) string {
	sum := md5.Sum([]byte(sourcePath))
	return hex.EncodeToString(sum[:])
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// ArtifactPath returns where the thumbnail for key lives.
func (c *Cache) ArtifactPath(key string) string {
	return filepath.Join(c.dir, key, ArtifactName)
}

// GetOrCreate returns the artifact path for sourcePath, generating it on a miss.
// At most one generation per key runs at a time; concurrent callers share its result.
func (c *Cache) GetOrCreate(ctx context.Context, sourcePath string) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, sourcePath)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrSourceNotFound, sourcePath)
	}

	key := Key(sourcePath)
	artifact := c.ArtifactPath(key)
	if _, err := os.Stat(artifact); err == nil && c.fresh(ctx, key, info) {
		metrics.RecordThumbnailHit()
		if c.catalog != nil {
			if err := c.catalog.TouchThumbnail(ctx, key); err != nil {
				logger.Debugf("touch thumbnail %s: %v", key, err)
			}
		}
		return artifact, nil
	}

	metrics.RecordThumbnailMiss()
	ch := c.group.DoChan(key, func() (any, error) {
		// generation outlives the request that triggered it
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.generate(genCtx, key, sourcePath, info)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// fresh reports whether an existing artifact can be served. Without revalidation
// an artifact on disk is always valid.
func (c *Cache) fresh(ctx context.Context, key string, info os.FileInfo) bool {
	if !c.revalidate {
		return true
	}
	rec, err := c.catalog.LookupThumbnail(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrThumbnailNotFound) {
			logger.Warnf("lookup thumbnail %s: %v", key, err)
		}
		return false
	}
	return rec.SourceModTime.Equal(time.UnixMilli(info.ModTime().UnixMilli())) && rec.SourceSize == info.Size()
}

func (c *Cache) generate(ctx context.Context, key, sourcePath string, info os.FileInfo) (string, error) {
	if err := c.workers.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.workers.Release(1)

	entryDir := filepath.Join(c.dir, key)
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return "", fmt.Errorf("create cache entry: %w", err)
	}

	// readers only ever see a complete artifact
	tmp := filepath.Join(entryDir, "."+uuid.NewString()+".jpg")
	start := time.Now()
	err := c.transcoder.Generate(ctx, sourcePath, tmp)
	metrics.RecordThumbnailGeneration(time.Since(start), err == nil)
	if err != nil {
		_ = os.Remove(tmp)
		logger.Warnf("thumbnail for [%s] failed: %v", sourcePath, err)
		return "", err
	}

	out, err := os.Stat(tmp)
	if err != nil {
		return "", &GenerationError{Source: sourcePath, Diagnostic: "transcoder produced no output", Err: err}
	}
	artifact := filepath.Join(entryDir, ArtifactName)
	if err := os.Rename(tmp, artifact); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("install thumbnail: %w", err)
	}
	logger.Debugf("generated thumbnail for [%s] in %s", sourcePath, time.Since(start).Truncate(time.Millisecond))

	if c.catalog != nil {
		rec := storage.ThumbnailRecord{
			Key:           key,
			SourcePath:    sourcePath,
			SourceModTime: info.ModTime(),
			SourceSize:    info.Size(),
			ArtifactSize:  out.Size(),
			GeneratedAt:   time.Now(),
		}
		if err := c.catalog.RecordThumbnail(ctx, rec); err != nil {
			logger.Warnf("catalog thumbnail %s: %v", key, err)
		}
	}
	if c.tracker != nil {
		if err := c.tracker.Track(key, sourcePath); err != nil {
			logger.Debugf("watch %s: %v", sourcePath, err)
		}
	}
	return artifact, nil
}

// Evict removes the entry for key from disk and from the catalog.
func (c *Cache) Evict(ctx context.Context, key string) error {
	if err := os.RemoveAll(filepath.Join(c.dir, key)); err != nil {
		return err
	}
	if c.catalog != nil {
		if _, err := c.catalog.DeleteThumbnail(ctx, key); err != nil {
			return err
		}
	}
	metrics.RecordThumbnailEviction(1)
	return nil
}

// PruneResult summarises a prune.
type PruneResult struct {
	Checked  int           `json:"checked"`
	Removed  int           `json:"removed"`
	Duration time.Duration `json:"duration_ns"`
}

// Prune drops catalogued entries whose source no longer exists or whose artifact is gone.
func (c *Cache) Prune(ctx context.Context) (PruneResult, error) {
	if c.catalog == nil {
		return PruneResult{}, errors.New("prune requires a catalog")
	}
	start := time.Now()
	records, err := c.catalog.ListThumbnails(ctx)
	if err != nil {
		return PruneResult{}, err
	}

	var stale []string
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return PruneResult{}, err
		}
		_, srcErr := os.Stat(rec.SourcePath)
		_, artErr := os.Stat(c.ArtifactPath(rec.Key))
		if errors.Is(srcErr, fs.ErrNotExist) || errors.Is(artErr, fs.ErrNotExist) {
			if err := os.RemoveAll(filepath.Join(c.dir, rec.Key)); err != nil {
				logger.Warnf("remove cache entry %s: %v", rec.Key, err)
				continue
			}
			stale = append(stale, rec.Key)
		}
	}

	stats, err := c.catalog.DeleteThumbnails(ctx, stale)
	if err != nil {
		return PruneResult{}, err
	}
	metrics.RecordThumbnailEviction(stats.DeletedRows)
	result := PruneResult{Checked: len(records), Removed: len(stale), Duration: time.Since(start)}
	logger.Infof("pruned %d of %d thumbnails in %s", result.Removed, result.Checked, result.Duration.Truncate(time.Millisecond))
	return result, nil
}
