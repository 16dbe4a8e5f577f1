package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

// Store wraps the database connection
type Store struct {
	db     *sql.DB
	dbPath string
}

// ErrThumbnailNotFound is returned when the catalog has no row for a cache key.
var ErrThumbnailNotFound = errors.New("thumbnail not catalogued")

// NewStore creates a new Store instance and owns the DB handle.
func NewStore(dbPath string) (*Store, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// NewStoreWithDB reuses an existing database handle (e.g., long-lived server).
// dbPath should be the actual SQLite file path (for stats / size reporting).
func NewStoreWithDB(db *sql.DB, dbPath string) *Store {
	return &Store{db: db, dbPath: dbPath}
}

// Close closes the database connection (only use if Store owns the DB).
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for maintenance calls.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ThumbnailRecord is one catalogued cache entry.
type ThumbnailRecord struct {
	Key           string    `json:"key"`
	SourcePath    string    `json:"source_path"`
	SourceModTime time.Time `json:"source_mtime"`
	SourceSize    int64     `json:"source_size"`
	ArtifactSize  int64     `json:"artifact_size"`
	GeneratedAt   time.Time `json:"generated_at"`
	Hits          int64     `json:"hits"`
	LastAccess    time.Time `json:"last_access"`
}

// RecordThumbnail inserts or replaces the row for rec.Key. Hit counts survive regeneration.
func (s *Store) RecordThumbnail(ctx context.Context, rec ThumbnailRecord) error {
	ctx = ensureContext(ctx)
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO thumbnails (cache_key, source_path, source_mtime, source_size, artifact_size, generated_at, last_access)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(cache_key) DO UPDATE SET
            source_path = excluded.source_path,
            source_mtime = excluded.source_mtime,
            source_size = excluded.source_size,
            artifact_size = excluded.artifact_size,
            generated_at = excluded.generated_at,
            last_access = excluded.last_access
    `, rec.Key, rec.SourcePath, rec.SourceModTime.UnixMilli(), rec.SourceSize, rec.ArtifactSize,
		rec.GeneratedAt.UnixMilli(), rec.GeneratedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record thumbnail %s: %w", rec.Key, err)
	}
	return nil
}

// LookupThumbnail returns the row for key or ErrThumbnailNotFound.
func (s *Store) LookupThumbnail(ctx context.Context, key string) (ThumbnailRecord, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `
        SELECT cache_key, source_path, source_mtime, source_size, artifact_size, generated_at, hits, last_access
        FROM thumbnails
        WHERE cache_key = ?
    `, key)
	rec, err := scanThumbnail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ThumbnailRecord{}, ErrThumbnailNotFound
	}
	return rec, err
}

// TouchThumbnail counts a cache hit.
func (s *Store) TouchThumbnail(ctx context.Context, key string) error {
	ctx = ensureContext(ctx)
	_, err := s.db.ExecContext(ctx, `
        UPDATE thumbnails SET hits = hits + 1, last_access = ? WHERE cache_key = ?
    `, time.Now().UnixMilli(), key)
	return err
}

// DeleteThumbnail removes the row for key and reports whether one existed.
func (s *Store) DeleteThumbnail(ctx context.Context, key string) (bool, error) {
	return deleteThumbnail(ensureContext(ctx), s.db, key)
}

func deleteThumbnail(ctx context.Context, db dbExecutor, key string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM thumbnails WHERE cache_key = ?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListThumbnails returns every catalogued entry, most recently generated first.
func (s *Store) ListThumbnails(ctx context.Context) ([]ThumbnailRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
        SELECT cache_key, source_path, source_mtime, source_size, artifact_size, generated_at, hits, last_access
        FROM thumbnails
        ORDER BY generated_at DESC
    `)
	if err != nil {
		return nil, fmt.Errorf("list thumbnails: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.Warnf("rows close (list thumbnails): %v", cerr)
		}
	}()

	results := []ThumbnailRecord{}
	for rows.Next() {
		rec, err := scanThumbnail(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThumbnail(row rowScanner) (ThumbnailRecord, error) {
	var rec ThumbnailRecord
	var sourceMtime, generatedAt, lastSeen int64
	if err := row.Scan(&rec.Key, &rec.SourcePath, &sourceMtime, &rec.SourceSize, &rec.ArtifactSize, &generatedAt, &rec.Hits, &lastSeen); err != nil {
		return ThumbnailRecord{}, err
	}
	rec.SourceModTime = time.UnixMilli(sourceMtime)
	rec.GeneratedAt = time.UnixMilli(generatedAt)
	if lastSeen > 0 {
		rec.LastAccess = time.UnixMilli(lastSeen)
	}
	return rec, nil
}

// Stats represents database statistics
type Stats struct {
	Thumbnails    int64     `json:"thumbnails"`
	ArtifactBytes int64     `json:"artifact_bytes"`
	TotalHits     int64     `json:"total_hits"`
	LastGenerated time.Time `json:"last_generated"`
	DatabaseSize  int64     `json:"database_size"` // main DB file only
	WALSize       int64     `json:"wal_size"`
	SHMSize       int64     `json:"shm_size"`
	TotalOnDisk   int64     `json:"total_on_disk"`
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	ctx = ensureContext(ctx)

	var (
		stats         Stats
		lastGenerated sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT
            COUNT(*),
            COALESCE(SUM(artifact_size), 0),
            COALESCE(SUM(hits), 0),
            MAX(generated_at)
        FROM thumbnails
    `).Scan(&stats.Thumbnails, &stats.ArtifactBytes, &stats.TotalHits, &lastGenerated)
	if err != nil {
		return nil, err
	}
	if lastGenerated.Valid {
		stats.LastGenerated = time.UnixMilli(lastGenerated.Int64)
	}

	if s.dbPath != "" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			stats.DatabaseSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-wal"); err == nil {
			stats.WALSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-shm"); err == nil {
			stats.SHMSize = fi.Size()
		}
		stats.TotalOnDisk = stats.DatabaseSize + stats.WALSize + stats.SHMSize
	}

	return &stats, nil
}

// DeleteThumbnails removes rows for keys in one transaction.
func (s *Store) DeleteThumbnails(ctx context.Context, keys []string) (PruneStats, error) {
	return DeleteThumbnails(ctx, s.db, keys)
}
