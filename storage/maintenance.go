package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

type WALCheckpointStats struct {
	Busy         int
	Log          int
	Checkpointed int
	Duration     time.Duration
}

// WALCheckpointTruncate checkpoints the WAL and truncates the -wal file.
// This helps prevent unbounded WAL growth in long-running processes.
func WALCheckpointTruncate(ctx context.Context, db *sql.DB) (WALCheckpointStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return WALCheckpointStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	var stats WALCheckpointStats
	err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&stats.Busy, &stats.Log, &stats.Checkpointed)
	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		return WALCheckpointStats{}, err
	}
	return stats, nil
}

type VacuumStats struct {
	Duration time.Duration
}

// Vacuum rebuilds the SQLite database file to reclaim free space and defragment pages.
// Note: VACUUM requires an exclusive lock and can be slow on large databases.
func Vacuum(ctx context.Context, db *sql.DB) (VacuumStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return VacuumStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	if _, err := db.ExecContext(ctx, `VACUUM;`); err != nil {
		return VacuumStats{}, err
	}
	return VacuumStats{Duration: time.Since(start).Truncate(time.Millisecond)}, nil
}

// PruneStats holds statistics about the pruning operation
type PruneStats struct {
	DeletedRows int
	Duration    time.Duration
}

// DeleteThumbnails removes the rows for keys in one transaction and then
// reclaims free pages with an incremental vacuum.
func DeleteThumbnails(ctx context.Context, db *sql.DB, keys []string) (PruneStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return PruneStats{}, fmt.Errorf("db is nil")
	}
	start := time.Now()
	if len(keys) == 0 {
		return PruneStats{Duration: time.Since(start)}, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return PruneStats{}, err
	}
	deleted := 0
	for _, key := range keys {
		ok, err := deleteThumbnail(ctx, tx, key)
		if err != nil {
			_ = tx.Rollback()
			return PruneStats{}, fmt.Errorf("delete thumbnail %s: %w", key, err)
		}
		if ok {
			deleted++
		}
	}
	if err := tx.Commit(); err != nil {
		return PruneStats{}, err
	}

	if _, err := db.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
		// Log warning but don't fail the operation
		logger.Warnf("Incremental vacuum failed after pruning: %v", err)
	}

	return PruneStats{DeletedRows: deleted, Duration: time.Since(start).Truncate(time.Millisecond)}, nil
}
