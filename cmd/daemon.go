package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/filepi/fileserver"
	"github.com/mordilloSan/filepi/storage"
	"github.com/mordilloSan/filepi/thumbnail"
)

// DaemonConfig controls the long-running server.
type DaemonConfig struct {
	RootDir              string
	ListenAddr           string
	SocketPath           string
	DBPath               string // defaults to a per-root file under the user cache dir
	FFmpegPath           string
	ThumbnailWorkers     int
	WalkTimeout          time.Duration
	ThumbnailTimeout     time.Duration
	MaxUploadBytes       int64 // zero means unlimited
	WatchThumbnails      bool
	RevalidateThumbnails bool
	StrictSymlinks       bool
}

type daemon struct {
	cfg     DaemonConfig
	files   *fileserver.FileServer
	db      *sql.DB
	store   *storage.Store
	cache   *thumbnail.Cache
	watcher *thumbnail.Watcher
	started time.Time

	servers         []*http.Server
	pruning         atomic.Bool
	usedSystemdSock bool
}

func NewDaemon(cfg DaemonConfig) (*daemon, error) {
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return newDaemonWithTranscoder(cfg, thumbnail.Dispatcher{
		Video: thumbnail.FFmpeg{Binary: ffmpeg},
		Image: thumbnail.ImageResizer{},
	})
}

// defaultDBPath keeps the catalog out of the thumbnail cache, whose
// directory names are cache keys. One catalog per served root.
func defaultDBPath(root string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "filepi", thumbnail.Key(root)+".db")
}

func newDaemonWithTranscoder(cfg DaemonConfig, transcoder thumbnail.Transcoder) (*daemon, error) {
	files, err := fileserver.New(fileserver.Config{
		RootDir:        cfg.RootDir,
		StrictSymlinks: cfg.StrictSymlinks,
		WalkTimeout:    cfg.WalkTimeout,
	})
	if err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath(files.Root())
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	db, dbExisted, err := openDatabaseWithIntegrityCheck(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	logger.Infof("DB connection pool opened: %s", cfg.DBPath)
	journalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	journalMode, err := storage.GetJournalMode(journalCtx, db)
	if err != nil {
		logger.Warnf("Failed to determine database journal_mode: %v", err)
	} else {
		logger.Infof("Database journal_mode: %s", strings.ToUpper(journalMode))
	}

	store := storage.NewStoreWithDB(db, cfg.DBPath)
	if dbExisted {
		logCatalogStatus(journalCtx, store)
	}

	cache, err := thumbnail.NewCache(thumbnail.Options{
		Dir:        files.CacheDir(),
		Transcoder: transcoder,
		Catalog:    store,
		Workers:    cfg.ThumbnailWorkers,
		Timeout:    cfg.ThumbnailTimeout,
		Revalidate: cfg.RevalidateThumbnails,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	files.EnableThumbnails(cache)

	d := &daemon{
		cfg:     cfg,
		files:   files,
		db:      db,
		store:   store,
		cache:   cache,
		started: time.Now(),
	}

	if cfg.WatchThumbnails {
		w, err := thumbnail.NewWatcher(cache)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("start thumbnail watcher: %w", err)
		}
		n, err := w.TrackExisting(journalCtx)
		if err != nil {
			logger.Warnf("Failed to watch catalogued thumbnails: %v", err)
		}
		logger.Infof("Watching %d thumbnail sources for changes", n)
		d.watcher = w
	}

	return d, nil
}

func (d *daemon) Close() {
	logger.Infof("Shutting down daemon...")

	// Gracefully shutdown HTTP servers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range d.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Server shutdown error: %v", err)
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			logger.Warnf("Thumbnail watcher close error: %v", err)
		}
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logger.Warnf("Database close error: %v", err)
		}
	}

	// Remove Unix socket only if we created it (not systemd-managed)
	if d.cfg.SocketPath != "" && !d.usedSystemdSock {
		if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove socket: %v", err)
		}
	}

	logger.Infof("Daemon shutdown complete")
}

// Run starts the thumbnail watcher (if any) and the HTTP servers, and blocks until ctx is cancelled.
func (d *daemon) Run(ctx context.Context) error {
	if d.watcher != nil {
		go d.watcher.Run(ctx)
	}
	return d.startHTTP(ctx)
}

type listener struct {
	l    net.Listener
	name string
}

// listeners prefers sockets passed by systemd and falls back to the configured TCP address and unix socket.
func (d *daemon) listeners() ([]listener, error) {
	activated, err := activation.Listeners()
	if err != nil {
		logger.Warnf("systemd socket activation unavailable: %v", err)
	}
	var out []listener
	for _, l := range activated {
		if l != nil {
			out = append(out, listener{l: l, name: l.Addr().Network() + "://" + l.Addr().String() + " (systemd socket activation)"})
		}
	}
	if len(out) > 0 {
		d.usedSystemdSock = true
		return out, nil
	}

	if d.cfg.SocketPath != "" {
		l, err := d.getUnixListener()
		if err != nil {
			return nil, err
		}
		out = append(out, listener{l: l, name: "unix://" + d.cfg.SocketPath})
	}
	if d.cfg.ListenAddr != "" {
		l, err := net.Listen("tcp", d.cfg.ListenAddr)
		if err != nil {
			closeListeners(out)
			return nil, fmt.Errorf("listen on %s: %w", d.cfg.ListenAddr, err)
		}
		out = append(out, listener{l: l, name: "http://" + l.Addr().String()})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no listeners configured")
	}
	return out, nil
}

func closeListeners(ls []listener) {
	for _, l := range ls {
		_ = l.l.Close()
	}
}

// getUnixListener creates the configured unix socket, replacing a stale one.
func (d *daemon) getUnixListener() (net.Listener, error) {
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir socket dir: %w", err)
	}

	l, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket: %w", err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o666); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return l, nil
}

func (d *daemon) startHTTP(ctx context.Context) error {
	ls, err := d.listeners()
	if err != nil {
		return err
	}

	handler := d.routes()
	errCh := make(chan error, len(ls))
	for _, l := range ls {
		// streaming large videos must not hit a write deadline
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, srv)
		logger.Infof("API listening on %s", l.name)
		go func() {
			errCh <- srv.Serve(l.l)
		}()
	}

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Debugf("sd_notify READY: %v", err)
	}

	shutdown := func() {
		if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); err != nil {
			logger.Debugf("sd_notify STOPPING: %v", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range d.servers {
			_ = srv.Shutdown(shutdownCtx)
		}
	}

	select {
	case <-ctx.Done():
		shutdown()
		return nil
	case err := <-errCh:
		shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openDatabaseWithIntegrityCheck opens the thumbnail catalog and checks for corruption.
// A corrupt catalog is removed and recreated; it only holds metadata that can be rebuilt.
// Returns the opened database connection and whether it existed before.
func openDatabaseWithIntegrityCheck(dbPath string) (*sql.DB, bool, error) {
	dbExisted := fileExists(dbPath)
	if dbExisted {
		logger.Infof("Database exists at %s; checking integrity", dbPath)
	} else {
		logger.Infof("Database not found; creating new at %s", dbPath)
	}

	db, err := storage.Open(dbPath)
	if err != nil && !dbExisted {
		return nil, false, err
	}

	if dbExisted {
		if err == nil {
			err = checkDatabaseIntegrity(db)
		}
		if err != nil {
			logger.Warnf("Database corruption detected: %v", err)
			logger.Warnf("Closing corrupted database and recreating")
			if db != nil {
				if closeErr := db.Close(); closeErr != nil {
					logger.Warnf("Failed to close corrupted database: %v", closeErr)
				}
			}
			if err := os.Remove(dbPath); err != nil {
				return nil, false, fmt.Errorf("failed to remove corrupted database: %w", err)
			}
			_ = os.Remove(dbPath + "-wal")
			_ = os.Remove(dbPath + "-shm")
			db, err = storage.Open(dbPath)
			if err != nil {
				return nil, false, err
			}
			logger.Infof("New database created at %s", dbPath)
			dbExisted = false
		} else {
			logger.Infof("Database integrity check passed")
		}
	}

	return db, dbExisted, nil
}

// checkDatabaseIntegrity runs SQLite's integrity_check to detect corruption
func checkDatabaseIntegrity(db *sql.DB) error {
	var result string
	err := db.QueryRow("PRAGMA integrity_check;").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func logCatalogStatus(ctx context.Context, store *storage.Store) {
	stats, err := store.GetStats(ctx)
	if err != nil {
		logger.Warnf("Failed to read thumbnail catalog: %v", err)
		return
	}
	if stats.Thumbnails == 0 {
		logger.Infof("Thumbnail catalog is empty")
		return
	}
	logger.Infof("Thumbnail catalog: %d entries, last generated %s",
		stats.Thumbnails, stats.LastGenerated.UTC().Format(time.RFC3339))
}
