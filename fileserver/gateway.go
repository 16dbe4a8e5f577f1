package fileserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/filepi/fileserver/iteminfo"
	"github.com/mordilloSan/filepi/internal/metrics"
)

// CacheDirName is the hidden directory under the root that holds thumbnails.
const CacheDirName = ".cache"

// Config is resolved once at startup.
type Config struct {
	RootDir        string        // directory every operation is confined to
	CacheDir       string        // defaults to <RootDir>/.cache
	StrictSymlinks bool          // reject paths whose real location leaves the root
	WalkTimeout    time.Duration // zero means no limit
}

// Thumbnailer produces a cached thumbnail for an absolute source path.
type Thumbnailer interface {
	GetOrCreate(ctx context.Context, sourcePath string) (string, error)
}

// ListingRequest carries the parameters shared by the listing operations.
type ListingRequest struct {
	Path      string
	Skip      int
	Limit     int
	SortBy    string
	Order     string
	Recursive bool   // video listing only
	Query     string // search only
}

// FileHandle describes a file ready to be served.
type FileHandle struct {
	Path        string // absolute path
	Name        string
	ContentType string
	Info        os.FileInfo
}

// FileServer composes the sandbox, walker and thumbnail cache for one root.
type FileServer struct {
	sandbox     *Sandbox
	cacheDir    string
	walkTimeout time.Duration

	mu          sync.RWMutex
	thumbnailer Thumbnailer
}

// New validates the root and creates the cache directory.
func New(cfg Config) (*FileServer, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("%w: empty path", ErrRootNotFound)
	}
	info, err := os.Stat(cfg.RootDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, cfg.RootDir)
	}

	sandbox, err := NewSandbox(cfg.RootDir, cfg.StrictSymlinks)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", cfg.RootDir, err)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(sandbox.Root(), CacheDirName)
	}
	cacheDir, err = filepath.Abs(cacheDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	logger.Infof("serving root [%s] (cache: %s, strict symlinks: %v)", sandbox.Root(), cacheDir, cfg.StrictSymlinks)
	return &FileServer{
		sandbox:     sandbox,
		cacheDir:    cacheDir,
		walkTimeout: cfg.WalkTimeout,
	}, nil
}

// EnableThumbnails attaches the thumbnail cache.
func (s *FileServer) EnableThumbnails(t Thumbnailer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thumbnailer = t
}

// Root returns the absolute root directory.
func (s *FileServer) Root() string {
	return s.sandbox.Root()
}

// CacheDir returns the absolute thumbnail cache directory.
func (s *FileServer) CacheDir() string {
	return s.cacheDir
}

// ListDirectory lists one directory level.
func (s *FileServer) ListDirectory(ctx context.Context, req ListingRequest) (iteminfo.ListingResponse, error) {
	return s.list(ctx, "directory", req, ShallowOptions())
}

// ListVideos lists video files, recursively when req.Recursive is set.
func (s *FileServer) ListVideos(ctx context.Context, req ListingRequest) (iteminfo.ListingResponse, error) {
	return s.list(ctx, "videos", req, VideoOptions(req.Recursive))
}

// Search lists files below req.Path whose name contains req.Query.
func (s *FileServer) Search(ctx context.Context, req ListingRequest) (iteminfo.ListingResponse, error) {
	query, ok := iteminfo.ParseQuery(req.Query)
	if !ok {
		return iteminfo.ListingResponse{}, ErrMissingQuery
	}
	return s.list(ctx, "search", req, SearchOptions(query))
}

func (s *FileServer) list(ctx context.Context, mode string, req ListingRequest, opts WalkOptions) (iteminfo.ListingResponse, error) {
	dir, err := s.resolveWalkStart(req.Path)
	if err != nil {
		return iteminfo.ListingResponse{}, err
	}
	field, err := iteminfo.ParseSortField(req.SortBy)
	if err != nil {
		return iteminfo.ListingResponse{}, err
	}

	ctx, cancel := s.walkContext(ctx)
	defer cancel()

	opts.Exclude = append(opts.Exclude, s.cacheDir)
	start := time.Now()
	records, err := collect(Walk(ctx, dir, opts))
	metrics.ObserveWalk(mode, time.Since(start), len(records), err)
	if err != nil {
		logger.Warnf("%s walk of [%s] failed: %v", mode, req.Path, err)
		return iteminfo.ListingResponse{}, err
	}

	page, total := iteminfo.SortAndPaginate(records, field, iteminfo.ParseOrder(req.Order), req.Skip, req.Limit)
	logger.Debugf("%s [%s]: %d matches, returning %d (skip=%d limit=%d sort=%s)", mode, req.Path, total, len(page), req.Skip, req.Limit, field)
	return iteminfo.NewListingResponse(total, page, req.Skip, req.Limit), nil
}

// SearchStream walks like Search but hands each match to fn as soon as it is found.
// Results are unsorted. It returns the number of matches delivered.
func (s *FileServer) SearchStream(ctx context.Context, req ListingRequest, fn func(iteminfo.FileRecord) error) (int, error) {
	query, ok := iteminfo.ParseQuery(req.Query)
	if !ok {
		return 0, ErrMissingQuery
	}
	dir, err := s.resolveWalkStart(req.Path)
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.walkContext(ctx)
	defer cancel()

	opts := SearchOptions(query)
	opts.Exclude = []string{s.cacheDir}
	start := time.Now()
	count := 0
	for record, err := range Walk(ctx, dir, opts) {
		if err != nil {
			metrics.ObserveWalk("search_stream", time.Since(start), count, err)
			return count, err
		}
		if err := fn(record); err != nil {
			return count, err
		}
		count++
	}
	metrics.ObserveWalk("search_stream", time.Since(start), count, nil)
	return count, nil
}

// resolveWalkStart resolves a listing directory. The thumbnail cache is never a walk start.
func (s *FileServer) resolveWalkStart(rel string) (string, error) {
	dir, err := s.sandbox.Resolve(rel)
	if err != nil {
		return "", err
	}
	if within(s.cacheDir, dir) {
		return "", fmt.Errorf("%w: %s is the thumbnail cache", ErrPathViolation, rel)
	}
	return dir, nil
}

func (s *FileServer) walkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.walkTimeout > 0 {
		return context.WithTimeout(ctx, s.walkTimeout)
	}
	return context.WithCancel(ctx)
}

// OpenFile resolves rel to an existing regular file.
func (s *FileServer) OpenFile(rel string) (*FileHandle, error) {
	abs, err := s.sandbox.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		// a regular file used as a parent directory reports ENOTDIR
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, rel)
	}

	name := filepath.Base(abs)
	contentType := iteminfo.MimeType(name)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &FileHandle{Path: abs, Name: name, ContentType: contentType, Info: info}, nil
}

// StreamFile is OpenFile restricted to video files.
func (s *FileServer) StreamFile(rel string) (*FileHandle, error) {
	handle, err := s.OpenFile(rel)
	if err != nil {
		return nil, err
	}
	if !iteminfo.IsVideo(handle.ContentType) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotAVideo, rel, handle.ContentType)
	}
	return handle, nil
}

// Thumbnail returns the path of the cached thumbnail for rel, generating it if needed.
func (s *FileServer) Thumbnail(ctx context.Context, rel string) (string, error) {
	handle, err := s.OpenFile(rel)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	thumbnailer := s.thumbnailer
	s.mu.RUnlock()
	if thumbnailer == nil {
		return "", errors.New("thumbnails are not enabled")
	}
	return thumbnailer.GetOrCreate(ctx, handle.Path)
}

// CreateFolder creates name under dir, including missing parents, and returns its relative path.
func (s *FileServer) CreateFolder(ctx context.Context, dir, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	abs, err := s.sandbox.Resolve(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("unable to create folder: %w", err)
	}
	rel := s.sandbox.Relative(abs)
	logger.Infof("created folder [%s]", rel)
	return rel, nil
}

// SaveUpload streams r into location/filename. The data lands in a temporary
// file first and is renamed into place, so readers never see a partial upload.
// It returns the relative path and the number of bytes written.
func (s *FileServer) SaveUpload(ctx context.Context, r io.Reader, location, filename, user string) (string, int64, error) {
	if strings.TrimSpace(filename) == "" {
		return "", 0, ErrMissingFilename
	}
	// clients may send a full client-side path; keep only the base name
	filename = filepath.Base(filepath.FromSlash(strings.ReplaceAll(filename, `\`, "/")))
	if err := validateName(filename); err != nil {
		return "", 0, err
	}

	dir, err := s.sandbox.Resolve(location)
	if err != nil {
		return "", 0, err
	}
	target, err := s.sandbox.Resolve(filepath.Join(location, filename))
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("unable to create upload directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+uuid.NewString()+".upload")
	written, err := writeFile(ctx, tmp, r)
	if err != nil {
		_ = os.Remove(tmp)
		metrics.RecordContentUpload(written, false)
		return "", written, fmt.Errorf("unable to save file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		metrics.RecordContentUpload(written, false)
		return "", written, fmt.Errorf("unable to save file: %w", err)
	}
	metrics.RecordContentUpload(written, true)

	rel := s.sandbox.Relative(target)
	logger.Infof("user %s uploaded [%s] (%s)", user, rel, humanize.Bytes(uint64(written)))
	return rel, written, nil
}

func writeFile(ctx context.Context, path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(f, contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return written, err
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
