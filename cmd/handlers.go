package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/filepi/fileserver"
	"github.com/mordilloSan/filepi/internal/metrics"
	"github.com/mordilloSan/filepi/internal/version"
	"github.com/mordilloSan/filepi/storage"
	"github.com/mordilloSan/filepi/thumbnail"
)

const (
	apiPrefix    = "/api/v1"
	defaultLimit = 25

	// multipart parts above this size spill to temporary files
	uploadMemory = 32 << 20

	// a prune removing at least this many entries also rebuilds the catalog
	vacuumAfterRemovals = 500
)

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /openapi.json", serveOpenapi)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET "+apiPrefix+"/files", d.handleListFiles)
	mux.HandleFunc("GET "+apiPrefix+"/videos", d.handleListVideos)
	mux.HandleFunc("GET "+apiPrefix+"/search", d.handleSearch)
	mux.HandleFunc("GET "+apiPrefix+"/search/stream", d.handleSearchStream)
	mux.HandleFunc("GET "+apiPrefix+"/file/{path...}", d.handleServeFile)
	mux.HandleFunc("GET "+apiPrefix+"/stream/{path...}", d.handleStreamFile)
	mux.HandleFunc("GET "+apiPrefix+"/thumbnail/{path...}", d.handleThumbnail)
	mux.HandleFunc("POST "+apiPrefix+"/createfolder", d.handleCreateFolder)
	mux.HandleFunc("POST "+apiPrefix+"/uploadfile", d.handleUpload)
	mux.HandleFunc("GET "+apiPrefix+"/status", d.handleStatus)
	mux.HandleFunc("POST "+apiPrefix+"/cache/prune", d.handlePrune)

	return withRequestLogging(mux)
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps server-sent events working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		// the mux fills in the matched pattern; fall back to a fixed label to keep cardinality bounded
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, pattern, rec.status, elapsed)
		logger.Debugf("[%s] %s %s -> %d (%s)", id, r.Method, r.URL.RequestURI(), rec.status, elapsed.Truncate(time.Microsecond))
	})
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, fileserver.ErrNotFound), errors.Is(err, thumbnail.ErrSourceNotFound):
		return http.StatusNotFound
	case fileserver.IsValidation(err):
		return http.StatusBadRequest
	case errors.As(err, new(*http.MaxBytesError)):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	} else {
		logger.Debugf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}

func listingRequest(r *http.Request) fileserver.ListingRequest {
	q := r.URL.Query()
	order := q.Get("order")
	if order == "" {
		order = "asc"
	}
	return fileserver.ListingRequest{
		Path:   q.Get("path"),
		Skip:   queryInt(q.Get("skip"), 0, 0),
		Limit:  queryInt(q.Get("limit"), defaultLimit, 0),
		SortBy: q.Get("sort_by"),
		Order:  order,
		Query:  q.Get("query"),
	}
}

func (d *daemon) handleListFiles(w http.ResponseWriter, r *http.Request) {
	resp, err := d.files.ListDirectory(r.Context(), listingRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (d *daemon) handleListVideos(w http.ResponseWriter, r *http.Request) {
	req := listingRequest(r)
	req.Recursive = queryBool(r.URL.Query().Get("recursive"), true)
	resp, err := d.files.ListVideos(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (d *daemon) handleSearch(w http.ResponseWriter, r *http.Request) {
	resp, err := d.files.Search(r.Context(), listingRequest(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp)
}

func (d *daemon) handleServeFile(w http.ResponseWriter, r *http.Request) {
	handle, err := d.files.OpenFile(r.PathValue("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": handle.Name}))
	serveHandle(w, r, handle)
}

func (d *daemon) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	handle, err := d.files.StreamFile(r.PathValue("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	serveHandle(w, r, handle)
}

// serveHandle sends the file with Range and conditional request support.
func serveHandle(w http.ResponseWriter, r *http.Request, handle *fileserver.FileHandle) {
	f, err := os.Open(handle.Path)
	if err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("%w: %s", fileserver.ErrNotFound, handle.Name)
		}
		writeError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", handle.ContentType)
	http.ServeContent(w, r, handle.Name, handle.Info.ModTime(), f)
}

func (d *daemon) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	artifact, err := d.files.Thumbnail(r.Context(), r.PathValue("path"))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeError(w, r, err)
		return
	}
	f, err := os.Open(artifact)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, thumbnail.ArtifactName, info.ModTime(), f)
}

func (d *daemon) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	dir := r.FormValue("path")
	name := r.FormValue("foldername")
	rel, err := d.files.CreateFolder(r.Context(), dir, name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{
		"message": "Folder created successfully at " + rel,
		"path":    rel,
	})
}

func (d *daemon) handleUpload(w http.ResponseWriter, r *http.Request) {
	if d.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, d.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		if errors.As(err, new(*http.MaxBytesError)) {
			writeError(w, r, err)
			return
		}
		http.Error(w, fmt.Sprintf("invalid multipart form: %v", err), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			err = fileserver.ErrMissingFilename
		}
		writeError(w, r, err)
		return
	}
	defer func() { _ = file.Close() }()

	location := r.FormValue("location")
	user := r.FormValue("user")
	rel, _, err := d.files.SaveUpload(r.Context(), file, location, header.Filename, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{
		"message":     "File uploaded successfully to " + rel,
		"filename":    header.Filename,
		"location":    rel,
		"uploaded_by": user,
	})
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var resp struct {
		Version       string         `json:"version"`
		Root          string         `json:"root"`
		CacheDir      string         `json:"cache_dir"`
		Uptime        string         `json:"uptime"`
		UptimeSeconds int64          `json:"uptime_seconds"`
		Pruning       bool           `json:"pruning"`
		Watching      int            `json:"watching"`
		Catalog       *storage.Stats `json:"catalog,omitempty"`
		CacheSize     string         `json:"cache_size"`
		RSSBytes      int64          `json:"rss_bytes"`

		GoAllocBytes     uint64 `json:"go_alloc_bytes"`
		GoHeapInuseBytes uint64 `json:"go_heap_inuse_bytes"`
		GoSysBytes       uint64 `json:"go_sys_bytes"`
		GoNumGC          uint32 `json:"go_num_gc"`
		GoGoroutines     int    `json:"go_goroutines"`
		Warning          string `json:"warning,omitempty"`
	}

	addWarning := func(msg string) {
		if resp.Warning == "" {
			resp.Warning = msg
		} else {
			resp.Warning += "; " + msg
		}
	}

	uptime := time.Since(d.started)
	resp.Version = version.Get().String()
	resp.Root = d.files.Root()
	resp.CacheDir = d.files.CacheDir()
	resp.Uptime = uptime.Truncate(time.Second).String()
	resp.UptimeSeconds = int64(uptime.Seconds())
	resp.Pruning = d.pruning.Load()
	if d.watcher != nil {
		resp.Watching = d.watcher.Tracked()
	}

	stats, err := d.store.GetStats(ctx)
	if err != nil {
		addWarning(fmt.Sprintf("catalog unavailable: %v", err))
		logger.Warnf("Status: catalog stats unavailable: %v", err)
	} else {
		resp.Catalog = stats
		resp.CacheSize = humanize.Bytes(uint64(stats.ArtifactBytes))
	}

	// best-effort; never fails /status
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.GoAllocBytes = ms.Alloc
	resp.GoHeapInuseBytes = ms.HeapInuse
	resp.GoSysBytes = ms.Sys
	resp.GoNumGC = ms.NumGC
	resp.GoGoroutines = runtime.NumGoroutine()

	if rss, err := procSelfRSSBytes(); err != nil {
		addWarning(fmt.Sprintf("rss unavailable: %v", err))
	} else {
		resp.RSSBytes = rss
	}

	writeJSON(w, resp)
}

// handlePrune drops cache entries whose source is gone, then reclaims catalog space.
// ?vacuum=true forces a full VACUUM of the catalog.
func (d *daemon) handlePrune(w http.ResponseWriter, r *http.Request) {
	if !d.pruning.CompareAndSwap(false, true) {
		http.Error(w, "prune already running", http.StatusConflict)
		return
	}
	defer d.pruning.Store(false)

	ctx := r.Context()
	result, err := d.cache.Prune(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := storage.WALCheckpointTruncate(ctx, d.db); err != nil {
		logger.Warnf("WAL checkpoint after prune failed: %v", err)
	}

	vacuumed := false
	if queryBool(r.URL.Query().Get("vacuum"), false) || result.Removed >= vacuumAfterRemovals {
		stats, err := storage.Vacuum(ctx, d.db)
		if err != nil {
			logger.Warnf("vacuum after prune failed: %v", err)
		} else {
			vacuumed = true
			logger.Infof("catalog vacuumed in %s", stats.Duration)
			// VACUUM writes the rebuilt file through the WAL
			if _, err := storage.WALCheckpointTruncate(ctx, d.db); err != nil {
				logger.Warnf("WAL checkpoint after vacuum failed: %v", err)
			}
		}
	}

	if err := storage.ReleaseSQLiteMemory(ctx, d.db); err != nil {
		logger.Debugf("release sqlite memory: %v", err)
	}

	writeJSON(w, map[string]any{
		"status":      "ok",
		"checked":     result.Checked,
		"removed":     result.Removed,
		"vacuumed":    vacuumed,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

func procSelfRSSBytes() (int64, error) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		// Format: VmRSS:\t  12345 kB
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected VmRSS format: %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("VmRSS not found")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// queryInt parses an integer query parameter with default and minimum value.
func queryInt(q string, def int, min int) int {
	if q == "" {
		return def
	}
	v, err := strconv.Atoi(q)
	if err != nil || v < min {
		return def
	}
	return v
}

// queryBool parses a boolean query parameter, returning def when absent or malformed.
func queryBool(q string, def bool) bool {
	if q == "" {
		return def
	}
	v, err := strconv.ParseBool(q)
	if err != nil {
		return def
	}
	return v
}

// Minimal OpenAPI spec served at /openapi.json.
func serveOpenapi(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openapiSpec))
}

const openapiSpec = `{
  "openapi": "3.0.0",
  "info": { "title": "FilePi API", "version": "1.0.0" },
  "paths": {
    "/api/v1/files": { "get": { "summary": "List one directory level", "parameters": [{ "in": "query", "name": "path", "schema": {"type": "string"} }, { "in": "query", "name": "skip", "schema": {"type": "integer", "default": 0} }, { "in": "query", "name": "limit", "schema": {"type": "integer", "default": 25} }, { "in": "query", "name": "sort_by", "schema": {"type": "string", "enum": ["name", "size", "modified_time", "created_time", "file_type"]} }, { "in": "query", "name": "order", "schema": {"type": "string", "enum": ["asc", "desc"]} }], "responses": { "200": {"description": "Page of file records"}, "400": {"description": "Invalid path or sort field"} } } },
    "/api/v1/videos": { "get": { "summary": "List video files", "parameters": [{ "in": "query", "name": "path", "schema": {"type": "string"} }, { "in": "query", "name": "recursive", "schema": {"type": "boolean", "default": true} }, { "in": "query", "name": "skip", "schema": {"type": "integer"} }, { "in": "query", "name": "limit", "schema": {"type": "integer"} }, { "in": "query", "name": "sort_by", "schema": {"type": "string"} }, { "in": "query", "name": "order", "schema": {"type": "string"} }], "responses": { "200": {"description": "Page of video records"} } } },
    "/api/v1/search": { "get": { "summary": "Case-insensitive file name search", "parameters": [{ "in": "query", "name": "query", "required": true, "schema": {"type": "string"} }, { "in": "query", "name": "path", "schema": {"type": "string"} }, { "in": "query", "name": "skip", "schema": {"type": "integer"} }, { "in": "query", "name": "limit", "schema": {"type": "integer"} }, { "in": "query", "name": "sort_by", "schema": {"type": "string"} }, { "in": "query", "name": "order", "schema": {"type": "string"} }], "responses": { "200": {"description": "Page of matches"}, "400": {"description": "Missing query"} } } },
    "/api/v1/search/stream": { "get": { "summary": "Stream search matches as server-sent events", "parameters": [{ "in": "query", "name": "query", "required": true, "schema": {"type": "string"} }, { "in": "query", "name": "path", "schema": {"type": "string"} }], "responses": { "200": {"description": "text/event-stream of match, complete and error events"} } } },
    "/api/v1/file/{path}": { "get": { "summary": "Download a file", "parameters": [{ "in": "path", "name": "path", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "File contents"}, "404": {"description": "Not found"} } } },
    "/api/v1/stream/{path}": { "get": { "summary": "Stream a video with Range support", "parameters": [{ "in": "path", "name": "path", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Video"}, "206": {"description": "Partial content"}, "400": {"description": "Not a video"}, "404": {"description": "Not found"} } } },
    "/api/v1/thumbnail/{path}": { "get": { "summary": "JPEG thumbnail of a video or image", "parameters": [{ "in": "path", "name": "path", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "image/jpeg"}, "404": {"description": "Not found"}, "500": {"description": "Generation failed"} } } },
    "/api/v1/createfolder": { "post": { "summary": "Create a folder", "parameters": [{ "in": "query", "name": "path", "schema": {"type": "string"} }, { "in": "query", "name": "foldername", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Created"}, "400": {"description": "Invalid path or name"} } } },
    "/api/v1/uploadfile": { "post": { "summary": "Upload a file (multipart: file, location, user)", "responses": { "200": {"description": "Uploaded"}, "400": {"description": "Missing file"}, "413": {"description": "Too large"} } } },
    "/api/v1/status": { "get": { "summary": "Server and thumbnail cache status", "responses": { "200": {"description": "Status"} } } },
    "/api/v1/cache/prune": { "post": { "summary": "Remove thumbnails whose source is gone", "parameters": [ {"name": "vacuum", "in": "query", "schema": {"type": "boolean"}} ], "responses": { "200": {"description": "Pruned"}, "409": {"description": "Already running"} } } },
    "/metrics": { "get": { "summary": "Prometheus metrics", "responses": { "200": {"description": "Metrics"} } } }
  }
}`
