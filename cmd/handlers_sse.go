package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/filepi/fileserver"
	"github.com/mordilloSan/filepi/fileserver/iteminfo"
	"github.com/mordilloSan/filepi/internal/metrics"
)

// SSEWriter wraps an http.ResponseWriter for Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer and sets appropriate headers
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// SendEvent sends an SSE event with the given event type and data
func (s *SSEWriter) SendEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	metrics.RecordSSEEvent(event)
	return nil
}

// SendError sends an error event
func (s *SSEWriter) SendError(msg string) error {
	return s.SendEvent("error", map[string]string{"message": msg})
}

// SearchCompleteEvent closes a streamed search.
type SearchCompleteEvent struct {
	Query      string `json:"query"`
	Path       string `json:"path"`
	Matches    int    `json:"matches"`
	DurationMs int64  `json:"duration_ms"`
}

// handleSearchStream handles GET /api/v1/search/stream, sending each match as it is found.
// Matches arrive in traversal order; clients sort them if they need to.
func (d *daemon) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	req := listingRequest(r)
	if _, ok := iteminfo.ParseQuery(req.Query); !ok {
		writeError(w, r, fileserver.ErrMissingQuery)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	start := time.Now()
	count, err := d.files.SearchStream(r.Context(), req, func(rec iteminfo.FileRecord) error {
		return sse.SendEvent("match", rec)
	})
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debugf("search stream for %q cancelled after %d matches", req.Query, count)
			return
		}
		var te *fileserver.TraversalError
		if errors.As(err, &te) {
			logger.Warnf("search stream for %q failed: %v", req.Query, err)
		}
		_ = sse.SendError(err.Error())
		return
	}

	_ = sse.SendEvent("complete", SearchCompleteEvent{
		Query:      req.Query,
		Path:       req.Path,
		Matches:    count,
		DurationMs: time.Since(start).Milliseconds(),
	})
}
