package cmd

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mordilloSan/filepi/fileserver/iteminfo"
	"github.com/mordilloSan/filepi/thumbnail"
)

// TestVideoLibraryScenario walks the video flow over a real HTTP server:
// list recursively, stream a range, fetch the same thumbnail twice.
func TestVideoLibraryScenario(t *testing.T) {
	td := newTestDaemon(t, DaemonConfig{})
	srv := httptest.NewServer(td.handler)
	defer srv.Close()

	var listing iteminfo.ListingResponse
	getJSON(t, srv.URL+"/api/v1/videos?sort_by=name", &listing)
	if listing.TotalFiles != 2 {
		t.Fatalf("videos total = %d, want 2", listing.TotalFiles)
	}
	if listing.Files[0].FullName != "videos/a.mp4" || listing.Files[1].FullName != "videos/sub/b.mkv" {
		t.Fatalf("full names = %s, %s", listing.Files[0].FullName, listing.Files[1].FullName)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/stream/"+listing.Files[1].FullName, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Range", "bytes=1048576-")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	n, _ := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent || n != 1024*1024 {
		t.Fatalf("stream status=%d bytes=%d, want 206 and 1 MiB", resp.StatusCode, n)
	}

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/thumbnail/" + listing.Files[0].FullName)
		if err != nil {
			t.Fatalf("thumbnail: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("thumbnail status = %d", resp.StatusCode)
		}
	}
	if calls := td.transcoder.calls.Load(); calls != 1 {
		t.Fatalf("transcoder ran %d times, want 1", calls)
	}
}

// TestDocumentScenario searches, then pages through a sorted listing.
func TestDocumentScenario(t *testing.T) {
	td := newTestDaemon(t, DaemonConfig{})
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		td.fs.CreateFile("inbox/"+name, name)
	}
	srv := httptest.NewServer(td.handler)
	defer srv.Close()

	var page iteminfo.ListingResponse
	getJSON(t, srv.URL+"/api/v1/files?path=inbox&sort_by=name&skip=1&limit=1", &page)
	if page.TotalFiles != 3 || len(page.Files) != 1 || page.Files[0].Name != "b.txt" {
		t.Fatalf("page = %+v", page)
	}

	getJSON(t, srv.URL+"/api/v1/files?path=inbox&sort_by=name&skip=10", &page)
	if page.TotalFiles != 3 || len(page.Files) != 0 {
		t.Fatalf("past-the-end page = %+v", page)
	}

	var found iteminfo.ListingResponse
	getJSON(t, srv.URL+"/api/v1/search?query=A.TXT", &found)
	if found.TotalFiles != 1 || found.Files[0].FullName != "inbox/a.txt" {
		t.Fatalf("search = %+v", found)
	}
}

func TestDaemonServesUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "filepi.sock")
	td := newTestDaemon(t, DaemonConfig{SocketPath: socket})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- td.Run(ctx) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}}

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		var err error
		resp, err = client.Get("http://filepi/api/v1/status")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never answered on %s: %v", socket, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d", resp.StatusCode)
	}
	info, err := os.Stat(socket)
	if err != nil || info.Mode()&os.ModeSocket == 0 {
		t.Fatalf("socket not created: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonRequiresListener(t *testing.T) {
	td := newTestDaemon(t, DaemonConfig{})
	if err := td.Run(context.Background()); err == nil {
		t.Fatal("expected an error without any listener")
	}
}

func TestDaemonWatchEvictsChangedSource(t *testing.T) {
	td := newTestDaemon(t, DaemonConfig{WatchThumbnails: true})
	if td.watcher == nil {
		t.Fatal("watcher not started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go td.watcher.Run(ctx)

	src := td.fs.Path("photos/image1.jpg")
	if rr := td.do(t, http.MethodGet, "/api/v1/thumbnail/photos/image1.jpg", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("thumbnail status = %d", rr.Code)
	}
	artifact := td.cache.ArtifactPath(thumbnail.Key(src))
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	if err := os.WriteFile(src, []byte("new JPEG data"), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(artifact); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("artifact was not evicted after the source changed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewDaemonRejectsMissingRoot(t *testing.T) {
	_, err := newDaemonWithTranscoder(DaemonConfig{RootDir: filepath.Join(t.TempDir(), "nope")}, &fakeTranscoder{})
	if err == nil {
		t.Fatal("expected an error for a missing root")
	}
}

func TestOpenDatabaseRecreatesCorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "thumbnails.db")
	if err := os.WriteFile(dbPath, []byte("this is not a sqlite database, not even close"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	db, existed, err := openDatabaseWithIntegrityCheck(dbPath)
	if err != nil {
		t.Fatalf("open corrupt database: %v", err)
	}
	defer func() { _ = db.Close() }()
	if existed {
		t.Fatal("corrupt database should be treated as new")
	}
	if err := checkDatabaseIntegrity(db); err != nil {
		t.Fatalf("recreated database fails integrity check: %v", err)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s = %d: %s", url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
