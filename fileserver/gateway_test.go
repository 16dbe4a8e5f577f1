package fileserver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mordilloSan/filepi/fileserver/iteminfo"
	"github.com/mordilloSan/filepi/fileserver/testhelpers"
)

func newTestServer(t *testing.T) (*FileServer, *testhelpers.MockFileSystem) {
	t.Helper()
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateStandardTestStructure()
	srv, err := New(Config{RootDir: fs.Root})
	require.NoError(t, err)
	return srv, fs
}

func recordNames(records []iteminfo.FileRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

func TestNewRequiresExistingRoot(t *testing.T) {
	_, err := New(Config{RootDir: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrRootNotFound)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = New(Config{RootDir: file})
	assert.ErrorIs(t, err, ErrRootNotFound)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestNewCreatesCacheDir(t *testing.T) {
	srv, fs := newTestServer(t)
	assert.Equal(t, fs.Path(".cache"), srv.CacheDir())
	info, err := os.Stat(srv.CacheDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestListVideosScenario(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.ListVideos(context.Background(), ListingRequest{
		Path:      "videos",
		Limit:     25,
		Recursive: true,
		SortBy:    "size",
		Order:     "desc",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalFiles)
	assert.Equal(t, []string{"a.mp4", "b.mkv"}, recordNames(resp.Files))
	assert.Equal(t, "sub/b.mkv", resp.Files[1].FullName)
	assert.Equal(t, int64(5*1024*1024), resp.Files[0].Size)
}

func TestListDirectorySkipBeyondEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.ListDirectory(context.Background(), ListingRequest{Path: "documents", Skip: 10, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TotalFiles)
	assert.Empty(t, resp.Files)
	assert.NotNil(t, resp.Files)
	assert.Equal(t, 10, resp.Skip)
	assert.Equal(t, 5, resp.Limit)
}

func TestListDirectoryRootHidesCache(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.ListDirectory(context.Background(), ListingRequest{Limit: 25, SortBy: "name"})
	require.NoError(t, err)
	assert.Equal(t, []string{"documents", "empty", "photos", "videos"}, recordNames(resp.Files))
	for _, r := range resp.Files {
		assert.True(t, r.IsDirectory)
	}
}

func TestListRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, err := srv.ListDirectory(ctx, ListingRequest{Path: "../", Limit: 25})
	assert.ErrorIs(t, err, ErrPathViolation)
	assert.True(t, IsValidation(err))

	_, err = srv.ListDirectory(ctx, ListingRequest{Limit: 25, SortBy: "owner"})
	assert.ErrorIs(t, err, ErrInvalidSortField)
	assert.True(t, IsValidation(err))

	_, err = srv.Search(ctx, ListingRequest{Limit: 25, Query: "  "})
	assert.ErrorIs(t, err, ErrMissingQuery)

	_, err = srv.ListDirectory(ctx, ListingRequest{Path: "nope", Limit: 25})
	var te *TraversalError
	assert.ErrorAs(t, err, &te)
	assert.False(t, IsValidation(err))
}

func TestSearchCaseInsensitive(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Search(context.Background(), ListingRequest{Query: "rep", Limit: 25, SortBy: "name"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalFiles)
	assert.Equal(t, []string{"Report.PDF", "report-jan.txt"}, recordNames(resp.Files))
	assert.Equal(t, "documents/Report.PDF", resp.Files[0].FullName)
}

func TestSearchFromSubdirectory(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Search(context.Background(), ListingRequest{Path: "documents/archive", Query: "JAN", Limit: 25})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "2023/report-jan.txt", resp.Files[0].FullName)
}

func TestSearchStream(t *testing.T) {
	srv, _ := newTestServer(t)

	var got []string
	count, err := srv.SearchStream(context.Background(), ListingRequest{Query: ".txt"}, func(r iteminfo.FileRecord) error {
		got = append(got, r.FullName)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.ElementsMatch(t, []string{"documents/readme.txt", "documents/archive/2023/report-jan.txt", "videos/sub/notes.txt"}, got)

	stop := errors.New("stop")
	count, err = srv.SearchStream(context.Background(), ListingRequest{Query: ".txt"}, func(iteminfo.FileRecord) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Zero(t, count)
}

func TestOpenFileAndStream(t *testing.T) {
	srv, fs := newTestServer(t)
	fs.CreateFile("misc/blob.unknownext", "??")

	handle, err := srv.OpenFile("videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", handle.ContentType)
	assert.Equal(t, "a.mp4", handle.Name)

	handle, err = srv.OpenFile("misc/blob.unknownext")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", handle.ContentType)

	_, err = srv.OpenFile("videos/missing.mp4")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = srv.OpenFile("videos")
	assert.ErrorIs(t, err, ErrNotFound)

	// a regular file in the parent position
	_, err = srv.OpenFile("documents/readme.txt/b.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = srv.StreamFile("documents/readme.txt/b.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = srv.Thumbnail(context.Background(), "documents/readme.txt/b.mp4")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = srv.OpenFile("../../etc/passwd")
	assert.ErrorIs(t, err, ErrPathViolation)

	_, err = srv.StreamFile("videos/sub/b.mkv")
	require.NoError(t, err)

	_, err = srv.StreamFile("documents/readme.txt")
	assert.ErrorIs(t, err, ErrNotAVideo)
	assert.True(t, IsValidation(err))
}

type fakeThumbnailer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeThumbnailer) GetOrCreate(_ context.Context, source string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, source)
	return source + ".jpg", nil
}

func TestThumbnail(t *testing.T) {
	srv, fs := newTestServer(t)
	ctx := context.Background()

	_, err := srv.Thumbnail(ctx, "videos/a.mp4")
	require.Error(t, err, "thumbnails disabled")

	fake := &fakeThumbnailer{}
	srv.EnableThumbnails(fake)

	got, err := srv.Thumbnail(ctx, "videos/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, fs.Path("videos/a.mp4")+".jpg", got)

	_, err = srv.Thumbnail(ctx, "videos/none.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = srv.Thumbnail(ctx, "../x.mp4")
	assert.ErrorIs(t, err, ErrPathViolation)
	assert.Len(t, fake.calls, 1, "rejected requests never reach the cache")
}

func TestCreateFolder(t *testing.T) {
	srv, fs := newTestServer(t)
	ctx := context.Background()

	rel, err := srv.CreateFolder(ctx, "videos", "new")
	require.NoError(t, err)
	assert.Equal(t, "videos/new", rel)
	assert.DirExists(t, fs.Path("videos/new"))

	rel, err = srv.CreateFolder(ctx, "deep/er", "x")
	require.NoError(t, err)
	assert.Equal(t, "deep/er/x", rel)

	// existing folder is fine
	_, err = srv.CreateFolder(ctx, "videos", "new")
	require.NoError(t, err)

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err = srv.CreateFolder(ctx, "videos", bad)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", bad)
	}
	_, err = srv.CreateFolder(ctx, "../..", "x")
	assert.ErrorIs(t, err, ErrPathViolation)
}

func TestSaveUpload(t *testing.T) {
	srv, fs := newTestServer(t)
	ctx := context.Background()

	rel, n, err := srv.SaveUpload(ctx, strings.NewReader("hello"), "uploads/today", "greeting.txt", "user1")
	require.NoError(t, err)
	assert.Equal(t, "uploads/today/greeting.txt", rel)
	assert.Equal(t, int64(5), n)
	data, err := os.ReadFile(fs.Path("uploads/today/greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// client-side paths are reduced to the base name
	rel, _, err = srv.SaveUpload(ctx, strings.NewReader("x"), "", `C:\Users\me\evil.txt`, "user1")
	require.NoError(t, err)
	assert.Equal(t, "evil.txt", rel)
	rel, _, err = srv.SaveUpload(ctx, strings.NewReader("x"), "", "../../escape.txt", "user1")
	require.NoError(t, err)
	assert.Equal(t, "escape.txt", rel)

	// overwrite is last-writer-wins
	_, _, err = srv.SaveUpload(ctx, strings.NewReader("second"), "uploads/today", "greeting.txt", "user1")
	require.NoError(t, err)
	data, err = os.ReadFile(fs.Path("uploads/today/greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	_, _, err = srv.SaveUpload(ctx, strings.NewReader("x"), "uploads", "", "user1")
	assert.ErrorIs(t, err, ErrMissingFilename)

	_, _, err = srv.SaveUpload(ctx, strings.NewReader("x"), "../outside", "f.txt", "user1")
	assert.ErrorIs(t, err, ErrPathViolation)

	entries, err := os.ReadDir(fs.Path("uploads/today"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestSaveUploadCancelled(t *testing.T) {
	srv, fs := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := srv.SaveUpload(ctx, strings.NewReader("data"), "up", "f.txt", "user1")
	require.ErrorIs(t, err, context.Canceled)
	entries, err := os.ReadDir(fs.Path("up"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheDirIsNotAWalkStart(t *testing.T) {
	srv, fs := newTestServer(t)
	fs.CreateFile(".cache/0123abcd/thumbnail.jpg", "jpeg")
	ctx := context.Background()

	for _, path := range []string{".cache", "/.cache/", ".cache/0123abcd", "videos/../.cache"} {
		_, err := srv.ListDirectory(ctx, ListingRequest{Path: path, Limit: 25})
		assert.ErrorIs(t, err, ErrPathViolation, path)
		assert.True(t, IsValidation(err), path)

		_, err = srv.Search(ctx, ListingRequest{Path: path, Query: "thumbnail", Limit: 25})
		assert.ErrorIs(t, err, ErrPathViolation, path)

		_, err = srv.ListVideos(ctx, ListingRequest{Path: path, Recursive: true, Limit: 25})
		assert.ErrorIs(t, err, ErrPathViolation, path)

		_, err = srv.SearchStream(ctx, ListingRequest{Path: path, Query: "thumbnail"}, func(iteminfo.FileRecord) error { return nil })
		assert.ErrorIs(t, err, ErrPathViolation, path)
	}

	// a sibling sharing the prefix is an ordinary directory
	fs.CreateFile(".cache-old/notes.txt", "x")
	resp, err := srv.ListDirectory(ctx, ListingRequest{Path: ".cache-old", Limit: 25})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalFiles)

	resp, err = srv.Search(ctx, ListingRequest{Query: "thumbnail", Limit: 25})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.TotalFiles)
}
