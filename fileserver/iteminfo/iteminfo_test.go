package iteminfo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMimeType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"movie.mp4", "video/mp4"},
		{"MOVIE.MKV", "video/x-matroska"},
		{"clip.webm", "video/webm"},
		{"photo.JPG", "image/jpeg"},
		{"Report.PDF", "application/pdf"},
		{"archive.tar.gz", "application/gzip"},
		{"noext", ""},
		{"weird.xyz123", ""},
		{".hidden", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MimeType(tt.name))
		})
	}
}

func TestIsVideoAndImage(t *testing.T) {
	assert.True(t, IsVideo("video/mp4"))
	assert.False(t, IsVideo("audio/mpeg"))
	assert.False(t, IsVideo(""))
	assert.True(t, IsImage("image/png"))
	assert.False(t, IsImage("video/mp4"))
}

func TestProject(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(file, []byte("12345"), 0o644))
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(file, mtime, mtime))
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	unknown := filepath.Join(dir, "data.unknownext")
	require.NoError(t, os.WriteFile(unknown, []byte("x"), 0o644))

	info, err := os.Stat(file)
	require.NoError(t, err)
	rec := Project("clip.mp4", "videos/clip.mp4", info)
	assert.Equal(t, "clip.mp4", rec.Name)
	assert.Equal(t, "videos/clip.mp4", rec.FullName)
	assert.Equal(t, int64(5), rec.Size)
	assert.False(t, rec.IsDirectory)
	assert.Equal(t, mtime.UnixMilli(), rec.ModifiedTime)
	assert.NotZero(t, rec.CreatedTime)
	require.NotNil(t, rec.FileType)
	assert.Equal(t, "video/mp4", *rec.FileType)
	assert.Equal(t, DefaultOwner, rec.Owner)

	info, err = os.Stat(sub)
	require.NoError(t, err)
	rec = Project("sub", "sub", info)
	assert.True(t, rec.IsDirectory)
	assert.Nil(t, rec.FileType)
	assert.Zero(t, rec.Size)

	info, err = os.Stat(unknown)
	require.NoError(t, err)
	rec = Project("data.unknownext", "data.unknownext", info)
	assert.Nil(t, rec.FileType)
	assert.Equal(t, "", rec.Type())
}

func TestFileRecordJSON(t *testing.T) {
	rec := FileRecord{Name: "d", FullName: "d", IsDirectory: true, Owner: DefaultOwner}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"name", "full_name", "size", "is_directory", "created_time", "modified_time", "file_type", "owner"} {
		assert.Contains(t, decoded, key)
	}
	assert.Nil(t, decoded["file_type"])
}

func TestNameQuery(t *testing.T) {
	q, ok := ParseQuery("rep")
	require.True(t, ok)
	assert.True(t, q.Matches("Report.PDF"))
	assert.True(t, q.Matches("my_REPORT"))
	assert.False(t, q.Matches("summary.txt"))

	q, ok = ParseQuery("  REP ")
	require.True(t, ok)
	assert.True(t, q.Matches("report.pdf"))

	_, ok = ParseQuery("   ")
	assert.False(t, ok)
}

func TestNewListingResponse(t *testing.T) {
	resp := NewListingResponse(3, nil, 10, 5)
	assert.Equal(t, 3, resp.TotalFiles)
	assert.NotNil(t, resp.Files)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_files":3,"files":[],"skip":10,"limit":5}`, string(data))
}
