package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// MockFileSystem builds a throwaway directory tree to serve as a root.
type MockFileSystem struct {
	Root string
	t    *testing.T
}

// NewMockFileSystem creates a mock root under t.TempDir; it is removed when the test ends.
func NewMockFileSystem(t *testing.T) *MockFileSystem {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	return &MockFileSystem{Root: root, t: t}
}

// Path returns the absolute path of rel inside the mock root.
func (m *MockFileSystem) Path(rel string) string {
	return filepath.Join(m.Root, filepath.FromSlash(rel))
}

// CreateDir creates a directory in the mock filesystem
func (m *MockFileSystem) CreateDir(path string) {
	m.t.Helper()
	if err := os.MkdirAll(m.Path(path), 0o755); err != nil {
		m.t.Fatalf("Failed to create directory %s: %v", path, err)
	}
}

// CreateFile creates a file with the given content
func (m *MockFileSystem) CreateFile(path string, content string) {
	m.t.Helper()
	fullPath := m.Path(path)
	m.ensureParent(fullPath)
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		m.t.Fatalf("Failed to create file %s: %v", path, err)
	}
}

// CreateSizedFile creates a sparse file of exactly size bytes.
func (m *MockFileSystem) CreateSizedFile(path string, size int64) {
	m.t.Helper()
	fullPath := m.Path(path)
	m.ensureParent(fullPath)
	f, err := os.Create(fullPath)
	if err != nil {
		m.t.Fatalf("Failed to create file %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	if err := f.Truncate(size); err != nil {
		m.t.Fatalf("Failed to size file %s: %v", path, err)
	}
}

// CreateSymlink links linkPath to target, both relative to the mock root.
func (m *MockFileSystem) CreateSymlink(target, linkPath string) {
	m.t.Helper()
	m.CreateSymlinkTo(m.Path(target), linkPath)
}

// CreateSymlinkTo links linkPath to an arbitrary absolute target, which may lie outside the root.
func (m *MockFileSystem) CreateSymlinkTo(absTarget, linkPath string) {
	m.t.Helper()
	fullLink := m.Path(linkPath)
	m.ensureParent(fullLink)
	if err := os.Symlink(absTarget, fullLink); err != nil {
		m.t.Fatalf("Failed to create symlink %s -> %s: %v", linkPath, absTarget, err)
	}
}

// SetModTime sets both access and modification time of path.
func (m *MockFileSystem) SetModTime(path string, mtime time.Time) {
	m.t.Helper()
	if err := os.Chtimes(m.Path(path), mtime, mtime); err != nil {
		m.t.Fatalf("Failed to set times on %s: %v", path, err)
	}
}

// GetFileSize returns the size of a file in the mock filesystem
func (m *MockFileSystem) GetFileSize(path string) int64 {
	m.t.Helper()
	info, err := os.Stat(m.Path(path))
	if err != nil {
		m.t.Fatalf("Failed to stat file %s: %v", path, err)
	}
	return info.Size()
}

func (m *MockFileSystem) ensureParent(fullPath string) {
	m.t.Helper()
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		m.t.Fatalf("Failed to create parent dir for %s: %v", fullPath, err)
	}
}

// CreateStandardTestStructure lays out a small media library:
//
//	videos/a.mp4 (5 MB), videos/sub/b.mkv (2 MB), videos/sub/notes.txt
//	documents/Report.PDF, documents/readme.txt, documents/archive/2023/report-jan.txt
//	photos/image1.jpg, photos/image2.png
//	empty/
func (m *MockFileSystem) CreateStandardTestStructure() {
	m.t.Helper()
	m.CreateSizedFile("videos/a.mp4", 5*1024*1024)
	m.CreateSizedFile("videos/sub/b.mkv", 2*1024*1024)
	m.CreateFile("videos/sub/notes.txt", "scene notes")

	m.CreateFile("documents/Report.PDF", "PDF content")
	m.CreateFile("documents/readme.txt", "This is a readme file")
	m.CreateFile("documents/archive/2023/report-jan.txt", "January data")

	m.CreateFile("photos/image1.jpg", "JPEG data")
	m.CreateFile("photos/image2.png", "PNG data")

	m.CreateDir("empty")
}
