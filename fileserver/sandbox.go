package fileserver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Resolve joins rel to root and proves the result stays under root.
// The check is lexical; symlinks are not resolved. root must be clean and absolute.
func Resolve(root, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathViolation, rel)
	}
	trimmed := strings.TrimLeft(rel, `/\`)
	cleaned := filepath.Clean(trimmed)
	abs := filepath.Join(root, cleaned)
	if !within(root, abs) {
		return "", fmt.Errorf("%w: %q", ErrPathViolation, rel)
	}
	return abs, nil
}

// within reports whether path equals root or lies below it, comparing whole segments.
func within(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// Sandbox confines paths to one root directory.
type Sandbox struct {
	root           string
	realRoot       string
	strictSymlinks bool
}

// NewSandbox builds a sandbox for root. With strictSymlinks, paths whose real
// location escapes the root through a symlink are rejected too.
func NewSandbox(root string, strictSymlinks bool) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	realRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: abs, realRoot: realRoot, strictSymlinks: strictSymlinks}, nil
}

// Root returns the absolute root directory.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve confines rel to the sandbox root.
func (s *Sandbox) Resolve(rel string) (string, error) {
	abs, err := Resolve(s.root, rel)
	if err != nil {
		return "", err
	}
	if !s.strictSymlinks {
		return abs, nil
	}
	real, err := realPath(abs)
	if err != nil {
		return "", err
	}
	if !within(s.realRoot, real) {
		return "", fmt.Errorf("%w: %q escapes through a symlink", ErrPathViolation, rel)
	}
	return abs, nil
}

// Relative converts an absolute path under the root back to a slash separated relative path.
func (s *Sandbox) Relative(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// realPath resolves symlinks in the deepest existing ancestor of path and
// re-appends the parts that do not exist yet.
func realPath(path string) (string, error) {
	var missing []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		// a dangling symlink has no real location to check
		if info, lerr := os.Lstat(current); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: dangling symlink %q", ErrPathViolation, current)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}
