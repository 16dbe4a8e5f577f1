package fileserver

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/mordilloSan/filepi/fileserver/iteminfo"
)

// WalkOptions selects one of the traversal modes.
type WalkOptions struct {
	Recursive   bool                           // descend into subdirectories
	IncludeDirs bool                           // emit directories as records; when false only regular files are emitted
	Match       func(iteminfo.FileRecord) bool // optional predicate, nil accepts everything
	Exclude     []string                       // absolute paths skipped entirely
}

// ShallowOptions lists one directory level, directories and files alike.
func ShallowOptions() WalkOptions {
	return WalkOptions{IncludeDirs: true}
}

// VideoOptions lists video files, descending only when recursive is set.
func VideoOptions(recursive bool) WalkOptions {
	return WalkOptions{
		Recursive: recursive,
		Match: func(r iteminfo.FileRecord) bool {
			return iteminfo.IsVideo(r.Type())
		},
	}
}

// SearchOptions lists files whose name matches q anywhere below the start directory.
func SearchOptions(q iteminfo.NameQuery) WalkOptions {
	return WalkOptions{
		Recursive: true,
		Match: func(r iteminfo.FileRecord) bool {
			return q.Matches(r.Name)
		},
	}
}

// Walk lazily yields projected records below dir. full_name is relative to dir.
// Symlinks are projected from their target but never descended into.
// The first I/O failure is yielded as a *TraversalError and ends the walk.
func Walk(ctx context.Context, dir string, opts WalkOptions) iter.Seq2[iteminfo.FileRecord, error] {
	return func(yield func(iteminfo.FileRecord, error) bool) {
		w := walker{ctx: ctx, base: dir, opts: opts, yield: yield}
		w.walkDir(dir)
	}
}

type walker struct {
	ctx   context.Context
	base  string
	opts  WalkOptions
	yield func(iteminfo.FileRecord, error) bool
}

func (w *walker) fail(path string, err error) bool {
	w.yield(iteminfo.FileRecord{}, &TraversalError{Path: w.relative(path), Err: err})
	return false
}

func (w *walker) relative(path string) string {
	rel, err := filepath.Rel(w.base, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// walkDir returns false once the walk must stop, either on error or because the consumer quit.
func (w *walker) walkDir(dir string) bool {
	if err := w.ctx.Err(); err != nil {
		return w.fail(dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return w.fail(dir, err)
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if slices.Contains(w.opts.Exclude, full) {
			continue
		}

		isSymlink := entry.Type()&fs.ModeSymlink != 0
		info, err := os.Stat(full)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return w.fail(full, err)
			}
			if !isSymlink {
				// removed since ReadDir
				continue
			}
			// dangling symlink, keep the link itself
			if info, err = entry.Info(); err != nil {
				continue
			}
		}

		record := iteminfo.Project(entry.Name(), w.relative(full), info)
		if info.IsDir() {
			if w.opts.IncludeDirs && w.accept(record) {
				if !w.yield(record, nil) {
					return false
				}
			}
			if w.opts.Recursive && !isSymlink {
				if !w.walkDir(full) {
					return false
				}
			}
			continue
		}

		if !w.opts.IncludeDirs && !info.Mode().IsRegular() {
			continue
		}
		if w.accept(record) {
			if !w.yield(record, nil) {
				return false
			}
		}
	}
	return true
}

func (w *walker) accept(r iteminfo.FileRecord) bool {
	return w.opts.Match == nil || w.opts.Match(r)
}

// collect drains a walk. It is all-or-nothing: on error no records are returned.
func collect(seq iter.Seq2[iteminfo.FileRecord, error]) ([]iteminfo.FileRecord, error) {
	records := []iteminfo.FileRecord{}
	for record, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
