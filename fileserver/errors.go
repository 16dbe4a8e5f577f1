package fileserver

import (
	"errors"
	"fmt"

	"github.com/mordilloSan/filepi/fileserver/iteminfo"
)

var (
	// ErrPathViolation is returned when a path resolves outside the root.
	ErrPathViolation = errors.New("path is outside of root directory")
	// ErrNotFound is returned when a requested file does not exist or is not a regular file.
	ErrNotFound = errors.New("file not found")
	// ErrNotAVideo is returned when a streamed file does not have a video mime type.
	ErrNotAVideo = errors.New("file is not a video")
	// ErrInvalidSortField is returned for a sort_by value outside the whitelist.
	ErrInvalidSortField = iteminfo.ErrInvalidSortField
	// ErrMissingFilename is returned when an upload carries no file name.
	ErrMissingFilename = errors.New("no file selected")
	// ErrInvalidName is returned for folder or file names that are empty or contain separators.
	ErrInvalidName = errors.New("invalid name")
	// ErrMissingQuery is returned when a search has no query.
	ErrMissingQuery = errors.New("query is required")
	// ErrRootNotFound is returned at startup when the root is not an existing directory.
	ErrRootNotFound = errors.New("root directory does not exist")
)

// TraversalError reports the directory a walk failed on.
type TraversalError struct {
	Path string // relative to the walk start
	Err  error
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("traversal failed at %q: %v", e.Path, e.Err)
}

func (e *TraversalError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is caused by bad client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrPathViolation) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrMissingFilename) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrMissingQuery) ||
		errors.Is(err, ErrNotAVideo)
}
