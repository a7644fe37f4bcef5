package server

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFilename is returned for client filenames that cannot be used
	// as a single path component.
	ErrInvalidFilename = errors.New("invalid filename")

	// ErrUploadInterrupted wraps failures reading the request body: client
	// disconnects, body size limits and cancelled contexts.
	ErrUploadInterrupted = errors.New("upload interrupted")
)

// DuplicateFileError reports that the destination file already exists.
type DuplicateFileError struct {
	Filename string
}

func (e *DuplicateFileError) Error() string {
	return fmt.Sprintf("file %q already exists", e.Filename)
}

// StorageWriteError reports an I/O failure while persisting bytes or
// registering the record that points at them.
type StorageWriteError struct {
	Op   string // open, write, sync, close, insert
	Path string
	Err  error
}

func (e *StorageWriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }
