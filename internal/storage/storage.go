// Package storage centralizes filesystem access behind a small capability
// interface so request handlers never touch the disk directly and tests can
// substitute an in-memory implementation.
package storage

import (
	"errors"
	"io"
)

// ErrNotFound is returned when a requested path does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrExists is returned by WriteNew when the path is already present.
var ErrExists = errors.New("storage: already exists")

// Storage is the filesystem capability surface used by the ingest and
// delivery paths. Paths are slash-separated and relative to the store root.
type Storage interface {
	// Exists reports whether the path exists.
	Exists(path string) bool

	// Read returns the full content at path, or ErrNotFound.
	Read(path string) ([]byte, error)

	// Open returns a reader for the content at path, or ErrNotFound.
	Open(path string) (io.ReadCloser, error)

	// Write replaces the content at path, creating parent directories as
	// needed. Writing the same path twice is last-write-wins.
	Write(path string, data []byte) error

	// WriteFrom streams r to path. Same semantics as Write.
	WriteFrom(path string, r io.Reader) (int64, error)

	// WriteNew creates the file at path only if it does not already exist,
	// returning ErrExists otherwise. The create is atomic with respect to
	// concurrent WriteNew calls for the same path.
	WriteNew(path string, data []byte) error

	// Append appends data to the file at path, creating it if absent.
	Append(path string, data []byte) error

	// Delete removes the file or directory tree at path. Deleting a missing
	// path is not an error.
	Delete(path string) error

	// List returns the names (not full paths) of entries directly under the
	// directory at path. A missing directory yields an empty list.
	List(path string) ([]string, error)

	// Size returns the content length at path, or ErrNotFound.
	Size(path string) (int64, error)
}
