// Package storage defines the Backend interface for file content and the
// extension router that decides which daemon owns a file.
package storage

import (
	"context"
	"io"
	"io/fs"
	"syscall"
)

// Backends wrap these so callers can match with errors.Is without the
// backend packages importing this one.
var (
	// ErrNotFound is returned when an object or directory does not exist.
	ErrNotFound = fs.ErrNotExist
	// ErrNotDir is returned when List targets something that is not a directory.
	ErrNotDir error = syscall.ENOTDIR
)

// Backend is the interface for content storage backends.
// Keys are absolute paths after '~' expansion and root rewriting.
type Backend interface {
	// GetObject opens an object for reading and returns its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject creates or truncates the object at key and writes body
	// into it, creating parent directories as needed.
	PutObject(ctx context.Context, key string, body io.Reader) (int64, error)

	// DeleteObject removes an object. Returns ErrNotFound if absent.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key. Absence is
	// (false, nil); an error means the backend could not tell.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// List returns the names of the entries directly under dir whose
	// name ends with suffix, sorted by name.
	List(ctx context.Context, dir, suffix string) ([]string, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
