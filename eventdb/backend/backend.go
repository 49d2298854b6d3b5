// Package backend abstracts the object storage under the event store.
// Paths are opaque, slash-separated and relative to the backend's base;
// callers must not parse them beyond the partition directory grammar.
package backend

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

var ErrDoesNotExist = errors.New("does not exist")

type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
)

// FileInfo describes one stored object.
type FileInfo struct {
	// Path is the full backend-relative path of the object.
	Path string
	// Name is the last path segment.
	Name string
	Size int64
}

// Backend is the uniform storage surface used by the writer, reader
// and compactor. Implementations are stateless with respect to
// mutation ordering: List is only eventually consistent on object
// stores and readers tolerate a newly written file not appearing for a
// bounded delay.
type Backend interface {
	// List returns the objects directly under prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)
	// ListPrefixes returns the names of the directories directly under
	// prefix, without trailing separators.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
	// Open streams an object. Returns ErrDoesNotExist for unknown paths.
	Open(ctx context.Context, path string) (io.ReadCloser, int64, error)
	// Write stores a fully-formed object. No partial object may ever be
	// visible under the final path.
	Write(ctx context.Context, path string, data io.Reader, size int64) error
	// Remove deletes an object. Removing a missing object is not an error.
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	BasePath() string
	Kind() Kind
	Shutdown()
}
