// Package backend provides the storage abstraction the snapshot pipeline
// writes through. Writes are always complete replacements: a reader never
// observes a partially written snapshot or metadata file.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// FileInfo describes a stored artifact.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// Backend is the interface for snapshot storage backends. Artifacts are
// small whole files (a snapshot and its metadata sidecar), so the API is
// byte-oriented rather than streaming.
type Backend interface {
	// WriteFile stores data at the given key, replacing any existing
	// content in a single atomic step.
	WriteFile(ctx context.Context, key string, data []byte) error

	// ReadFile retrieves the content at the given key.
	// Returns ErrNotFound if the key does not exist.
	ReadFile(ctx context.Context, key string) ([]byte, error)

	// Stat returns size and modification time for the given key.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (*FileInfo, error)

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the content at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error
}
