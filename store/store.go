// Package store persists the plaintext snapshot and its metadata sidecar.
// Both files live in the same directory and are written as single
// complete replacements; a failed refresh cycle never touches the
// existing snapshot.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	snapshotsync "github.com/wolfeidau/snapshot-sync"
	"github.com/wolfeidau/snapshot-sync/backend"
)

// Metadata is the sidecar record written alongside the snapshot.
// Timestamps serialize in ISO-8601 form.
type Metadata struct {
	// LastFetchTime is when the last full decrypt cycle completed.
	LastFetchTime time.Time `json:"last_fetch_time"`

	// LastCheckTime is when the remote source was last checked, even if
	// decryption was skipped.
	LastCheckTime time.Time `json:"last_check_time"`

	// DataHash is the digest of the ciphertext that produced the
	// current snapshot.
	DataHash snapshotsync.Hash `json:"data_hash"`

	// SourceSizeBytes is the size of the fetched ciphertext.
	SourceSizeBytes int64 `json:"source_size_bytes"`

	// SourceURL is where the ciphertext was fetched from.
	SourceURL string `json:"source_url"`

	// CacheMaxAgeHours is the freshness window in effect for the cycle.
	CacheMaxAgeHours float64 `json:"cache_max_age_hours"`
}

// Store reads and writes the snapshot and metadata files.
type Store struct {
	fs          *backend.Filesystem
	snapshotKey string
	metadataKey string
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir, snapshotFile, metadataFile string) (*Store, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &Store{
		fs:          fs,
		snapshotKey: snapshotFile,
		metadataKey: metadataFile,
	}, nil
}

// SnapshotExists reports whether a snapshot file is present.
func (s *Store) SnapshotExists(ctx context.Context) (bool, error) {
	return s.fs.Exists(ctx, s.snapshotKey)
}

// SnapshotAge returns the age of the snapshot file based on its
// modification time. Returns backend.ErrNotFound if no snapshot exists.
func (s *Store) SnapshotAge(ctx context.Context, now time.Time) (time.Duration, error) {
	info, err := s.fs.Stat(ctx, s.snapshotKey)
	if err != nil {
		return 0, err
	}
	return now.Sub(info.ModTime), nil
}

// WriteSnapshot replaces the snapshot file with the given plaintext JSON,
// reformatted with stable indentation.
func (s *Store) WriteSnapshot(ctx context.Context, plaintext []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, plaintext, "", "  "); err != nil {
		return fmt.Errorf("formatting snapshot: %w", err)
	}
	if err := s.fs.WriteFile(ctx, s.snapshotKey, buf.Bytes()); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot returns the current snapshot content.
// Returns backend.ErrNotFound if no snapshot exists.
func (s *Store) ReadSnapshot(ctx context.Context) (json.RawMessage, error) {
	data, err := s.fs.ReadFile(ctx, s.snapshotKey)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// LoadMetadata returns the metadata sidecar, or (nil, nil) when it does
// not exist. A corrupt sidecar returns an error; callers treat that the
// same as no metadata after logging it.
func (s *Store) LoadMetadata(ctx context.Context) (*Metadata, error) {
	data, err := s.fs.ReadFile(ctx, s.metadataKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &meta, nil
}

// WriteMetadata replaces the metadata sidecar.
func (s *Store) WriteMetadata(ctx context.Context, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := s.fs.WriteFile(ctx, s.metadataKey, data); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// SnapshotPath returns the absolute path of the snapshot file.
func (s *Store) SnapshotPath() string {
	return filepath.Join(s.fs.Root(), s.snapshotKey)
}

// MetadataPath returns the absolute path of the metadata file.
func (s *Store) MetadataPath() string {
	return filepath.Join(s.fs.Root(), s.metadataKey)
}
