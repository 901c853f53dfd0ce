// Package journal keeps a durable record of refresh pipeline runs in a
// bbolt database. Each run appends one entry; entries are never mutated.
// The journal is optional supporting infrastructure: a failure to record
// a run must not fail the run itself.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	snapshotsync "github.com/wolfeidau/snapshot-sync"
	"go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs") // timestamp+id -> Entry JSON

// Entry records the outcome of one pipeline run.
type Entry struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Outcome    string            `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	SourceURL  string            `json:"source_url,omitempty"`
	DataHash   snapshotsync.Hash `json:"data_hash,omitempty"`
}

// Journal is a bbolt-backed run log.
type Journal struct {
	db *bbolt.DB
}

// Open opens (or creates) the journal database at the given path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating runs bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends a run entry. If the entry has no ID one is assigned.
func (j *Journal) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if err := b.Put(makeRunKey(entry.StartedAt, entry.ID), data); err != nil {
			return fmt.Errorf("writing entry: %w", err)
		}
		return nil
	})
}

// List returns up to limit entries, newest first. A limit of zero or
// less returns all entries.
func (j *Journal) List(ctx context.Context, limit int) ([]*Entry, error) {
	var entries []*Entry

	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Last returns the most recent entry, or nil if the journal is empty.
func (j *Journal) Last(ctx context.Context) (*Entry, error) {
	entries, err := j.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// makeRunKey creates a lexicographically ordered key for a run.
// Format: [8-byte big-endian unix nanos][id]
func makeRunKey(startedAt time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], uint64(startedAt.UnixNano())) //nolint:gosec // run timestamps are post-1970
	copy(key[8:], id)
	return key
}
