package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	snapshotsync "github.com/wolfeidau/snapshot-sync"
	"github.com/wolfeidau/snapshot-sync/backend"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "snapshot.json", "snapshot_metadata.json")
	require.NoError(t, err)
	return s
}

func TestSnapshotWriteRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteSnapshot(ctx, []byte(`{"prices":[1.5,2.5]}`)))

	got, err := s.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"prices":[1.5,2.5]}`, string(got))

	// Written content is indented.
	raw, err := os.ReadFile(s.SnapshotPath())
	require.NoError(t, err)
	require.Contains(t, string(raw), "\n  ")
}

func TestSnapshotExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.SnapshotExists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.WriteSnapshot(ctx, []byte(`[]`)))

	exists, err = s.SnapshotExists(ctx)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestSnapshotAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SnapshotAge(ctx, time.Now())
	require.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, s.WriteSnapshot(ctx, []byte(`[]`)))

	// Backdate the file to 10 hours ago.
	mtime := time.Now().Add(-10 * time.Hour)
	require.NoError(t, os.Chtimes(s.SnapshotPath(), mtime, mtime))

	age, err := s.SnapshotAge(ctx, time.Now())
	require.NoError(t, err)
	require.InDelta(t, 10*time.Hour, age, float64(time.Minute))
}

func TestWriteSnapshotRejectsInvalidJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WriteSnapshot(ctx, []byte(`{broken`))
	require.Error(t, err)

	exists, err := s.SnapshotExists(ctx)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	meta := &Metadata{
		LastFetchTime:    now,
		LastCheckTime:    now,
		DataHash:         snapshotsync.HashBytes([]byte("ciphertext")),
		SourceSizeBytes:  1234,
		SourceURL:        "https://example.com/forecast.json",
		CacheMaxAgeHours: 24,
	}

	require.NoError(t, s.WriteMetadata(ctx, meta))

	got, err := s.LoadMetadata(ctx)
	require.NoError(t, err)
	require.True(t, got.LastFetchTime.Equal(meta.LastFetchTime))
	require.True(t, got.LastCheckTime.Equal(meta.LastCheckTime))
	require.Equal(t, meta.DataHash, got.DataHash)
	require.Equal(t, meta.SourceSizeBytes, got.SourceSizeBytes)
	require.Equal(t, meta.SourceURL, got.SourceURL)
	require.Equal(t, meta.CacheMaxAgeHours, got.CacheMaxAgeHours)
}

func TestMetadataISO8601Timestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteMetadata(ctx, &Metadata{
		LastFetchTime: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}))

	raw, err := os.ReadFile(s.MetadataPath())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.Equal(t, "2026-03-14T09:26:53Z", fields["last_fetch_time"])
}

func TestLoadMetadataAbsent(t *testing.T) {
	s := newTestStore(t)

	meta, err := s.LoadMetadata(context.Background())
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestLoadMetadataCorrupt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(s.MetadataPath(), []byte("{broken"), 0644))

	_, err := s.LoadMetadata(ctx)
	require.Error(t, err)
}
