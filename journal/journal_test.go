package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	snapshotsync "github.com/wolfeidau/snapshot-sync"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndList(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	now := time.Now()
	entry := &Entry{
		StartedAt:  now,
		FinishedAt: now.Add(2 * time.Second),
		Outcome:    "refreshed",
		SourceURL:  "https://example.com/forecast.json",
		DataHash:   snapshotsync.HashBytes([]byte("ciphertext")),
	}

	require.NoError(t, j.Record(ctx, entry))
	require.NotEmpty(t, entry.ID)

	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, entry.ID, entries[0].ID)
	require.Equal(t, "refreshed", entries[0].Outcome)
	require.Equal(t, entry.DataHash, entries[0].DataHash)
}

func TestListNewestFirst(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	base := time.Now()
	for i, outcome := range []string{"refreshed", "unchanged", "fallback_network"} {
		require.NoError(t, j.Record(ctx, &Entry{
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Outcome:   outcome,
		}))
	}

	entries, err := j.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "fallback_network", entries[0].Outcome)
	require.Equal(t, "unchanged", entries[1].Outcome)
	require.Equal(t, "refreshed", entries[2].Outcome)
}

func TestListLimit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(ctx, &Entry{
			StartedAt: base.Add(time.Duration(i) * time.Second),
			Outcome:   "refreshed",
		}))
	}

	entries, err := j.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestLast(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	last, err := j.Last(ctx)
	require.NoError(t, err)
	require.Nil(t, last)

	base := time.Now()
	require.NoError(t, j.Record(ctx, &Entry{StartedAt: base, Outcome: "refreshed"}))
	require.NoError(t, j.Record(ctx, &Entry{StartedAt: base.Add(time.Second), Outcome: "fresh", Error: ""}))

	last, err = j.Last(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, "fresh", last.Outcome)
}

func TestRecordFailureDetails(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, &Entry{
		StartedAt: time.Now(),
		Outcome:   "fallback_decrypt",
		Error:     "decryption failed: signature verification failed",
	}))

	last, err := j.Last(ctx)
	require.NoError(t, err)
	require.Equal(t, "fallback_decrypt", last.Outcome)
	require.Contains(t, last.Error, "signature verification failed")
}
