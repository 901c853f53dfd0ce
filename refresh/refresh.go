// Package refresh orchestrates the snapshot pipeline: freshness gate,
// resilient fetch, change-aware decrypt decision, snapshot persistence,
// and fallback to a previously persisted snapshot on failure.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	snapshotsync "github.com/wolfeidau/snapshot-sync"
	"github.com/wolfeidau/snapshot-sync/journal"
	"github.com/wolfeidau/snapshot-sync/store"
	"github.com/wolfeidau/snapshot-sync/telemetry"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxAge is the freshness window for the cached snapshot.
const DefaultMaxAge = 24 * time.Hour

// Fetcher retrieves the remote ciphertext envelope.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SealerFunc validates key material and constructs the cryptographic
// handler. It is only called once the gate has decided a fetch is
// needed, so a fresh cache never requires valid keys; a configuration
// error from it fails the run immediately with no fallback.
type SealerFunc func() (snapshotsync.Sealer, error)

// Outcome classifies how a run terminated.
type Outcome int

const (
	// OutcomeFresh: snapshot within max-age, nothing done.
	OutcomeFresh Outcome = iota
	// OutcomeUnchanged: remote ciphertext digest matched the stored
	// hash; decryption skipped, check time advanced.
	OutcomeUnchanged
	// OutcomeRefreshed: full decrypt cycle, snapshot and metadata rewritten.
	OutcomeRefreshed
	// OutcomeFallbackNetwork: fetch failed, stale snapshot served.
	OutcomeFallbackNetwork
	// OutcomeFallbackDecrypt: decrypt or verify failed on fresh
	// ciphertext, stale snapshot served. Reported separately from
	// network fallbacks because it may indicate tampering or a key
	// mismatch rather than transient unavailability.
	OutcomeFallbackDecrypt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFresh:
		return "fresh"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeFallbackNetwork:
		return "fallback_network"
	case OutcomeFallbackDecrypt:
		return "fallback_decrypt"
	default:
		return "unknown"
	}
}

// Result reports a successful (possibly degraded) run.
type Result struct {
	Outcome      Outcome
	Age          time.Duration     // snapshot age at gate time, when one existed
	Hash         snapshotsync.Hash // ciphertext digest, when a fetch happened
	SnapshotPath string
	// FallbackErr is the pipeline error a fallback absorbed, nil otherwise.
	FallbackErr error
}

// Config holds the refresh pipeline configuration.
type Config struct {
	// SourceURL is the remote ciphertext endpoint.
	SourceURL string

	// MaxAge is the freshness window. Default 24h.
	MaxAge time.Duration

	// Logger for pipeline events.
	Logger *slog.Logger

	// Journal optionally records run outcomes. Recording failures are
	// logged, never fatal.
	Journal *journal.Journal
}

// Refresher runs the snapshot refresh pipeline. Concurrent in-process
// runs for the same store collapse into one via singleflight; runs in
// separate processes must be serialized by the caller.
type Refresher struct {
	cfg      Config
	store    *store.Store
	fetcher  Fetcher
	sealerFn SealerFunc
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
}

// New creates a Refresher.
func New(cfg Config, st *store.Store, fetcher Fetcher, sealerFn SealerFunc) *Refresher {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Refresher{
		cfg:      cfg,
		store:    st,
		fetcher:  fetcher,
		sealerFn: sealerFn,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Run executes one pipeline invocation. A degraded fallback is a
// success: the returned Result says what actually happened. An error is
// only returned when no usable snapshot could be produced or served.
func (r *Refresher) Run(ctx context.Context, force bool) (*Result, error) {
	v, err, _ := r.group.Do(r.store.SnapshotPath(), func() (any, error) {
		return r.run(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Refresher) run(ctx context.Context, force bool) (*Result, error) {
	start := r.now()

	result, err := r.runPipeline(ctx, force)

	duration := r.now().Sub(start)
	r.record(ctx, start, duration, result, err)

	return result, err
}

func (r *Refresher) runPipeline(ctx context.Context, force bool) (*Result, error) {
	now := r.now()

	gate, err := evaluateGate(ctx, r.store, r.cfg.MaxAge, force, now)
	if err != nil {
		return nil, err
	}

	switch gate.State {
	case StateFresh:
		r.logger.Info("snapshot is fresh, skipping refresh",
			"age", gate.Age.Round(time.Minute),
			"max_age", r.cfg.MaxAge,
		)
		return &Result{Outcome: OutcomeFresh, Age: gate.Age, SnapshotPath: r.store.SnapshotPath()}, nil

	case StateNoCache:
		r.logger.Info("no snapshot present, refresh required")

	case StateStale:
		r.logger.Info("snapshot is stale, refresh required",
			"age", gate.Age.Round(time.Minute),
			"max_age", r.cfg.MaxAge,
			"forced", force,
		)
	}

	// Key validation happens before any network or cryptographic call.
	// A configuration error is a caller error: fatal, no fallback.
	sealer, err := r.sealerFn()
	if err != nil {
		return nil, err
	}

	ciphertext, err := r.fetcher.Fetch(ctx, r.cfg.SourceURL)
	if err != nil {
		telemetry.RecordFetchAttempt(ctx, "failure")
		return r.fallback(ctx, gate, err)
	}
	telemetry.RecordFetchAttempt(ctx, "success")

	digest := snapshotsync.HashBytes(ciphertext)

	meta, err := r.store.LoadMetadata(ctx)
	if err != nil {
		// A corrupt sidecar is treated as no metadata: the cycle
		// proceeds as a first-ever fetch.
		r.logger.Warn("failed to load metadata, treating as first fetch", "error", err)
		meta = nil
	}

	exists, err := r.store.SnapshotExists(ctx)
	if err != nil {
		return r.fallback(ctx, gate, err)
	}

	if meta != nil && meta.DataHash == digest && exists {
		r.logger.Info("remote data unchanged, skipping decryption", "hash", digest.ShortString())

		meta.LastCheckTime = now
		if err := r.store.WriteMetadata(ctx, meta); err != nil {
			return r.fallback(ctx, gate, err)
		}

		return &Result{
			Outcome:      OutcomeUnchanged,
			Age:          gate.Age,
			Hash:         digest,
			SnapshotPath: r.store.SnapshotPath(),
		}, nil
	}

	if meta != nil && !meta.DataHash.IsZero() {
		r.logger.Info("remote data changed", "hash", digest.ShortString())
	} else {
		r.logger.Info("first fetch", "hash", digest.ShortString())
	}

	plaintext, err := sealer.DecryptAndVerify(strings.TrimSpace(string(ciphertext)))
	if err != nil {
		telemetry.RecordDecrypt(ctx, "failure")
		return r.fallback(ctx, gate, err)
	}
	telemetry.RecordDecrypt(ctx, "success")

	if err := r.store.WriteSnapshot(ctx, plaintext); err != nil {
		return r.fallback(ctx, gate, err)
	}

	newMeta := &store.Metadata{
		LastFetchTime:    now,
		LastCheckTime:    now,
		DataHash:         digest,
		SourceSizeBytes:  int64(len(ciphertext)),
		SourceURL:        r.cfg.SourceURL,
		CacheMaxAgeHours: r.cfg.MaxAge.Hours(),
	}
	if err := r.store.WriteMetadata(ctx, newMeta); err != nil {
		return r.fallback(ctx, gate, err)
	}

	r.logger.Info("snapshot refreshed",
		"path", r.store.SnapshotPath(),
		"hash", digest.ShortString(),
		"source_bytes", len(ciphertext),
	)

	return &Result{
		Outcome:      OutcomeRefreshed,
		Age:          gate.Age,
		Hash:         digest,
		SnapshotPath: r.store.SnapshotPath(),
	}, nil
}

// fallback converts a pipeline failure into a degraded success when a
// previously produced snapshot of any age exists. Availability wins
// over freshness once something trustworthy has ever been persisted;
// with nothing to serve, the failure propagates.
func (r *Refresher) fallback(ctx context.Context, gate GateDecision, cause error) (*Result, error) {
	exists, existsErr := r.store.SnapshotExists(ctx)
	if existsErr != nil {
		return nil, cause
	}
	if !exists {
		return nil, fmt.Errorf("%w: %w", snapshotsync.ErrNoSnapshot, cause)
	}

	outcome := OutcomeFallbackNetwork
	if snapshotsync.IsDecryptionError(cause) {
		// A verification failure on freshly fetched ciphertext is not a
		// transient outage: it may be tampering or a key mismatch, so it
		// is surfaced at error level and counted separately.
		outcome = OutcomeFallbackDecrypt
		r.logger.Error("decrypt failed on fetched data, serving stale snapshot",
			"age", gate.Age.Round(time.Minute),
			"error", cause,
		)
		telemetry.RecordFallback(ctx, "decryption")
	} else {
		r.logger.Warn("refresh failed, serving stale snapshot",
			"age", gate.Age.Round(time.Minute),
			"error", cause,
		)
		telemetry.RecordFallback(ctx, "network")
	}

	return &Result{
		Outcome:      outcome,
		Age:          gate.Age,
		SnapshotPath: r.store.SnapshotPath(),
		FallbackErr:  cause,
	}, nil
}

// record writes the run to the journal and metrics, best effort.
func (r *Refresher) record(ctx context.Context, start time.Time, duration time.Duration, result *Result, runErr error) {
	outcome := "failed"
	var hash snapshotsync.Hash
	var errText string

	if result != nil {
		outcome = result.Outcome.String()
		hash = result.Hash
		if result.FallbackErr != nil {
			errText = result.FallbackErr.Error()
		}
	} else if runErr != nil {
		errText = runErr.Error()
	}

	telemetry.RecordRun(ctx, outcome, duration)

	if r.cfg.Journal == nil {
		return
	}

	entry := &journal.Entry{
		StartedAt:  start,
		FinishedAt: start.Add(duration),
		Outcome:    outcome,
		Error:      errText,
		SourceURL:  r.cfg.SourceURL,
		DataHash:   hash,
	}
	if err := r.cfg.Journal.Record(ctx, entry); err != nil {
		r.logger.Warn("failed to record run in journal", "error", err)
	}
}
