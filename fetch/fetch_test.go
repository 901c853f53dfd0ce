package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	snapshotsync "github.com/wolfeidau/snapshot-sync"
)

func newTestClient(opts ...Option) (*Client, *[]time.Duration) {
	var delays []time.Duration
	c := New(append([]Option{
		WithInitialDelay(10 * time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)...)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ciphertext envelope"))
	}))
	defer srv.Close()

	c, delays := newTestClient()

	body, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext envelope"), body)
	require.Empty(t, *delays)
}

func TestFetchGzipResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("compressed envelope"))
		_ = gz.Close()
	}))
	defer srv.Close()

	c, _ := newTestClient()

	body, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("compressed envelope"), body)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, delays := newTestClient(WithMaxRetries(3))

	body, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), body)

	// N failures then success: N+1 total attempts, delays double.
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
}

func TestFetchExhaustsRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, delays := newTestClient(WithMaxRetries(3))

	_, err := c.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var exhausted *snapshotsync.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 3, exhausted.Attempts)
	require.NotNil(t, exhausted.Err)

	require.Equal(t, int32(3), attempts.Load())
	// Delay is only waited between attempts, never after the final one.
	require.Len(t, *delays, 2)
}

func TestFetchClientErrorAbortsImmediately(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		var attempts atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(status)
		}))

		c, delays := newTestClient(WithMaxRetries(3))

		_, err := c.Fetch(context.Background(), srv.URL)
		require.Error(t, err)
		require.True(t, snapshotsync.IsClientError(err), "status %d", status)

		var clientErr *snapshotsync.ClientError
		require.True(t, errors.As(err, &clientErr))
		require.Equal(t, status, clientErr.StatusCode)

		require.Equal(t, int32(1), attempts.Load(), "status %d should abort after one attempt", status)
		require.Empty(t, *delays)

		srv.Close()
	}
}

func TestFetchDelayCappedAtMax(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, delays := newTestClient(
		WithMaxRetries(5),
		WithInitialDelay(10*time.Millisecond),
		WithMaxDelay(25*time.Millisecond),
	)

	_, err := c.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	require.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		25 * time.Millisecond,
		25 * time.Millisecond,
	}, *delays)
}

func TestFetchNetworkErrorIsRetryable(t *testing.T) {
	// Server that is immediately closed produces a transport error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, delays := newTestClient(WithMaxRetries(2))

	_, err := c.Fetch(context.Background(), url)
	require.Error(t, err)

	var exhausted *snapshotsync.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, *delays, 1)
}

func TestFetchContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(
		WithMaxRetries(3),
		WithInitialDelay(10*time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}
