// Package fetch retrieves the remote snapshot envelope with bounded
// retries and exponential backoff. Client errors (401, 403, 404) are
// treated as permanent and abort immediately; everything else consumes
// an attempt and waits before the next try.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	snapshotsync "github.com/wolfeidau/snapshot-sync"
)

const (
	// DefaultTimeout bounds a single attempt, not the whole retry sequence.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the total number of attempts, including the first.
	DefaultMaxRetries = 3

	// DefaultInitialDelay is the wait after the first failed attempt.
	// The delay doubles after each subsequent failure.
	DefaultInitialDelay = 2 * time.Second

	// DefaultMaxDelay caps backoff growth so a large retry budget cannot
	// produce pathological waits.
	DefaultMaxDelay = 2 * time.Minute
)

// Client fetches a URL with retry and backoff.
type Client struct {
	client       *http.Client
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxRetries sets the total number of attempts, including the first.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialDelay sets the delay after the first failed attempt.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Client) {
		c.initialDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithLogger sets the logger for retry events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a fetch client.
func New(opts ...Option) *Client {
	c := &Client{
		client:       &http.Client{Timeout: DefaultTimeout},
		maxRetries:   DefaultMaxRetries,
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		logger:       slog.Default(),
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves url, retrying transient failures up to the configured
// attempt budget. The delay doubles after each failed attempt, capped at
// the max delay, and is only waited between attempts. A permanent client
// error propagates immediately; an exhausted budget returns an
// ExhaustedError wrapping the last observed error.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	delay := c.initialDelay
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		c.logger.Info("fetching snapshot", "url", url, "attempt", attempt, "max_attempts", c.maxRetries)

		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			c.logger.Info("fetched snapshot", "url", url, "bytes", len(body))
			return body, nil
		}

		if snapshotsync.IsClientError(err) {
			c.logger.Error("permanent client error, not retrying", "url", url, "error", err)
			return nil, err
		}

		lastErr = err
		c.logger.Warn("fetch attempt failed", "url", url, "attempt", attempt, "error", err)

		if attempt < c.maxRetries {
			c.logger.Info("waiting before retry", "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}
	}

	return nil, &snapshotsync.ExhaustedError{URL: url, Attempts: c.maxRetries, Err: lastErr}
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, &snapshotsync.ClientError{StatusCode: resp.StatusCode, URL: url}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return body, nil
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
