package snapshotsync

import (
	"errors"
	"fmt"
)

// ErrNoSnapshot is returned when a fallback is requested but no snapshot
// has ever been produced.
var ErrNoSnapshot = errors.New("no snapshot available")

// ConfigError reports invalid or missing configuration, typically key
// material. It is fatal: no retry, no fallback.
type ConfigError struct {
	Name   string // which setting or key
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Name, e.Reason)
}

// ClientError reports an upstream HTTP response that will never succeed
// on retry (401, 403, 404).
type ClientError struct {
	StatusCode int
	URL        string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: %s returned %d", e.URL, e.StatusCode)
}

// ExhaustedError reports that all fetch attempts were consumed without
// success. It wraps the last observed error.
type ExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetching %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// DecryptionError reports an integrity or authenticity failure from the
// cryptographic handler. It is never silently treated as "use cache";
// the orchestrator decides whether a stale fallback applies.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// FormatError reports file content that is neither an encrypted envelope
// nor valid plaintext JSON.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("format error: %s", e.Reason)
	}
	return fmt.Sprintf("format error: %s: %s", e.Path, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsClientError reports whether err is (or wraps) a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// IsDecryptionError reports whether err is (or wraps) a DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}
