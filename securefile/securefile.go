// Package securefile saves and loads files that may be either plaintext
// JSON or a sealed envelope, without the caller needing to remember how
// a given file was written. Content is classified explicitly before any
// parsing or decryption is attempted.
package securefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	snapshotsync "github.com/wolfeidau/snapshot-sync"
	"github.com/wolfeidau/snapshot-sync/backend"
)

// Kind tags the detected shape of file content.
type Kind int

const (
	// KindEncrypted is content matching the base64 envelope alphabet.
	KindEncrypted Kind = iota
	// KindPlaintext is content parsing as JSON.
	KindPlaintext
)

func (k Kind) String() string {
	switch k {
	case KindEncrypted:
		return "encrypted"
	case KindPlaintext:
		return "plaintext"
	default:
		return "unknown"
	}
}

// Classification is the tagged result of content detection. Exactly one
// of Envelope or Plaintext is populated, according to Kind.
type Classification struct {
	Kind      Kind
	Envelope  string          // sealed envelope text, when Kind == KindEncrypted
	Plaintext json.RawMessage // parsed JSON, when Kind == KindPlaintext
}

// Classify detects whether content is a sealed envelope or plaintext
// JSON. Content consisting solely of base64 alphabet characters (letters,
// digits, and the three encoding punctuation characters) is classified
// as encrypted; otherwise it must parse as JSON. Content matching
// neither shape returns a FormatError.
func Classify(content []byte) (*Classification, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, &snapshotsync.FormatError{Reason: "content is empty"}
	}

	if isEnvelopeAlphabet(trimmed) {
		return &Classification{Kind: KindEncrypted, Envelope: string(trimmed)}, nil
	}

	if json.Valid(trimmed) {
		return &Classification{Kind: KindPlaintext, Plaintext: json.RawMessage(trimmed)}, nil
	}

	return nil, &snapshotsync.FormatError{Reason: "content is neither a sealed envelope nor valid JSON"}
}

// Save writes data to path, either as indented plaintext JSON or, when
// encrypt is true, as the sealer's envelope output. A missing sealer
// while encryption is requested is a configuration error. The write is
// a single complete replacement.
func Save(path string, data any, sealer snapshotsync.Sealer, encrypt bool) error {
	plaintext, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}

	if !encrypt {
		return backend.AtomicWriteFile(path, plaintext)
	}

	if sealer == nil {
		return &snapshotsync.ConfigError{Name: "sealer", Reason: "encryption requested but no handler provided"}
	}

	envelope, err := sealer.EncryptAndSign(plaintext)
	if err != nil {
		return fmt.Errorf("sealing data: %w", err)
	}

	return backend.AtomicWriteFile(path, []byte(envelope))
}

// Load reads path and returns its JSON content, transparently unsealing
// envelopes. An encrypted file with no sealer configured is a
// configuration error.
func Load(path string, sealer snapshotsync.Sealer) (json.RawMessage, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	c, err := Classify(content)
	if err != nil {
		if fe, ok := err.(*snapshotsync.FormatError); ok {
			fe.Path = path
		}
		return nil, err
	}

	switch c.Kind {
	case KindEncrypted:
		if sealer == nil {
			return nil, &snapshotsync.ConfigError{Name: "sealer", Reason: "encrypted file found but no handler provided"}
		}
		plaintext, err := sealer.DecryptAndVerify(c.Envelope)
		if err != nil {
			return nil, fmt.Errorf("unsealing %s: %w", path, err)
		}
		if !json.Valid(plaintext) {
			return nil, &snapshotsync.FormatError{Path: path, Reason: "unsealed content is not valid JSON"}
		}
		return json.RawMessage(plaintext), nil

	default:
		return c.Plaintext, nil
	}
}

// isEnvelopeAlphabet reports whether content contains only characters
// from the base64 encoding alphabet.
func isEnvelopeAlphabet(content []byte) bool {
	for _, b := range content {
		switch {
		case b >= 'A' && b <= 'Z':
		case b >= 'a' && b <= 'z':
		case b >= '0' && b <= '9':
		case b == '+' || b == '/' || b == '=':
		default:
			return false
		}
	}
	return true
}
