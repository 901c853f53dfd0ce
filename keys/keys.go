// Package keys validates and decodes the base64-encoded key material the
// pipeline is configured with. Validation happens before any network or
// cryptographic call so a misconfigured key can never produce a silent
// garbage decryption attempt.
package keys

import (
	"encoding/base64"
	"fmt"
	"strings"

	snapshotsync "github.com/wolfeidau/snapshot-sync"
)

// KeySize is the required decoded key length in bytes (256 bits).
const KeySize = 32

// Material holds the two decoded secret keys for one invocation. It is
// constructed once at the start of the pipeline and passed explicitly to
// the components that need it; it is never logged and never persisted.
type Material struct {
	EncryptionKey []byte
	HMACKey       []byte
}

// Decode validates and decodes a single base64-encoded key. The checks
// run in order: presence, encoding well-formedness, exact decoded length.
// The name appears in the error so the caller knows which key is bad.
func Decode(name, encoded string, expectedLen int) ([]byte, error) {
	if encoded == "" {
		return nil, &snapshotsync.ConfigError{Name: name, Reason: "is not set"}
	}

	if !looksLikeBase64(encoded) {
		return nil, &snapshotsync.ConfigError{
			Name:   name,
			Reason: "does not appear to be valid base64 (contains invalid characters)",
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &snapshotsync.ConfigError{
			Name:   name,
			Reason: fmt.Sprintf("is not valid base64: %v", err),
		}
	}

	if len(decoded) != expectedLen {
		return nil, &snapshotsync.ConfigError{
			Name: name,
			Reason: fmt.Sprintf("has incorrect length: %d bytes (expected %d bytes for %d-bit key)",
				len(decoded), expectedLen, expectedLen*8),
		}
	}

	return decoded, nil
}

// Load decodes both keys into Material. Both must be 256-bit.
func Load(encryptionName, encryptionB64, hmacName, hmacB64 string) (*Material, error) {
	encKey, err := Decode(encryptionName, encryptionB64, KeySize)
	if err != nil {
		return nil, err
	}

	hmacKey, err := Decode(hmacName, hmacB64, KeySize)
	if err != nil {
		return nil, err
	}

	return &Material{EncryptionKey: encKey, HMACKey: hmacKey}, nil
}

// looksLikeBase64 reports whether s contains only standard base64
// alphabet characters.
func looksLikeBase64(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune("+/=", r):
		default:
			return false
		}
	}
	return true
}
