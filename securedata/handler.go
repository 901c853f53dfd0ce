// Package securedata implements the sealed-envelope format the remote
// source publishes: AES-256-CBC encryption with an HMAC-SHA256 signature
// over the IV and ciphertext, base64-encoded as a single opaque string.
//
// Envelope layout (before encoding): IV (16 bytes) || ciphertext || MAC (32 bytes).
package securedata

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	snapshotsync "github.com/wolfeidau/snapshot-sync"
	"github.com/wolfeidau/snapshot-sync/keys"
)

const (
	ivSize  = aes.BlockSize
	macSize = sha256.Size
)

// Handler seals and unseals envelopes using the given key material.
type Handler struct {
	encryptionKey []byte
	hmacKey       []byte
}

// New creates a Handler from decoded key material.
func New(material *keys.Material) (*Handler, error) {
	if material == nil {
		return nil, &snapshotsync.ConfigError{Name: "key material", Reason: "is not set"}
	}
	if len(material.EncryptionKey) != keys.KeySize {
		return nil, &snapshotsync.ConfigError{
			Name:   "encryption key",
			Reason: fmt.Sprintf("has incorrect length: %d bytes", len(material.EncryptionKey)),
		}
	}
	if len(material.HMACKey) != keys.KeySize {
		return nil, &snapshotsync.ConfigError{
			Name:   "hmac key",
			Reason: fmt.Sprintf("has incorrect length: %d bytes", len(material.HMACKey)),
		}
	}
	return &Handler{
		encryptionKey: material.EncryptionKey,
		hmacKey:       material.HMACKey,
	}, nil
}

// EncryptAndSign encrypts plaintext and signs the result, returning the
// base64 envelope.
func (h *Handler) EncryptAndSign(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(h.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, h.hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)

	envelope := make([]byte, 0, ivSize+len(ciphertext)+macSize)
	envelope = append(envelope, iv...)
	envelope = append(envelope, ciphertext...)
	envelope = mac.Sum(envelope)

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// DecryptAndVerify verifies the envelope signature and decrypts the
// payload. Any integrity or authenticity mismatch returns a
// DecryptionError; the plaintext is never returned unverified.
func (h *Handler) DecryptAndVerify(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, &snapshotsync.DecryptionError{Err: fmt.Errorf("decoding envelope: %w", err)}
	}

	if len(raw) < ivSize+macSize+aes.BlockSize {
		return nil, &snapshotsync.DecryptionError{Err: errors.New("envelope too short")}
	}

	iv := raw[:ivSize]
	ciphertext := raw[ivSize : len(raw)-macSize]
	signature := raw[len(raw)-macSize:]

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, &snapshotsync.DecryptionError{Err: errors.New("ciphertext is not block-aligned")}
	}

	// Verify before decrypting.
	mac := hmac.New(sha256.New, h.hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	if subtle.ConstantTimeCompare(mac.Sum(nil), signature) != 1 {
		return nil, &snapshotsync.DecryptionError{Err: errors.New("signature verification failed")}
	}

	block, err := aes.NewCipher(h.encryptionKey)
	if err != nil {
		return nil, &snapshotsync.DecryptionError{Err: fmt.Errorf("creating cipher: %w", err)}
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, &snapshotsync.DecryptionError{Err: err}
	}

	return plaintext, nil
}

// pad applies PKCS#7 padding up to blockSize.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - (len(data) % blockSize)
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// unpad strips and validates PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

// Compile-time interface check
var _ snapshotsync.Sealer = (*Handler)(nil)
