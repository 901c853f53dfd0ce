package snapshotsync

// Sealer is the cryptographic handler contract. Implementations pair a
// symmetric cipher with an authenticity check; DecryptAndVerify must fail
// on any integrity or authenticity mismatch rather than return garbage.
//
// The envelope is opaque text safe to store in a file or fetch over HTTP.
type Sealer interface {
	// EncryptAndSign serializes, encrypts and signs plaintext, returning
	// the encoded envelope.
	EncryptAndSign(plaintext []byte) (string, error)

	// DecryptAndVerify verifies and decrypts an envelope, returning the
	// original plaintext. The returned error wraps DecryptionError on
	// integrity or authenticity failure.
	DecryptAndVerify(envelope string) ([]byte, error)
}
