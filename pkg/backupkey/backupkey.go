// Package backupkey provides stateless HMAC signing for client-held
// connection backups. A client stores its signed connection record
// locally; on recovery the signature proves the record left this server
// unmodified. The signer keeps no state beyond the key.
package backupkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature indicates the payload does not match its signature
var ErrInvalidSignature = errors.New("backup signature mismatch")

// Signer signs and verifies backup payloads with HMAC-SHA256
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given secret key
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("backup key cannot be empty")
	}
	return &Signer{key: key}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of payload
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks payload against a hex-encoded signature in constant time
func (s *Signer) Verify(payload []byte, signature string) error {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrInvalidSignature
	}
	return nil
}
