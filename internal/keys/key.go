package keys

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrKeyNotFound          = errors.New("keys: key not found")
	ErrUnsupportedAlgorithm = errors.New("keys: unsupported algorithm")
	ErrKeyExpired           = errors.New("keys: key expired")
	ErrKeyInactive          = errors.New("keys: key inactive")
	ErrDecryptionFailed     = errors.New("keys: decryption failed")
	ErrInvalidCiphertext    = errors.New("keys: invalid ciphertext")
)

// KeyType distinguishes symmetric keys from the halves of an RSA pair.
type KeyType string

const (
	TypeSymmetric KeyType = "symmetric"
	TypePublic    KeyType = "asymmetric_public"
	TypePrivate   KeyType = "asymmetric_private"
)

// Algorithm names a cipher.
type Algorithm string

const (
	// AlgAESGCM is AES-256 in GCM mode with a random 96-bit nonce.
	AlgAESGCM Algorithm = "AES-256-GCM"
	// AlgSecretbox is NaCl secretbox (XSalsa20-Poly1305).
	AlgSecretbox Algorithm = "XSALSA20-POLY1305"
	// AlgRSAOAEP is RSA-OAEP with SHA-256, switching to a hybrid scheme for
	// payloads larger than one block.
	AlgRSAOAEP Algorithm = "RSA-OAEP-SHA256"
)

// ParseAlgorithm accepts canonical names and common aliases.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AES-256-GCM", "AES-GCM", "AES":
		return AlgAESGCM, nil
	case "XSALSA20-POLY1305", "SECRETBOX":
		return AlgSecretbox, nil
	case "RSA-OAEP-SHA256", "RSA-OAEP", "RSA":
		return AlgRSAOAEP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}

// Classification drives default algorithm selection.
type Classification string

const (
	ClassPII       Classification = "pii"
	ClassFinancial Classification = "financial"
	ClassGeneral   Classification = "general"
)

// Info is key metadata. Material is never exposed through it.
type Info struct {
	ID          string    `json:"id"`
	Type        KeyType   `json:"type"`
	Algorithm   Algorithm `json:"algorithm"`
	Bits        int       `json:"bits"`
	PairID      string    `json:"pair_id,omitempty"`
	RotatedFrom string    `json:"rotated_from,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Active      bool      `json:"active"`
}

// Expired reports whether the key is past its expiry at now.
func (i Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

type key struct {
	Info
	material []byte
}
