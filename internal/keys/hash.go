package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 100_000
	hashKeyLen     = 32
	hashSaltLen    = 32
)

// HashData derives a salted PBKDF2-SHA256 digest of data for one-way storage
// (for example account numbers used only for lookups). The result is
// "salt$digest", both base64.
func HashData(data string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("keys: read salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(data), salt, hashIterations, hashKeyLen, sha256.New)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(digest), nil
}

// VerifyHash reports whether data matches a HashData result.
func VerifyHash(data, encoded string) bool {
	saltPart, digestPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(digestPart)
	if err != nil || len(want) != hashKeyLen {
		return false
	}
	got := pbkdf2.Key([]byte(data), salt, hashIterations, hashKeyLen, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
