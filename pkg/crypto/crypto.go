// Package crypto provides the password digest primitive.
//
// Digests use Argon2id with a random per-password salt and are stored
// as a single string: argon2id$base64(salt)$base64(key).
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

var ErrMalformedDigest = errors.New("crypto: malformed password digest")

// Argon2id parameters. Changing these invalidates stored digests.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPassword derives an Argon2id digest of password with a fresh random salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether password matches the stored digest.
// A malformed digest never matches.
func VerifyPassword(password, digest string) bool {
	parts := strings.Split(digest, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(want) != argonKeyLen {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ParseDigest validates the structural form of a stored digest.
// Used by import/migration paths to reject corrupt records early.
func ParseDigest(digest string) error {
	parts := strings.Split(digest, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return ErrMalformedDigest
	}
	if _, err := base64.RawStdEncoding.DecodeString(parts[1]); err != nil {
		return ErrMalformedDigest
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(key) != argonKeyLen {
		return ErrMalformedDigest
	}
	return nil
}
