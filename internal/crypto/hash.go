// Package crypto provides cryptographic utilities for password and meeting
// secret hashing.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Scrypt parameters. N=16384 (2^14), r=8, p=1 are recommended for
// interactive logins.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// HashPassword derives a scrypt hash from the password under a fresh random
// salt. The result is "salt$hash", both hex-encoded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	dk, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(dk), nil
}

// VerifyPassword reports whether the password matches an encoded hash
// produced by HashPassword.
func VerifyPassword(password, encoded string) bool {
	saltHex, hashHex, ok := strings.Cut(encoded, "$")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	dk, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(dk, want) == 1
}

// HashJoinSecret deterministically hashes a meeting join secret salted with
// the session ID, so the stored value never reveals the secret and the same
// secret hashes differently across sessions. Returns hex-encoded hash.
func HashJoinSecret(secret, sessionID string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(secret))
	dk, err := scrypt.Key([]byte(normalized), []byte(strings.ToLower(sessionID)), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	return hex.EncodeToString(dk), nil
}

// VerifyJoinSecret reports whether the secret matches the stored hash for
// the session.
func VerifyJoinSecret(secret, sessionID, storedHash string) bool {
	h, err := HashJoinSecret(secret, sessionID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h), []byte(storedHash)) == 1
}
