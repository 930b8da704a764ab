package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// API keys are opaque bearer tokens of the form gsw_<32 chars>. The
// plaintext is shown once at registration; only the salted digest is
// persisted. The salt is deployment-wide (the session secret) so the
// digest stays indexable for constant-time lookup.

const keyPrefix = "gsw_"

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateKey issues a fresh API key.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return keyPrefix + string(buf), nil
}

// HashKey computes the salted digest persisted for a key.
func HashKey(secret, key string) string {
	sum := sha256.Sum256([]byte(secret + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// VerifyKey compares a stored digest against a presented key in
// constant time.
func VerifyKey(secret, key, storedHash string) bool {
	computed := HashKey(secret, key)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

func subtleCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidKeyFormat checks the structural shape of a presented token
// before any store lookup happens.
func ValidKeyFormat(key string) bool {
	return strings.HasPrefix(key, keyPrefix) && len(key) == len(keyPrefix)+32
}
