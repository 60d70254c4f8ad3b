// Package helpers provides small utilities shared across the daemon.
package helpers

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// CompareBytes reports whether two byte slices are equal.
func CompareBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ConstantTimeCompare compares two byte slices in constant time.
// Use this for secrets such as preimages and keys.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateSecureRandom returns n cryptographically secure random bytes.
func GenerateSecureRandom(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}
