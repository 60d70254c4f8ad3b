package helpers

import (
	"encoding/hex"
	"fmt"
)

// HexToBytes decodes a hex string, returning a descriptive error on failure.
func HexToBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", s, err)
	}
	return b, nil
}

// MustHexToBytes decodes a hex string and panics on failure. Only use
// with compile-time constants.
func MustHexToBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// BytesToHex encodes bytes as a lowercase hex string.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
