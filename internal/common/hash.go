package common

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
)

// Sha256Hex hashes the concatenation of parts, in order and without a
// separator, as PhonePe's X-VERIFY scheme requires.
func Sha256Hex(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ScopedKey derives a fixed-length Redis key under prefix. Parts are
// separated by a unit separator so ("ab","c") and ("a","bc") differ.
func ScopedKey(prefix string, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0x1f})
		}
		_, _ = io.WriteString(h, p)
	}
	return prefix + hex.EncodeToString(h.Sum(nil))
}

// EqualSecret compares two secrets in constant time.
func EqualSecret(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
