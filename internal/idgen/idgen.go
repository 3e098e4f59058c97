// Package idgen provides random ID generation for references and events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New generates a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "test_", "anc_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Ordered returns prefix followed by a version 7 UUID. IDs made later sort
// after earlier ones, which keeps anchor event logs in append order.
func Ordered(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		panic("uuid: " + err.Error())
	}
	return prefix + id.String()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
