// Package idgen provides random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars, e.g. "apv_" or "act_".
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + strings.ReplaceAll(id.String(), "-", "")[:24]
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
