package utils

import (
	"crypto/rand"
)

// alphabet has exactly 64 URL-safe characters so a random byte masked
// with 63 selects one without bias.
const alphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const defaultLength = 12

// NewNanoID returns a random URL-safe id of the default length.
func NewNanoID() string {
	return NewNanoIDSize(defaultLength)
}

// NewNanoIDSize returns a random URL-safe id of n characters.
func NewNanoIDSize(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)

	for i := range buf {
		buf[i] = alphabet[buf[i]&63]
	}
	return string(buf)
}
