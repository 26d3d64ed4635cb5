// Package utils holds small helpers shared by the handlers.
package utils

import (
	"crypto/rand"
)

// alphabet is URL safe and exactly 64 characters long, so a random byte
// masked to 6 bits indexes it without bias.
var alphabet = []byte("_-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

const DefaultIDLength = 8

// NewNanoID returns a random id of DefaultIDLength characters.
func NewNanoID() string {
	return NewNanoIDSize(DefaultIDLength)
}

func NewNanoIDSize(n int) string {
	if n <= 0 {
		return ""
	}
	bytes := make([]byte, n)

	// crypto/rand.Read never returns an error
	_, _ = rand.Read(bytes)

	for i := range bytes {
		bytes[i] = alphabet[bytes[i]&63]
	}
	return string(bytes)
}

// ConnectionID names a socket connection: its kind, a dash, a nano id.
func ConnectionID(kind string) string {
	return kind + "-" + NewNanoID()
}
