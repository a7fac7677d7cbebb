package proto

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRequestID returns a correlation ID unique across all namespaces sharing a
// connection.
func NewRequestID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NewTransferID identifies one chunked upload or download stream.
func NewTransferID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
