package scanner

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewID returns a random version 4 UUID.
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// Variant bits; version 4 UUID.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}

// randomKey returns a random 32-bit value for sequence keys and echo idents.
func randomKey() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed1e55
	}
	return binary.BigEndian.Uint32(b[:])
}
