package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// GenerateSCID returns a random 31-bit session correlation id.
// The server expects a non-negative int, so the top bit is always clear.
func GenerateSCID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fallback to a time-based value if crypto/rand fails
		return uint32(time.Now().UnixNano()) & 0x7FFFFFFF
	}
	return binary.BigEndian.Uint32(b[:]) & 0x7FFFFFFF
}
