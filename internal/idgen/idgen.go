// Package idgen generates stable, time-sortable identifiers for task
// groups, tasks and notifications, adapted from the teacher's
// internal/pkg/cuid2 package: same base62 timestamp-prefix + rejection-
// sampled random suffix shape, with the fallback path changed from the
// teacher's globally-seeded math/rand to math/rand/v2 (seedless, not
// shared mutable global state).
package idgen

import (
	"crypto/rand"
	"math/rand/v2"
	"strings"
	"time"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func randomBytes(p []byte) {
	if _, err := rand.Read(p); err == nil {
		return
	}
	for i := range p {
		p[i] = byte(rand.IntN(256))
	}
}

// EncodeTimestampBase62 encodes a Unix timestamp (seconds) as a 6-char
// base62 string, lexicographically sortable for identical-width inputs.
func EncodeTimestampBase62(timestampSeconds int64) string {
	n := timestampSeconds
	result := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		result[i] = base62Alphabet[n%62]
		n /= 62
	}
	return string(result)
}

func randomSuffix(length int) string {
	bytesNeeded := (length*6)/8 + 4
	buf := make([]byte, bytesNeeded)
	randomBytes(buf)

	var b strings.Builder
	bitBuffer := uint64(0)
	bitsInBuffer := uint(0)
	byteIndex := 0

	for b.Len() < length {
		for bitsInBuffer < 6 && byteIndex < len(buf) {
			bitBuffer = (bitBuffer << 8) | uint64(buf[byteIndex])
			bitsInBuffer += 8
			byteIndex++
		}
		value := (bitBuffer >> (bitsInBuffer - 6)) & 0x3f
		bitsInBuffer -= 6
		if value < 62 {
			b.WriteByte(base62Alphabet[value])
		}
		if byteIndex >= len(buf) && b.Len() < length {
			randomBytes(buf)
			byteIndex = 0
			bitBuffer = 0
			bitsInBuffer = 0
		}
	}
	return b.String()
}

// New returns a time-sortable prefixed id: "<prefix>_<6-char timestamp><18-char random>".
func New(prefix string) string {
	return prefix + "_" + EncodeTimestampBase62(time.Now().Unix()) + randomSuffix(18)
}
