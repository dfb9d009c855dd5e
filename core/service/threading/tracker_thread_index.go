// Package threading decodes thread positions and normalizes subjects.
package threading

import (
	"encoding/hex"
	"strings"
)

const (
	rootLength  = 44 // 22 byte header, hex encoded
	childLength = 10 // 5 byte child block, hex encoded
)

// Depth returns the 1-based position of a message in its thread from its
// hex-encoded conversation index. Missing or malformed input returns 1.
func Depth(index string) int {
	n := len(strings.TrimSpace(index))
	if n <= rootLength {
		return 1
	}
	return (n-rootLength)/childLength + 1
}

// EncodeIndex hex-encodes a raw conversation index as stored alongside
// tracked conversations.
func EncodeIndex(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(raw))
}

// SameBranch reports whether candidate is an ancestor of (or equal to) index.
// Comparison is case-insensitive on the hex text.
func SameBranch(candidate, index string) bool {
	if len(candidate) < rootLength || len(candidate) > len(index) {
		return false
	}
	return strings.EqualFold(index[:len(candidate)], candidate)
}
