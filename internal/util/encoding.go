package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeBytes applies NFKD so that passwords typed on different platforms
// decrypt the same key.
func NormalizeBytes(b []byte) []byte {
	return norm.NFKD.Bytes(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// ColonHex renders b as upper-case hex pairs joined by colons, e.g. "AB:CD:01".
func ColonHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return sb.String()
}

// NormalizeFingerprint strips colons and whitespace from a hex fingerprint and
// upper-cases it, so "ab:cd" and "ABCD" compare equal.
func NormalizeFingerprint(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t', '\n', '\r':
			return -1
		}
		if r >= 'a' && r <= 'f' {
			return r - 'a' + 'A'
		}
		return r
	}, s)
}
