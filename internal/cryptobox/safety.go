package cryptobox

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	fingerprintVersion    = 0
	fingerprintIterations = 5200
	// SafetyNumberDigits is the length of a safety number without spaces.
	SafetyNumberDigits = 60
)

// SafetyNumber derives the 60-digit number two parties compare out of
// band. It is symmetric: SafetyNumber(a, b) == SafetyNumber(b, a).
func SafetyNumber(a, b PublicKey) string {
	fa, fb := fingerprint(a), fingerprint(b)
	if fa > fb {
		fa, fb = fb, fa
	}
	return fa + fb
}

// FormatSafetyNumber splits a safety number into space-separated groups of
// five digits.
func FormatSafetyNumber(n string) string {
	var groups []string
	for i := 0; i < len(n); i += 5 {
		end := min(i+5, len(n))
		groups = append(groups, n[i:end])
	}
	return strings.Join(groups, " ")
}

// NormalizeSafetyNumber strips whitespace from a displayed safety number.
func NormalizeSafetyNumber(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func fingerprint(key PublicKey) string {
	var version [2]byte
	binary.BigEndian.PutUint16(version[:], fingerprintVersion)

	h := sha512.New()
	h.Write(version[:])
	h.Write(key[:])
	digest := h.Sum(nil)
	for i := 0; i < fingerprintIterations; i++ {
		h.Reset()
		h.Write(digest)
		h.Write(key[:])
		digest = h.Sum(digest[:0])
	}

	var out bytes.Buffer
	for i := 0; i < 30; i += 5 {
		chunk := uint64(digest[i])<<32 | uint64(digest[i+1])<<24 | uint64(digest[i+2])<<16 |
			uint64(digest[i+3])<<8 | uint64(digest[i+4])
		fmt.Fprintf(&out, "%05d", chunk%100000)
	}
	return out.String()
}
