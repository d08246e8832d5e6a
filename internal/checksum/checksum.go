// Package checksum computes the change-detection digest stored in the
// manifest.
//
// The digest is Adler-32, a fast 32-bit rolling checksum. It is not
// collision resistant: two different contents can yield the same value
// and be reported as unchanged. It detects coincidental edits only and
// must not be relied on for integrity or tamper detection.
package checksum

import (
	"hash/adler32"
	"io"
	"strconv"
)

// Sum returns the checksum of data as a decimal string
func Sum(data []byte) string {
	return Format(adler32.Checksum(data))
}

// Reader consumes r and returns its checksum as a decimal string
func Reader(r io.Reader) (string, error) {
	h := adler32.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return Format(h.Sum32()), nil
}

// Format renders a raw checksum value the way the manifest stores it
func Format(sum uint32) string {
	return strconv.FormatUint(uint64(sum), 10)
}
