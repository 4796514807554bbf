// Package checksum provides CRC32 integrity helpers for capsule records.
//
// Uses CRC32 (IEEE polynomial): fast, hardware-accelerated on modern CPUs,
// and good at detecting accidental storage corruption. It is NOT
// cryptographically secure; content identity uses SHA-256 elsewhere.
package checksum

import (
	"fmt"
	"hash/crc32"
)

// Sum computes the CRC32 checksum of data.
func Sum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// MismatchError is returned when checksum verification fails.
type MismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// Verify returns a MismatchError when actual differs from expected.
func Verify(expected, actual uint32) error {
	if expected != actual {
		return &MismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
