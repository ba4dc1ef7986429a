package wire

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MaxChecksumSize is the largest checksum_size the codec accepts, dictated
// by BLAKE2b's native digest range.
const MaxChecksumSize = 64

// checksum returns the checksum_size-byte tail for data. size == 0 disables
// the tail entirely and returns nil. BLAKE2b is used because it is the one
// hash in the ecosystem with a configurable digest length from 1 to 64
// bytes, matching the negotiable checksum_size exactly.
func checksum(data []byte, size uint16) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size > MaxChecksumSize {
		return nil, fmt.Errorf("wire: checksum_size %d exceeds maximum %d", size, MaxChecksumSize)
	}
	h, err := blake2b.New(int(size), nil)
	if err != nil {
		return nil, fmt.Errorf("wire: create checksum: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}
