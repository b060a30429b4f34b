package stacktrace

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hash returns the stable bucket hash of s.
func Hash(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

// ShortHash returns a 32-bit reference hash of s, sent in place of a stack that was already
// reported in full.
func ShortHash(s string) string {
	h := xxhash.Sum64String(s)
	return strconv.FormatUint(uint64(uint32(h^(h>>32))), 16)
}
