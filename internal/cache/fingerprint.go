package cache

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes a batch's identifying attributes into a cache key.
// The result does not depend on the order of parts.
func Fingerprint(namespace string, parts []string) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted)

	h := blake3.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	for _, p := range sorted {
		h.Write([]byte(p))
		// separator keeps ["ab","c"] and ["a","bc"] apart
		h.Write([]byte{0})
	}

	sum := h.Sum(nil)
	return namespace + "_" + hex.EncodeToString(sum[:16])
}
