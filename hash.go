package dedupfs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// HashMD5 yields 128-bit digests rendered as 32 lowercase hex characters.
	HashMD5 = "md5"
	// HashBLAKE3 yields 256-bit digests rendered as 64 lowercase hex characters.
	HashBLAKE3 = "blake3"
)

// Hasher computes content fingerprints. The zero value is not usable; obtain
// one from NewHasher.
type Hasher struct {
	name string
	new  func() hash.Hash
}

// NewHasher returns the hasher for algorithm (case-insensitive).
func NewHasher(algorithm string) (Hasher, error) {
	switch strings.ToLower(algorithm) {
	case HashMD5, "":
		return Hasher{name: HashMD5, new: md5.New}, nil
	case HashBLAKE3:
		return Hasher{name: HashBLAKE3, new: func() hash.Hash { return blake3.New() }}, nil
	default:
		return Hasher{}, fmt.Errorf("dedupfs: unknown hash algorithm %q", algorithm)
	}
}

// Name returns the canonical algorithm name.
func (h Hasher) Name() string { return h.name }

// New returns a streaming hash state.
func (h Hasher) New() hash.Hash { return h.new() }

// Fingerprint hashes data in one call. Identical input always yields
// identical output.
func (h Hasher) Fingerprint(data []byte) string {
	state := h.new()
	state.Write(data)
	return hex.EncodeToString(state.Sum(nil))
}
