// Package security derives content-addressed keys
package security

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Hash is a SHA-256 digest
type Hash [32]byte

// ContentHash hashes parts, each prefixed with its length, so that
// ("ab", "c") and ("a", "bc") never share a digest
func ContentHash(parts ...string) Hash {
	h := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write([]byte(p))
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ContentKey returns prefix followed by the hex content hash of parts
func ContentKey(prefix string, parts ...string) string {
	return prefix + ContentHash(parts...).String()
}

// String returns the hash as lowercase hex
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
