// Package sha256 provides the content digest used to skip identical snapshot writes.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes artifact bodies.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ETag quotes a digest for use as an HTTP entity tag.
func ETag(digest string) string {
	if len(digest) > 16 {
		digest = digest[:16]
	}
	return `"` + digest + `"`
}
