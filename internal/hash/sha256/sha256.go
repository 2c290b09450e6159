// Package sha256 produces the hex digests used as image dedup keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmpty is returned for zero-length input, which would make every empty
// download collide on one content key.
var ErrEmpty = errors.New("sha256: empty input")

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex SHA-256 of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
