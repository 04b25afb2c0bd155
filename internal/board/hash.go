package board

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ConfigHash fingerprints a board description. Two configs with the same
// hash build identical platforms.
type ConfigHash [32]byte

// Hash computes the fingerprint of the normalized config. Field order in the
// encoding is fixed, so the hash is deterministic.
func (c Config) Hash() (ConfigHash, error) {
	data, err := c.Marshal()
	if err != nil {
		return ConfigHash{}, err
	}
	return ConfigHash(blake3.Sum256(data)), nil
}

func (h ConfigHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex digits, enough to tell boards apart in logs.
func (h ConfigHash) Short() string {
	return h.String()[:12]
}
