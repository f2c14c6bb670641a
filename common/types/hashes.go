package types

import (
	"encoding/hex"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-spacedb/hash"
)

// Hash32Length is the expected length of the hash.
const Hash32Length = 32

// Hash32 is a 32-byte blake3 hash of arbitrary data.
type Hash32 [Hash32Length]byte

// CalcHash32 returns the blake3 hash of the concatenation of chunks.
func CalcHash32(chunks ...[]byte) Hash32 {
	return hash.Sum(chunks...)
}

// Bytes returns the byte representation of the hash.
func (h Hash32) Bytes() []byte { return h[:] }

// String returns the hex representation of the hash.
func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 5 characters of the hash, for logging purposes.
func (h Hash32) ShortString() string {
	return Shorten(h.String(), 5)
}

// EncodeScale implements scale codec interface.
func (h *Hash32) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, h[:])
}

// DecodeScale implements scale codec interface.
func (h *Hash32) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, h[:])
}
