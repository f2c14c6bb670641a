package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/spacemeshos/go-scale"
)

// PublicKeySize is the size of an ed25519 public key in bytes.
const PublicKeySize = 32

// PublicKey identifies peers, devices, identities, feeds and spaces.
type PublicKey [PublicKeySize]byte

// EmptyPublicKey is a canonical empty PublicKey.
var EmptyPublicKey PublicKey

// BytesToPublicKey copies buf into a PublicKey.
func BytesToPublicKey(buf []byte) (key PublicKey) {
	copy(key[:], buf)
	return key
}

// PublicKeyFromHex parses a hex encoded key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var key PublicKey
	buf, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(buf) != PublicKeySize {
		return key, fmt.Errorf("invalid key length %d", len(buf))
	}
	copy(key[:], buf)
	return key, nil
}

// Bytes returns the byte representation of the key.
func (k PublicKey) Bytes() []byte {
	return k[:]
}

// String returns the hex representation of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns the first 5 characters of the key, for logging purposes.
func (k PublicKey) ShortString() string {
	return Shorten(k.String(), 5)
}

// Compare orders keys by their byte representation.
func (k PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(k[:], other[:])
}

// Empty returns true for the zero key.
func (k PublicKey) Empty() bool {
	return k == EmptyPublicKey
}

// EncodeScale implements scale codec interface.
func (k *PublicKey) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(e, k[:])
}

// DecodeScale implements scale codec interface.
func (k *PublicKey) DecodeScale(d *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(d, k[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(buf []byte) error {
	parsed, err := PublicKeyFromHex(string(buf))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SortPublicKeys sorts keys in place.
func SortPublicKeys(keys []PublicKey) {
	slices.SortFunc(keys, func(a, b PublicKey) int { return a.Compare(b) })
}

// Shorten shortens a string to a specified length.
func Shorten(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}
