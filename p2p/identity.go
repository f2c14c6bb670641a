package p2p

import (
	"crypto/ed25519"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// HostKey converts the device key to a libp2p identity. A host started with it is
// known to remote peers by the device key, which is what spaces authorize.
func HostKey(priv ed25519.PrivateKey) (crypto.PrivKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("device key of size %d", len(priv))
	}
	key, err := crypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unmarshal device key: %w", err)
	}
	return key, nil
}
