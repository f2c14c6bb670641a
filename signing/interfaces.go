package signing

import "github.com/spacemeshos/go-spacedb/common/types"

// Signer produces signatures in a given domain.
type Signer interface {
	Sign(Domain, []byte) types.EdSignature
	PublicKey() types.PublicKey
}

// Verifier checks signatures produced by a Signer.
type Verifier interface {
	Verify(Domain, types.PublicKey, []byte, types.EdSignature) bool
}

var (
	_ Signer   = (*EdSigner)(nil)
	_ Verifier = (*EdVerifier)(nil)
)
