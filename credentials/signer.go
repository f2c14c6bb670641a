package credentials

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/signing"
)

// Signer issues credentials on behalf of an issuer key.
type Signer struct {
	issuer types.PublicKey
	key    signing.Signer
	chain  []Credential
	clock  clockwork.Clock
}

// SignerOpt modifies Signer.
type SignerOpt func(*Signer)

// WithSignerClock sets the clock used for IssuedAt.
func WithSignerClock(clock clockwork.Clock) SignerOpt {
	return func(s *Signer) {
		s.clock = clock
	}
}

// NewSigner returns a signer that issues credentials signed directly by key.
func NewSigner(key signing.Signer, opts ...SignerOpt) *Signer {
	s := &Signer{issuer: key.PublicKey(), key: key, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewChainSigner returns a signer that issues credentials for identity signed by a device
// key. The device credential authorizing the device is attached as the chain.
func NewChainSigner(identity types.PublicKey, device signing.Signer, deviceCredential *Credential, opts ...SignerOpt) *Signer {
	s := &Signer{
		issuer: identity,
		key:    device,
		chain:  []Credential{*deviceCredential},
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the key credentials are issued by.
func (s *Signer) Issuer() types.PublicKey {
	return s.issuer
}

// Create issues a credential about subject.
func (s *Signer) Create(subject types.PublicKey, assertion Assertion) *Credential {
	cred := &Credential{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  time.UnixMilli(s.clock.Now().UnixMilli()),
		Assertion: assertion,
		Chain:     s.chain,
	}
	cred.Proof = Proof{
		Signer:    s.key.PublicKey(),
		Signature: s.key.Sign(signing.CREDENTIAL, cred.SignedBytes()),
	}
	return cred
}
