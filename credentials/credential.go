// Package credentials implements signed assertions that control membership of a space
// and the state machine deriving members, devices and admitted feeds from them.
package credentials

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/signing"
)

// MaxChainLength bounds the number of links carried by a credential.
const MaxChainLength = 4

// Proof is the signature of a credential.
type Proof struct {
	Signer    types.PublicKey
	Signature types.EdSignature
}

// Credential is a signed assertion made by Issuer about Subject.
//
// When the proof is not signed by the issuer key itself, Chain[0] must be an
// AuthorizedDevice credential that authorizes the signer to act for the issuer.
type Credential struct {
	Issuer    types.PublicKey
	Subject   types.PublicKey
	IssuedAt  time.Time
	Assertion Assertion
	Proof     Proof
	Chain     []Credential
}

func (c *Credential) encodeBody(e *scale.Encoder) (int, error) {
	total, err := encodeAll(e, &c.Issuer, &c.Subject)
	if err != nil {
		return total, err
	}
	n, err := scale.EncodeCompact64(e, uint64(c.IssuedAt.UnixMilli()))
	total += n
	if err != nil {
		return total, err
	}
	n, err = encodeAssertion(e, c.Assertion)
	return total + n, err
}

// SignedBytes returns the bytes covered by the proof.
func (c *Credential) SignedBytes() []byte {
	var buf bytes.Buffer
	if _, err := c.encodeBody(scale.NewEncoder(&buf)); err != nil {
		panic(fmt.Sprintf("encode credential: %v", err))
	}
	return buf.Bytes()
}

// ID identifies the credential by the hash of its signed content.
func (c *Credential) ID() types.Hash32 {
	return types.CalcHash32(c.SignedBytes())
}

// Verify checks that the proof is a valid signature over the credential.
// It doesn't check that the signer is allowed to sign for the issuer.
func (c *Credential) Verify(verifier signing.Verifier) bool {
	return verifier.Verify(signing.CREDENTIAL, c.Proof.Signer, c.SignedBytes(), c.Proof.Signature)
}

// EncodeScale implements scale codec interface.
func (c *Credential) EncodeScale(e *scale.Encoder) (int, error) {
	total, err := c.encodeBody(e)
	if err != nil {
		return total, err
	}
	n, err := encodeAll(e, &c.Proof.Signer, &c.Proof.Signature)
	total += n
	if err != nil {
		return total, err
	}
	n, err = scale.EncodeStructSliceWithLimit(e, c.Chain, MaxChainLength)
	return total + n, err
}

// DecodeScale implements scale codec interface.
func (c *Credential) DecodeScale(d *scale.Decoder) (int, error) {
	total, err := decodeAll(d, &c.Issuer, &c.Subject)
	if err != nil {
		return total, err
	}
	millis, n, err := scale.DecodeCompact64(d)
	total += n
	if err != nil {
		return total, err
	}
	c.IssuedAt = time.UnixMilli(int64(millis))
	assertion, n, err := decodeAssertion(d)
	total += n
	if err != nil {
		return total, err
	}
	c.Assertion = assertion
	n, err = decodeAll(d, &c.Proof.Signer, &c.Proof.Signature)
	total += n
	if err != nil {
		return total, err
	}
	chain, n, err := scale.DecodeStructSliceWithLimit[Credential](d, MaxChainLength)
	c.Chain = chain
	return total + n, err
}

// MarshalLogObject implements logging encoder for Credential.
func (c *Credential) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("id", c.ID().ShortString())
	if c.Assertion != nil {
		encoder.AddString("kind", c.Assertion.Kind().String())
	}
	encoder.AddString("issuer", c.Issuer.ShortString())
	encoder.AddString("subject", c.Subject.ShortString())
	encoder.AddString("signer", c.Proof.Signer.ShortString())
	encoder.AddInt("chain", len(c.Chain))
	return nil
}

// Encode returns the scale encoding of the credential.
func (c *Credential) Encode() []byte {
	return codec.MustEncode(c)
}
