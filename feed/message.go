package feed

import (
	"encoding/binary"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/signing"
)

// MaxPayloadSize is the largest payload accepted by a feed.
const MaxPayloadSize = 1 << 20

// Message is a signed entry of a feed.
type Message struct {
	Feed      types.PublicKey
	Seq       uint64
	Payload   []byte
	Signature types.EdSignature
}

// SignedBytes returns the bytes covered by the feed key signature.
func (m *Message) SignedBytes() []byte {
	buf := make([]byte, 0, types.PublicKeySize+8+len(m.Payload))
	buf = append(buf, m.Feed[:]...)
	buf = binary.BigEndian.AppendUint64(buf, m.Seq)
	return append(buf, m.Payload...)
}

// Verify checks the message signature against the feed key.
func (m *Message) Verify(verifier signing.Verifier) bool {
	return verifier.Verify(signing.FEED, m.Feed, m.SignedBytes(), m.Signature)
}

// EncodeScale implements scale codec interface.
func (m *Message) EncodeScale(e *scale.Encoder) (int, error) {
	total := 0
	n, err := m.Feed.EncodeScale(e)
	if err != nil {
		return total, err
	}
	total += n
	n, err = scale.EncodeCompact64(e, m.Seq)
	if err != nil {
		return total, err
	}
	total += n
	n, err = scale.EncodeByteSliceWithLimit(e, m.Payload, MaxPayloadSize)
	if err != nil {
		return total, err
	}
	total += n
	n, err = m.Signature.EncodeScale(e)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

// DecodeScale implements scale codec interface.
func (m *Message) DecodeScale(d *scale.Decoder) (int, error) {
	total := 0
	n, err := m.Feed.DecodeScale(d)
	if err != nil {
		return total, err
	}
	total += n
	seq, n, err := scale.DecodeCompact64(d)
	if err != nil {
		return total, err
	}
	m.Seq = seq
	total += n
	payload, n, err := scale.DecodeByteSliceWithLimit(d, MaxPayloadSize)
	if err != nil {
		return total, err
	}
	m.Payload = payload
	total += n
	n, err = m.Signature.DecodeScale(d)
	if err != nil {
		return total, err
	}
	return total + n, nil
}

// MarshalLogObject implements logging encoder for Message.
func (m *Message) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("feed", m.Feed.ShortString())
	encoder.AddUint64("seq", m.Seq)
	encoder.AddInt("size", len(m.Payload))
	return nil
}
