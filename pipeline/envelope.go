package pipeline

import (
	"errors"
	"fmt"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/credentials"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

// ErrMalformedEnvelope is returned for feed payloads that can't be decoded.
var ErrMalformedEnvelope = errors.New("pipeline: malformed envelope")

const (
	maxTypeSize     = 256
	maxMutationSize = 1 << 19
)

type envelopeKind uint8

const (
	credentialEnvelope envelopeKind = iota + 1
	dataEnvelope
)

// Envelope is the payload of every feed message. Timeframe is what the writer had
// consumed when the envelope was written, the envelope is delivered only after the
// reader consumed it as well. Exactly one of Credential and Data is set.
type Envelope struct {
	Timeframe  timeframe.Timeframe
	Credential *credentials.Credential
	Data       *DataMessage
}

// EncodeScale implements scale codec interface.
func (e *Envelope) EncodeScale(enc *scale.Encoder) (total int, err error) {
	if (e.Credential == nil) == (e.Data == nil) {
		return 0, fmt.Errorf("%w: exactly one body expected", ErrMalformedEnvelope)
	}
	{
		tf := e.Timeframe
		n, err := tf.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	kind := dataEnvelope
	var body scale.Encodable = e.Data
	if e.Credential != nil {
		kind = credentialEnvelope
		body = e.Credential
	}
	{
		n, err := scale.EncodeCompact8(enc, uint8(kind))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := body.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (e *Envelope) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := e.Timeframe.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	kind, n, err := scale.DecodeCompact8(dec)
	if err != nil {
		return total, err
	}
	total += n
	switch envelopeKind(kind) {
	case credentialEnvelope:
		e.Credential = &credentials.Credential{}
		n, err = e.Credential.DecodeScale(dec)
	case dataEnvelope:
		e.Data = &DataMessage{}
		n, err = e.Data.DecodeScale(dec)
	default:
		return total, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, kind)
	}
	return total + n, err
}

// MarshalLogObject implements logging encoder for Envelope.
func (e *Envelope) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddObject("timeframe", e.Timeframe)
	if e.Credential != nil {
		return encoder.AddObject("credential", e.Credential)
	}
	if e.Data != nil {
		return encoder.AddObject("data", e.Data)
	}
	return nil
}

// DecodeEnvelope decodes a feed payload.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := codec.Decode(payload, env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// DataKind is the kind of change a data message makes to an object.
type DataKind uint8

const (
	// Genesis creates an object.
	Genesis DataKind = iota + 1
	// Mutation changes model state of an object.
	Mutation
	Delete
	Restore
)

func (k DataKind) String() string {
	switch k {
	case Genesis:
		return "genesis"
	case Mutation:
		return "mutation"
	case Delete:
		return "delete"
	case Restore:
		return "restore"
	default:
		return fmt.Sprintf("DataKind(%d)", uint8(k))
	}
}

// DataMessage is a change to a single object. ModelType, ObjectType and Parent are
// set only for Genesis, Mutation only for Mutation.
type DataMessage struct {
	Object     types.ObjectID
	Kind       DataKind
	ModelType  string
	ObjectType string
	Parent     types.ObjectID
	Mutation   []byte
}

// EncodeScale implements scale codec interface.
func (m *DataMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.Object.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact8(enc, uint8(m.Kind))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, m.ModelType, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStringWithLimit(enc, m.ObjectType, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Parent.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, m.Mutation, maxMutationSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *DataMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.Object.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeCompact8(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Kind = DataKind(field)
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
		m.ModelType = field
	}
	{
		field, n, err := scale.DecodeStringWithLimit(dec, maxTypeSize)
		if err != nil {
			return total, err
		}
		total += n
		m.ObjectType = field
	}
	{
		n, err := m.Parent.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, maxMutationSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Mutation = field
	}
	return total, nil
}

// MarshalLogObject implements logging encoder for DataMessage.
func (m *DataMessage) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddString("object", m.Object.String())
	encoder.AddString("kind", m.Kind.String())
	if m.Kind == Genesis {
		encoder.AddString("model", m.ModelType)
		encoder.AddString("type", m.ObjectType)
	}
	return nil
}
