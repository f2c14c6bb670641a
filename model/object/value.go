package object

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-spacedb/common/types"
)

const maxStringSize = 1 << 16

type valueKind uint8

const (
	kindNull valueKind = iota
	kindString
	kindInt
	kindFloat
	kindBool
	kindRef
)

// Value is a property value. Nil stands for an unset property.
type Value interface {
	kind() valueKind
}

type (
	String string
	Int    int64
	Float  float64
	Bool   bool
	// Ref references another object.
	Ref types.ObjectID
)

func (String) kind() valueKind { return kindString }
func (Int) kind() valueKind    { return kindInt }
func (Float) kind() valueKind  { return kindFloat }
func (Bool) kind() valueKind   { return kindBool }
func (Ref) kind() valueKind    { return kindRef }

func (r Ref) String() string {
	return types.ObjectID(r).String()
}

func encodeValue(e *scale.Encoder, v Value) (int, error) {
	if v == nil {
		return scale.EncodeCompact8(e, uint8(kindNull))
	}
	total, err := scale.EncodeCompact8(e, uint8(v.kind()))
	if err != nil {
		return total, err
	}
	var n int
	switch v := v.(type) {
	case String:
		n, err = scale.EncodeStringWithLimit(e, string(v), maxStringSize)
	case Int:
		n, err = scale.EncodeCompact64(e, uint64(v))
	case Float:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(float64(v)))
		n, err = scale.EncodeByteArray(e, buf[:])
	case Bool:
		n, err = scale.EncodeBool(e, bool(v))
	case Ref:
		n, err = scale.EncodeByteArray(e, v[:])
	}
	return total + n, err
}

func decodeValue(d *scale.Decoder) (Value, int, error) {
	kind, total, err := scale.DecodeCompact8(d)
	if err != nil {
		return nil, total, err
	}
	var (
		v Value
		n int
	)
	switch valueKind(kind) {
	case kindNull:
		return nil, total, nil
	case kindString:
		var s string
		s, n, err = scale.DecodeStringWithLimit(d, maxStringSize)
		v = String(s)
	case kindInt:
		var i uint64
		i, n, err = scale.DecodeCompact64(d)
		v = Int(int64(i))
	case kindFloat:
		var buf [8]byte
		n, err = scale.DecodeByteArray(d, buf[:])
		v = Float(math.Float64frombits(binary.BigEndian.Uint64(buf[:])))
	case kindBool:
		var b bool
		b, n, err = scale.DecodeBool(d)
		v = Bool(b)
	case kindRef:
		var ref Ref
		n, err = scale.DecodeByteArray(d, ref[:])
		v = ref
	default:
		return nil, total, fmt.Errorf("unknown value kind %d", kind)
	}
	return v, total + n, err
}
