// Package object implements a last-writer-wins map of typed properties.
//
// Every property keeps the stamp of the mutation that last set it. A mutation
// replaces a property only if its stamp is greater, so replicas that apply the
// same mutations in any causally consistent order end with the same properties.
package object

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/model"
)

// Type of the model.
const Type = "spacedb.object"

const (
	maxOps       = 1 << 10
	maxKeySize   = 1 << 10
	maxStateKeys = 1 << 16
)

// Op sets or unsets (nil Value) a single property.
type Op struct {
	Key   string
	Value Value
}

// EncodeScale implements scale codec interface.
func (o *Op) EncodeScale(e *scale.Encoder) (int, error) {
	total, err := scale.EncodeStringWithLimit(e, o.Key, maxKeySize)
	if err != nil {
		return total, err
	}
	n, err := encodeValue(e, o.Value)
	return total + n, err
}

// DecodeScale implements scale codec interface.
func (o *Op) DecodeScale(d *scale.Decoder) (int, error) {
	key, total, err := scale.DecodeStringWithLimit(d, maxKeySize)
	if err != nil {
		return total, err
	}
	o.Key = key
	v, n, err := decodeValue(d)
	o.Value = v
	return total + n, err
}

// Mutation is a set of property changes applied atomically.
type Mutation struct {
	Ops []Op
}

// Set returns a mutation setting a single property.
func Set(key string, value Value) *Mutation {
	return &Mutation{Ops: []Op{{Key: key, Value: value}}}
}

// Unset returns a mutation unsetting a single property.
func Unset(key string) *Mutation {
	return &Mutation{Ops: []Op{{Key: key}}}
}

// Properties returns a mutation setting all properties of props.
func Properties(props map[string]Value) *Mutation {
	m := &Mutation{}
	for _, key := range slices.Sorted(maps.Keys(props)) {
		m.Ops = append(m.Ops, Op{Key: key, Value: props[key]})
	}
	return m
}

// EncodeScale implements scale codec interface.
func (m *Mutation) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeStructSliceWithLimit(e, m.Ops, maxOps)
}

// DecodeScale implements scale codec interface.
func (m *Mutation) DecodeScale(d *scale.Decoder) (int, error) {
	ops, n, err := scale.DecodeStructSliceWithLimit[Op](d, maxOps)
	m.Ops = ops
	return n, err
}

type entry struct {
	value Value
	stamp model.Stamp
}

// State of an object. It is immutable, Apply returns a new state.
type State struct {
	props map[string]entry
}

// Get returns the value of a set property.
func (s *State) Get(key string) (Value, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.props[key]
	if !ok || e.value == nil {
		return nil, false
	}
	return e.value, true
}

// Property returns the value of a set property.
func (s *State) Property(key string) (any, bool) {
	return s.Get(key)
}

// Keys returns the set properties in sorted order.
func (s *State) Keys() []string {
	if s == nil {
		return nil
	}
	var keys []string
	for key, e := range s.props {
		if e.value != nil {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Values returns all set properties.
func (s *State) Values() map[string]Value {
	values := map[string]Value{}
	for _, key := range s.Keys() {
		values[key] = s.props[key].value
	}
	return values
}

// Model implements model.Model for objects.
type Model struct{}

var _ model.Model = Model{}

func (Model) Type() string { return Type }

func (Model) Initial() model.State {
	return &State{props: map[string]entry{}}
}

func (Model) Decode(buf []byte) (model.Mutation, error) {
	m := &Mutation{}
	if err := codec.Decode(buf, m); err != nil {
		return nil, fmt.Errorf("decode object mutation: %w", err)
	}
	return m, nil
}

func (Model) Encode(mutation model.Mutation) ([]byte, error) {
	m, ok := mutation.(*Mutation)
	if !ok {
		return nil, fmt.Errorf("unexpected mutation %T", mutation)
	}
	return codec.Encode(m)
}

func (Model) Apply(state model.State, mutation model.Mutation, meta model.Meta) model.State {
	current, ok := state.(*State)
	if !ok || current == nil {
		current = &State{props: map[string]entry{}}
	}
	m, ok := mutation.(*Mutation)
	if !ok {
		return current
	}
	var next map[string]entry
	for _, op := range m.Ops {
		if existing, ok := current.props[op.Key]; ok && existing.stamp.Compare(meta.Stamp) >= 0 {
			continue
		}
		if next == nil {
			next = maps.Clone(current.props)
		}
		next[op.Key] = entry{value: op.Value, stamp: meta.Stamp}
	}
	if next == nil {
		return current
	}
	return &State{props: next}
}

func (Model) EncodeState(state model.State) ([]byte, error) {
	s, ok := state.(*State)
	if !ok {
		return nil, fmt.Errorf("unexpected state %T", state)
	}
	var buf bytes.Buffer
	enc := scale.NewEncoder(&buf)
	keys := slices.Sorted(maps.Keys(s.props))
	if _, err := scale.EncodeCompact32(enc, uint32(len(keys))); err != nil {
		return nil, err
	}
	for _, key := range keys {
		e := s.props[key]
		if _, err := scale.EncodeStringWithLimit(enc, key, maxKeySize); err != nil {
			return nil, err
		}
		if _, err := encodeValue(enc, e.value); err != nil {
			return nil, err
		}
		if _, err := e.stamp.EncodeScale(enc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (Model) DecodeState(buf []byte) (model.State, error) {
	dec := scale.NewDecoder(bytes.NewReader(buf))
	count, _, err := scale.DecodeCompact32(dec)
	if err != nil {
		return nil, err
	}
	if count > maxStateKeys {
		return nil, fmt.Errorf("too many properties %d", count)
	}
	props := make(map[string]entry, count)
	for i := uint32(0); i < count; i++ {
		key, _, err := scale.DecodeStringWithLimit(dec, maxKeySize)
		if err != nil {
			return nil, err
		}
		value, _, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		var stamp model.Stamp
		if _, err := stamp.DecodeScale(dec); err != nil {
			return nil, err
		}
		props[key] = entry{value: value, stamp: stamp}
	}
	return &State{props: props}, nil
}
