// Package counter implements a commutative integer counter.
package counter

import (
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/model"
)

// Type of the model.
const Type = "spacedb.counter"

// Mutation adds Delta to the counter.
type Mutation struct {
	Delta int64
}

// Add returns a mutation adding delta.
func Add(delta int64) *Mutation {
	return &Mutation{Delta: delta}
}

// EncodeScale implements scale codec interface.
func (m *Mutation) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeCompact64(e, uint64(m.Delta))
}

// DecodeScale implements scale codec interface.
func (m *Mutation) DecodeScale(d *scale.Decoder) (int, error) {
	v, n, err := scale.DecodeCompact64(d)
	m.Delta = int64(v)
	return n, err
}

// State of a counter.
type State struct {
	Value int64
}

// EncodeScale implements scale codec interface.
func (s *State) EncodeScale(e *scale.Encoder) (int, error) {
	return scale.EncodeCompact64(e, uint64(s.Value))
}

// DecodeScale implements scale codec interface.
func (s *State) DecodeScale(d *scale.Decoder) (int, error) {
	v, n, err := scale.DecodeCompact64(d)
	s.Value = int64(v)
	return n, err
}

// Property exposes the counter value as "value".
func (s *State) Property(key string) (any, bool) {
	if key != "value" {
		return nil, false
	}
	return s.Value, true
}

// Model implements model.Model for counters.
type Model struct{}

var _ model.Model = Model{}

func (Model) Type() string { return Type }

func (Model) Initial() model.State { return &State{} }

func (Model) Decode(buf []byte) (model.Mutation, error) {
	m := &Mutation{}
	if err := codec.Decode(buf, m); err != nil {
		return nil, fmt.Errorf("decode counter mutation: %w", err)
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

func (Model) Apply(state model.State, mutation model.Mutation, _ model.Meta) model.State {
	current, ok := state.(*State)
	if !ok || current == nil {
		current = &State{}
	}
	m, ok := mutation.(*Mutation)
	if !ok || m.Delta == 0 {
		return current
	}
	return &State{Value: current.Value + m.Delta}
}

func (Model) EncodeState(state model.State) ([]byte, error) {
	s, ok := state.(*State)
	if !ok {
		return nil, fmt.Errorf("unexpected state %T", state)
	}
	return codec.Encode(s)
}

func (Model) DecodeState(buf []byte) (model.State, error) {
	s := &State{}
	if err := codec.Decode(buf, s); err != nil {
		return nil, fmt.Errorf("decode counter state: %w", err)
	}
	return s, nil
}
