// Package model defines the contract of pluggable reducers that turn decoded
// mutations into object state.
package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spacemeshos/go-scale"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/go-spacedb/common/types"
)

// ErrUnknownModel is returned when no model is registered for a type.
var ErrUnknownModel = errors.New("model: unknown model")

// State is the model specific state of an object. Apply must never modify a
// state it received, committed states are shared with readers.
type State any

// Mutation is a decoded model specific change.
type Mutation any

// Stamp orders mutations consistently with causality. Lamport is derived from the
// timeframe the writer had consumed when the mutation was written, ties are broken
// by feed key and seq.
type Stamp struct {
	Lamport uint64
	Feed    types.PublicKey
	Seq     uint64
}

// Compare returns -1, 0 or 1 if s is before, equal or after other.
func (s Stamp) Compare(other Stamp) int {
	switch {
	case s.Lamport < other.Lamport:
		return -1
	case s.Lamport > other.Lamport:
		return 1
	}
	if c := s.Feed.Compare(other.Feed); c != 0 {
		return c
	}
	switch {
	case s.Seq < other.Seq:
		return -1
	case s.Seq > other.Seq:
		return 1
	}
	return 0
}

// IsZero returns true for the stamp that precedes all others.
func (s Stamp) IsZero() bool {
	return s == Stamp{}
}

// EncodeScale implements scale codec interface.
func (s *Stamp) EncodeScale(e *scale.Encoder) (int, error) {
	total, err := scale.EncodeCompact64(e, s.Lamport)
	if err != nil {
		return total, err
	}
	n, err := s.Feed.EncodeScale(e)
	total += n
	if err != nil {
		return total, err
	}
	n, err = scale.EncodeCompact64(e, s.Seq)
	return total + n, err
}

// DecodeScale implements scale codec interface.
func (s *Stamp) DecodeScale(d *scale.Decoder) (int, error) {
	lamport, total, err := scale.DecodeCompact64(d)
	if err != nil {
		return total, err
	}
	s.Lamport = lamport
	n, err := s.Feed.DecodeScale(d)
	total += n
	if err != nil {
		return total, err
	}
	seq, n, err := scale.DecodeCompact64(d)
	s.Seq = seq
	return total + n, err
}

// MarshalLogObject implements logging encoder for Stamp.
func (s Stamp) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddUint64("lamport", s.Lamport)
	encoder.AddString("feed", s.Feed.ShortString())
	encoder.AddUint64("seq", s.Seq)
	return nil
}

// Meta describes the message a mutation was read from.
type Meta struct {
	Object types.ObjectID
	Stamp  Stamp
}

// Model is a deterministic reducer for one model type. Apply must be total: a
// mutation it doesn't understand leaves the state unchanged. Mutations from
// different feeds may arrive in any order consistent with causality, so Apply
// must converge regardless of the interleaving of concurrent mutations.
type Model interface {
	Type() string
	Initial() State
	Decode([]byte) (Mutation, error)
	Encode(Mutation) ([]byte, error)
	Apply(State, Mutation, Meta) State
	EncodeState(State) ([]byte, error)
	DecodeState([]byte) (State, error)
}

// Factory is a registry of models by type.
type Factory struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewFactory creates a factory with the given models registered.
func NewFactory(models ...Model) *Factory {
	f := &Factory{models: map[string]Model{}}
	for _, m := range models {
		if err := f.Register(m); err != nil {
			panic(err)
		}
	}
	return f
}

// Register adds a model. Registering a type twice is an error.
func (f *Factory) Register(m Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.models[m.Type()]; ok {
		return fmt.Errorf("model %s already registered", m.Type())
	}
	f.models[m.Type()] = m
	return nil
}

// Get returns the model for typ.
func (f *Factory) Get(typ string) (Model, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.models[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, typ)
	}
	return m, nil
}

// Types returns registered model types in sorted order.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.models))
	for typ := range f.models {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
