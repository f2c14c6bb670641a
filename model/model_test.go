package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/common/types"
)

type nopModel struct{ typ string }

func (m nopModel) Type() string                          { return m.typ }
func (nopModel) Initial() State                          { return nil }
func (nopModel) Decode([]byte) (Mutation, error)         { return nil, nil }
func (nopModel) Encode(Mutation) ([]byte, error)         { return nil, nil }
func (nopModel) Apply(s State, _ Mutation, _ Meta) State { return s }
func (nopModel) EncodeState(State) ([]byte, error)       { return nil, nil }
func (nopModel) DecodeState([]byte) (State, error)       { return nil, nil }

func TestFactory(t *testing.T) {
	f := NewFactory(nopModel{"b"}, nopModel{"a"})
	require.Equal(t, []string{"a", "b"}, f.Types())
	require.Error(t, f.Register(nopModel{"a"}))

	m, err := f.Get("a")
	require.NoError(t, err)
	require.Equal(t, "a", m.Type())

	_, err = f.Get("c")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestStampCompare(t *testing.T) {
	base := Stamp{Lamport: 2, Feed: types.PublicKey{2}, Seq: 5}
	require.Zero(t, base.Compare(base))
	require.Equal(t, -1, base.Compare(Stamp{Lamport: 3}))
	require.Equal(t, 1, base.Compare(Stamp{Lamport: 2, Feed: types.PublicKey{1}, Seq: 9}))
	require.Equal(t, -1, base.Compare(Stamp{Lamport: 2, Feed: types.PublicKey{2}, Seq: 6}))
	require.True(t, Stamp{}.IsZero())
	require.Equal(t, -1, Stamp{}.Compare(base))
}
