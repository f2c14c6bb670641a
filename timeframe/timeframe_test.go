package timeframe

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
)

var (
	a = types.PublicKey{1}
	b = types.PublicKey{2}
	c = types.PublicKey{3}
)

func randomTimeframe(rng *rand.Rand) Timeframe {
	tf := Timeframe{}
	for _, feed := range []types.PublicKey{a, b, c} {
		if rng.IntN(3) == 0 {
			continue
		}
		tf[feed] = rng.Uint64N(10)
	}
	return tf
}

func TestMerge(t *testing.T) {
	merged := Merge(New(Frame{a, 1}, Frame{b, 5}), New(Frame{b, 2}, Frame{c, 0}))
	require.Equal(t, New(Frame{a, 1}, Frame{b, 5}, Frame{c, 0}), merged)
	require.True(t, Merge().IsEmpty())
}

func TestMergeProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		x, y, z := randomTimeframe(rng), randomTimeframe(rng), randomTimeframe(rng)
		require.True(t, Merge(x, y).Equal(Merge(y, x)), "commutative")
		require.True(t, Merge(Merge(x, y), z).Equal(Merge(x, Merge(y, z))), "associative")
		require.True(t, Merge(x, x).Equal(x), "idempotent")

		merged := Merge(x, y)
		require.True(t, IsTargetReached(merged, x))
		require.True(t, IsTargetReached(merged, y))
	}
}

func TestIsTargetReached(t *testing.T) {
	for _, tc := range []struct {
		desc            string
		current, target Timeframe
		reached         bool
	}{
		{"empty target", New(Frame{a, 1}), Timeframe{}, true},
		{"both empty", Timeframe{}, nil, true},
		{"equal", New(Frame{a, 1}), New(Frame{a, 1}), true},
		{"ahead", New(Frame{a, 3}), New(Frame{a, 1}), true},
		{"behind", New(Frame{a, 0}), New(Frame{a, 1}), false},
		{"missing feed", New(Frame{a, 5}), New(Frame{a, 1}, Frame{b, 0}), false},
		{"extra feed ignored", New(Frame{a, 1}, Frame{c, 9}), New(Frame{a, 1}), true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.reached, IsTargetReached(tc.current, tc.target))
		})
	}
}

func TestDependencies(t *testing.T) {
	want := New(Frame{a, 3}, Frame{b, 1}, Frame{c, 0})
	have := New(Frame{a, 3}, Frame{b, 0})
	require.Equal(t, New(Frame{b, 1}, Frame{c, 0}), Dependencies(want, have))
	require.True(t, Dependencies(have, want).IsEmpty())
}

func TestTotal(t *testing.T) {
	require.Zero(t, Total(nil))
	require.Equal(t, uint64(6), Total(New(Frame{a, 3}, Frame{b, 0})))
}

func TestSetKeepsMax(t *testing.T) {
	tf := Timeframe{}
	tf.Set(a, 4)
	tf.Set(a, 2)
	require.Equal(t, uint64(4), tf[a])
	require.Equal(t, uint64(5), tf.Length(a))
	require.Zero(t, tf.Length(b))
}

func TestCodec(t *testing.T) {
	tf := New(Frame{c, 1 << 40}, Frame{a, 0}, Frame{b, 7})
	buf, err := codec.Encode(&tf)
	require.NoError(t, err)

	var decoded Timeframe
	require.NoError(t, codec.Decode(buf, &decoded))
	require.Equal(t, tf, decoded)

	clone := tf.Clone()
	other, err := codec.Encode(&clone)
	require.NoError(t, err)
	require.Equal(t, buf, other, "encoding must not depend on map order")
	require.Equal(t, []types.PublicKey{a, b, c}, tf.Keys())
}
