package feeds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/sql"
)

func TestAddFeed(t *testing.T) {
	db := sql.InMemory()
	feed := types.PublicKey{1}

	has, err := Has(db, feed)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, Add(db, feed, time.Now()))
	require.NoError(t, Add(db, feed, time.Now()))
	require.NoError(t, Add(db, types.PublicKey{0}, time.Now()))

	has, err = Has(db, feed)
	require.NoError(t, err)
	require.True(t, has)

	all, err := All(db)
	require.NoError(t, err)
	require.Equal(t, []types.PublicKey{{0}, {1}}, all)
}

func TestMessages(t *testing.T) {
	db := sql.InMemory()
	feed := types.PublicKey{1}
	other := types.PublicKey{2}

	for seq := uint64(0); seq < 5; seq++ {
		require.NoError(t, AddMessage(db, feed, seq, []byte{byte(seq)}, types.EdSignature{byte(seq)}))
	}
	require.NoError(t, AddMessage(db, other, 0, []byte("other"), types.EdSignature{}))
	require.ErrorIs(t, AddMessage(db, feed, 2, []byte{9}, types.EdSignature{}), sql.ErrObjectExists)

	length, err := Length(db, feed)
	require.NoError(t, err)
	require.Equal(t, uint64(5), length)

	payload, sig, err := GetMessage(db, feed, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{3}, payload)
	require.Equal(t, types.EdSignature{3}, sig)

	_, _, err = GetMessage(db, feed, 5)
	require.ErrorIs(t, err, sql.ErrNotFound)

	var seqs []uint64
	require.NoError(t, IterateMessages(db, feed, 2, func(seq uint64, payload []byte, _ types.EdSignature) bool {
		require.Equal(t, []byte{byte(seq)}, payload)
		seqs = append(seqs, seq)
		return seq < 3
	}))
	require.Equal(t, []uint64{2, 3}, seqs)
}
