package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/sql"
)

func TestSetGet(t *testing.T) {
	// Arrange
	db := sql.InMemory()
	key := types.PublicKey{0x0, 0x1}

	// Act
	require.NoError(t, Set(db, "identity", &key))

	// Assert
	var got types.PublicKey
	require.NoError(t, Get(db, "identity", &got))
	require.Equal(t, key, got)
}

func TestOverwrite(t *testing.T) {
	db := sql.InMemory()
	first := types.PublicKey{0x0, 0x1}
	second := types.PublicKey{0x0, 0x2}

	require.NoError(t, Set(db, "identity", &first))
	require.NoError(t, Set(db, "identity", &second))

	var got types.PublicKey
	require.NoError(t, Get(db, "identity", &got))
	require.Equal(t, second, got)
}

func TestDelete(t *testing.T) {
	db := sql.InMemory()
	key := types.PublicKey{0x0, 0x1}
	require.NoError(t, Set(db, "identity", &key))
	require.NoError(t, Set(db, "other", &key))

	require.NoError(t, Delete(db, "identity"))

	var got types.PublicKey
	require.ErrorIs(t, Get(db, "identity", &got), sql.ErrNotFound)
	require.NoError(t, Get(db, "other", &got))
}
