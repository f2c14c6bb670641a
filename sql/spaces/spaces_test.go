package spaces

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/sql"
)

func TestAddGet(t *testing.T) {
	db := sql.InMemory()
	space := &Space{
		Key:         types.PublicKey{1},
		GenesisFeed: types.PublicKey{2},
		State:       Active,
		Created:     time.Unix(100, 0),
	}
	require.NoError(t, Add(db, space))
	require.ErrorIs(t, Add(db, space), sql.ErrObjectExists)

	got, err := Get(db, space.Key)
	require.NoError(t, err)
	require.Equal(t, space, got)
	require.True(t, got.ControlFeed.Empty())

	_, err = Get(db, types.PublicKey{9})
	require.ErrorIs(t, err, sql.ErrNotFound)
}

func TestUpdates(t *testing.T) {
	db := sql.InMemory()
	key := types.PublicKey{1}
	require.ErrorIs(t, SetState(db, key, Active), sql.ErrNotFound)
	require.NoError(t, Add(db, &Space{Key: key, GenesisFeed: types.PublicKey{2}, Created: time.Unix(1, 0)}))

	require.NoError(t, SetFeeds(db, key, types.PublicKey{3}, types.PublicKey{4}))
	require.NoError(t, SetState(db, key, Active))
	got, err := Get(db, key)
	require.NoError(t, err)
	require.Equal(t, types.PublicKey{3}, got.ControlFeed)
	require.Equal(t, types.PublicKey{4}, got.DataFeed)
	require.Equal(t, Active, got.State)
}

func TestListAndDelete(t *testing.T) {
	db := sql.InMemory()
	for _, key := range []types.PublicKey{{3}, {1}, {2}} {
		require.NoError(t, Add(db, &Space{Key: key, GenesisFeed: key, Created: time.Unix(1, 0)}))
	}
	all, err := List(db)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, s := range all {
		require.Equal(t, types.PublicKey{byte(i + 1)}, s.Key)
	}

	require.NoError(t, AddMember(db, types.PublicKey{1}, types.PublicKey{7}, time.Now()))
	require.NoError(t, Delete(db, types.PublicKey{1}))
	all, err = List(db)
	require.NoError(t, err)
	require.Len(t, all, 2)
	members, err := Members(db, types.PublicKey{1})
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestMembers(t *testing.T) {
	db := sql.InMemory()
	space := types.PublicKey{1}
	require.NoError(t, AddMember(db, space, types.PublicKey{9}, time.Now()))
	require.NoError(t, AddMember(db, space, types.PublicKey{8}, time.Now()))
	require.NoError(t, AddMember(db, space, types.PublicKey{9}, time.Now()))
	require.NoError(t, AddMember(db, types.PublicKey{2}, types.PublicKey{7}, time.Now()))

	members, err := Members(db, space)
	require.NoError(t, err)
	require.Equal(t, []types.PublicKey{{8}, {9}}, members)
}
