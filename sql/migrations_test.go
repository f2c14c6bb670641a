package sql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsAppliedOnce(t *testing.T) {
	db := InMemory()

	current, err := version(db)
	require.NoError(t, err)

	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	require.Equal(t, migrations[len(migrations)-1].order, current)

	require.NoError(t, embeddedMigrations(db))
	again, err := version(db)
	require.NoError(t, err)
	require.Equal(t, current, again)
}

func TestMigrationsCreateTables(t *testing.T) {
	db := InMemory()
	for _, table := range []string{"feeds", "feed_messages", "spaces", "snapshots", "kvstore", "space_members"} {
		_, err := db.Exec("select count(*) from "+table, nil, nil)
		require.NoError(t, err, table)
	}
}
