package sql

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTables(db Executor) error {
	if _, err := db.Exec(`create table testing1 (
		id varchar primary key,
		field int
	)`, nil, nil); err != nil {
		return err
	}
	return nil
}

func testURI(tb testing.TB) string {
	tb.Helper()
	return "file:" + filepath.Join(tb.TempDir(), "state.sql")
}

func TestTransactionIsolation(t *testing.T) {
	db := InMemory(WithMigrations(testTables))

	tx, err := db.Tx(context.TODO())
	require.NoError(t, err)

	key := "dsada"
	_, err = tx.Exec("insert into testing1(id, field) values (?1, ?2)", func(stmt *Statement) {
		stmt.BindText(1, key)
		stmt.BindInt64(2, 20)
	}, nil)
	require.NoError(t, err)

	rows, err := tx.Exec("select 1 from testing1 where id = ?1", func(stmt *Statement) {
		stmt.BindText(1, key)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rows)

	require.NoError(t, tx.Release())

	rows, err = db.Exec("select 1 from testing1 where id = ?1", func(stmt *Statement) {
		stmt.BindText(1, key)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, rows)
}

func TestWithTxRollback(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	failure := errors.New("failure")
	err := db.WithTx(context.Background(), func(tx *Tx) error {
		_, err := tx.Exec("insert into testing1(id, field) values ('a', 1)", nil, nil)
		require.NoError(t, err)
		return failure
	})
	require.ErrorIs(t, err, failure)

	rows, err := db.Exec("select 1 from testing1", nil, nil)
	require.NoError(t, err)
	require.Zero(t, rows)
}

func TestObjectExists(t *testing.T) {
	db := InMemory(WithMigrations(testTables))
	insert := func() error {
		_, err := db.Exec("insert into testing1(id, field) values ('a', 1)", nil, nil)
		return err
	}
	require.NoError(t, insert())
	require.ErrorIs(t, insert(), ErrObjectExists)
}

func TestDatabaseSkipMigrations(t *testing.T) {
	db := InMemory(WithMigrations(nil))
	_, err := db.Exec("select 1 from feeds", nil, nil)
	require.Error(t, err)
}

func TestPersistentDatabase(t *testing.T) {
	uri := testURI(t)
	db, err := Open(uri)
	require.NoError(t, err)
	_, err = db.Exec("insert into kvstore(id, value) values ('key', x'01')", nil, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	db, err = Open(uri)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	var value []byte
	rows, err := db.Exec("select value from kvstore where id = 'key'", nil, func(stmt *Statement) bool {
		value = ColumnBytes(stmt, 0)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 1, rows)
	require.Equal(t, []byte{1}, value)
}
