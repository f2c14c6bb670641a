// Package kvstore keeps small node scoped records, such as the local identity.
package kvstore

import (
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/sql"
)

// Set stores value under key, replacing the previous value.
func Set(db sql.Executor, key string, value scale.Encodable) error {
	bytes, err := codec.Encode(value)
	if err != nil {
		return fmt.Errorf("failed encoding: %w", err)
	}

	if _, err := db.Exec(`
		insert into kvstore (id, value) values (?1, ?2)
		on conflict (id) do
		update set value = ?2;`,
		func(stmt *sql.Statement) {
			stmt.BindText(1, key)
			stmt.BindBytes(2, bytes)
		}, nil); err != nil {
		return fmt.Errorf("failed to insert value: %w", err)
	}
	return nil
}

// Get decodes the value stored under key. Returns sql.ErrNotFound if the key is missing.
func Get(db sql.Executor, key string, value scale.Decodable) error {
	var val []byte
	if rows, err := db.Exec("select value from kvstore where id = ?1;", func(stmt *sql.Statement) {
		stmt.BindText(1, key)
	}, func(stmt *sql.Statement) bool {
		val = sql.ColumnBytes(stmt, 0)
		return true
	}); err != nil {
		return fmt.Errorf("failed to get value: %w", err)
	} else if rows == 0 {
		return fmt.Errorf("failed to get value %s: %w", key, sql.ErrNotFound)
	}

	if err := codec.Decode(val, value); err != nil {
		return fmt.Errorf("failed decoding: %w", err)
	}
	return nil
}

// Delete removes the key.
func Delete(db sql.Executor, key string) error {
	if _, err := db.Exec("delete from kvstore where id = ?1;", func(stmt *sql.Statement) {
		stmt.BindText(1, key)
	}, nil); err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	return nil
}
