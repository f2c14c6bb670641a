// Package snapshots keeps the latest object store snapshot of every space.
package snapshots

import (
	"fmt"
	"time"

	"github.com/spacemeshos/go-spacedb/codec"
	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/sql"
	"github.com/spacemeshos/go-spacedb/timeframe"
)

// Save replaces the snapshot of space. Items are opaque to the database.
func Save(db sql.Executor, space types.PublicKey, tf timeframe.Timeframe, items []byte, created time.Time) error {
	encoded, err := codec.Encode(&tf)
	if err != nil {
		return fmt.Errorf("encode timeframe: %w", err)
	}
	if _, err := db.Exec(`insert into snapshots (space, timeframe, items, created)
		values (?1, ?2, ?3, ?4)
		on conflict (space) do update set timeframe = ?2, items = ?3, created = ?4;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, space.Bytes())
			stmt.BindBytes(2, encoded)
			stmt.BindBytes(3, items)
			stmt.BindInt64(4, created.Unix())
		}, nil); err != nil {
		return fmt.Errorf("save snapshot of %s: %w", space.ShortString(), err)
	}
	return nil
}

// Get loads the snapshot of space.
func Get(db sql.Executor, space types.PublicKey) (timeframe.Timeframe, []byte, error) {
	var encoded, items []byte
	rows, err := db.Exec("select timeframe, items from snapshots where space = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, space.Bytes())
		}, func(stmt *sql.Statement) bool {
			encoded = sql.ColumnBytes(stmt, 0)
			items = sql.ColumnBytes(stmt, 1)
			return true
		})
	if err != nil {
		return nil, nil, fmt.Errorf("get snapshot of %s: %w", space.ShortString(), err)
	}
	if rows == 0 {
		return nil, nil, fmt.Errorf("snapshot of %s: %w", space.ShortString(), sql.ErrNotFound)
	}
	var tf timeframe.Timeframe
	if err := codec.Decode(encoded, &tf); err != nil {
		return nil, nil, fmt.Errorf("decode timeframe: %w", err)
	}
	return tf, items, nil
}

// Delete removes the snapshot of space.
func Delete(db sql.Executor, space types.PublicKey) error {
	if _, err := db.Exec("delete from snapshots where space = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, space.Bytes())
		}, nil); err != nil {
		return fmt.Errorf("delete snapshot of %s: %w", space.ShortString(), err)
	}
	return nil
}
