// Package feeds persists feeds and their signed messages.
package feeds

import (
	"fmt"
	"time"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/sql"
)

// Add records a feed. Adding an existing feed is a noop.
func Add(db sql.Executor, feed types.PublicKey, created time.Time) error {
	if _, err := db.Exec(`insert into feeds (pubkey, created) values (?1, ?2)
		on conflict (pubkey) do nothing;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, feed.Bytes())
			stmt.BindInt64(2, created.Unix())
		}, nil); err != nil {
		return fmt.Errorf("insert feed %s: %w", feed.ShortString(), err)
	}
	return nil
}

// Has returns true if the feed was added.
func Has(db sql.Executor, feed types.PublicKey) (bool, error) {
	rows, err := db.Exec("select 1 from feeds where pubkey = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, feed.Bytes())
		}, nil)
	if err != nil {
		return false, fmt.Errorf("has feed %s: %w", feed.ShortString(), err)
	}
	return rows > 0, nil
}

// All returns keys of all known feeds.
func All(db sql.Executor) ([]types.PublicKey, error) {
	var rst []types.PublicKey
	if _, err := db.Exec("select pubkey from feeds order by pubkey;", nil,
		func(stmt *sql.Statement) bool {
			var key types.PublicKey
			stmt.ColumnBytes(0, key[:])
			rst = append(rst, key)
			return true
		}); err != nil {
		return nil, fmt.Errorf("select feeds: %w", err)
	}
	return rst, nil
}

// Length returns the number of messages stored for the feed.
func Length(db sql.Executor, feed types.PublicKey) (uint64, error) {
	var length uint64
	if _, err := db.Exec("select count(*) from feed_messages where feed = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, feed.Bytes())
		}, func(stmt *sql.Statement) bool {
			length = uint64(stmt.ColumnInt64(0))
			return true
		}); err != nil {
		return 0, fmt.Errorf("count messages of %s: %w", feed.ShortString(), err)
	}
	return length, nil
}

// AddMessage stores a message. Returns sql.ErrObjectExists if the seq is taken.
func AddMessage(db sql.Executor, feed types.PublicKey, seq uint64, payload []byte, sig types.EdSignature) error {
	if _, err := db.Exec(`insert into feed_messages (feed, seq, payload, signature)
		values (?1, ?2, ?3, ?4);`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, feed.Bytes())
			stmt.BindInt64(2, int64(seq))
			stmt.BindBytes(3, payload)
			stmt.BindBytes(4, sig[:])
		}, nil); err != nil {
		return fmt.Errorf("insert message %s/%d: %w", feed.ShortString(), seq, err)
	}
	return nil
}

// GetMessage loads a message payload and signature.
func GetMessage(db sql.Executor, feed types.PublicKey, seq uint64) (payload []byte, sig types.EdSignature, err error) {
	rows, err := db.Exec("select payload, signature from feed_messages where feed = ?1 and seq = ?2;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, feed.Bytes())
			stmt.BindInt64(2, int64(seq))
		}, func(stmt *sql.Statement) bool {
			payload = sql.ColumnBytes(stmt, 0)
			stmt.ColumnBytes(1, sig[:])
			return true
		})
	if err != nil {
		return nil, sig, fmt.Errorf("get message %s/%d: %w", feed.ShortString(), seq, err)
	}
	if rows == 0 {
		return nil, sig, fmt.Errorf("message %s/%d: %w", feed.ShortString(), seq, sql.ErrNotFound)
	}
	return payload, sig, nil
}

// IterateMessages calls fn for messages of feed starting at seq from, in order,
// until fn returns false.
func IterateMessages(db sql.Executor, feed types.PublicKey, from uint64,
	fn func(seq uint64, payload []byte, sig types.EdSignature) bool,
) error {
	if _, err := db.Exec(`select seq, payload, signature from feed_messages
		where feed = ?1 and seq >= ?2 order by seq;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, feed.Bytes())
			stmt.BindInt64(2, int64(from))
		}, func(stmt *sql.Statement) bool {
			var sig types.EdSignature
			stmt.ColumnBytes(2, sig[:])
			return fn(uint64(stmt.ColumnInt64(0)), sql.ColumnBytes(stmt, 1), sig)
		}); err != nil {
		return fmt.Errorf("iterate messages of %s: %w", feed.ShortString(), err)
	}
	return nil
}
