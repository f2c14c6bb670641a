// Package spaces persists metadata of the spaces a node takes part in.
package spaces

import (
	"fmt"
	"time"

	"github.com/spacemeshos/go-spacedb/common/types"
	"github.com/spacemeshos/go-spacedb/sql"
)

// State is the persisted activation of a space.
type State uint8

const (
	Inactive State = iota
	Active
)

// Space is the durable record of a space. ControlFeed and DataFeed are empty until
// the feeds of this device were admitted.
type Space struct {
	Key         types.PublicKey
	GenesisFeed types.PublicKey
	ControlFeed types.PublicKey
	DataFeed    types.PublicKey
	State       State
	Created     time.Time
}

const columns = "key, genesis_feed, control_feed, data_feed, state, created"

func decode(stmt *sql.Statement) *Space {
	s := &Space{}
	stmt.ColumnBytes(0, s.Key[:])
	stmt.ColumnBytes(1, s.GenesisFeed[:])
	if !sql.IsNull(stmt, 2) {
		stmt.ColumnBytes(2, s.ControlFeed[:])
	}
	if !sql.IsNull(stmt, 3) {
		stmt.ColumnBytes(3, s.DataFeed[:])
	}
	s.State = State(stmt.ColumnInt(4))
	s.Created = time.Unix(stmt.ColumnInt64(5), 0)
	return s
}

func bindKey(stmt *sql.Statement, col int, key types.PublicKey) {
	if key.Empty() {
		stmt.BindNull(col)
	} else {
		stmt.BindBytes(col, key.Bytes())
	}
}

// Add inserts a space. Returns sql.ErrObjectExists if the space was added before.
func Add(db sql.Executor, s *Space) error {
	if _, err := db.Exec(`insert into spaces (`+columns+`)
		values (?1, ?2, ?3, ?4, ?5, ?6);`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, s.Key.Bytes())
			stmt.BindBytes(2, s.GenesisFeed.Bytes())
			bindKey(stmt, 3, s.ControlFeed)
			bindKey(stmt, 4, s.DataFeed)
			stmt.BindInt64(5, int64(s.State))
			stmt.BindInt64(6, s.Created.Unix())
		}, nil); err != nil {
		return fmt.Errorf("insert space %s: %w", s.Key.ShortString(), err)
	}
	return nil
}

// Get loads a space.
func Get(db sql.Executor, key types.PublicKey) (*Space, error) {
	var rst *Space
	rows, err := db.Exec("select "+columns+" from spaces where key = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, key.Bytes())
		}, func(stmt *sql.Statement) bool {
			rst = decode(stmt)
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("get space %s: %w", key.ShortString(), err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("space %s: %w", key.ShortString(), sql.ErrNotFound)
	}
	return rst, nil
}

// List returns all spaces ordered by key.
func List(db sql.Executor) ([]*Space, error) {
	var rst []*Space
	if _, err := db.Exec("select "+columns+" from spaces order by key;", nil,
		func(stmt *sql.Statement) bool {
			rst = append(rst, decode(stmt))
			return true
		}); err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	return rst, nil
}

func update(db sql.Executor, key types.PublicKey, query string, encoder sql.Encoder) error {
	rows, err := db.Exec(query, func(stmt *sql.Statement) {
		stmt.BindBytes(1, key.Bytes())
		encoder(stmt)
	}, nil)
	if err != nil {
		return fmt.Errorf("update space %s: %w", key.ShortString(), err)
	}
	if rows == 0 {
		return fmt.Errorf("space %s: %w", key.ShortString(), sql.ErrNotFound)
	}
	return nil
}

// SetFeeds records the writable feeds of this device.
func SetFeeds(db sql.Executor, key, control, data types.PublicKey) error {
	return update(db, key, "update spaces set control_feed = ?2, data_feed = ?3 where key = ?1 returning key;",
		func(stmt *sql.Statement) {
			bindKey(stmt, 2, control)
			bindKey(stmt, 3, data)
		})
}

// SetState records the activation of the space.
func SetState(db sql.Executor, key types.PublicKey, state State) error {
	return update(db, key, "update spaces set state = ?2 where key = ?1 returning key;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(2, int64(state))
		})
}

// Delete removes the space and its members.
func Delete(db sql.Executor, key types.PublicKey) error {
	for _, query := range []string{
		"delete from space_members where space = ?1;",
		"delete from spaces where key = ?1;",
	} {
		if _, err := db.Exec(query, func(stmt *sql.Statement) {
			stmt.BindBytes(1, key.Bytes())
		}, nil); err != nil {
			return fmt.Errorf("delete space %s: %w", key.ShortString(), err)
		}
	}
	return nil
}

// AddMember records an admitted identity. Adding a member twice is a noop.
func AddMember(db sql.Executor, space, identity types.PublicKey, added time.Time) error {
	if _, err := db.Exec(`insert into space_members (space, identity, added)
		values (?1, ?2, ?3) on conflict (space, identity) do nothing;`,
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, space.Bytes())
			stmt.BindBytes(2, identity.Bytes())
			stmt.BindInt64(3, added.Unix())
		}, nil); err != nil {
		return fmt.Errorf("insert member of %s: %w", space.ShortString(), err)
	}
	return nil
}

// Members returns identities admitted to the space, ordered by key.
func Members(db sql.Executor, space types.PublicKey) ([]types.PublicKey, error) {
	var rst []types.PublicKey
	if _, err := db.Exec("select identity from space_members where space = ?1 order by identity;",
		func(stmt *sql.Statement) {
			stmt.BindBytes(1, space.Bytes())
		}, func(stmt *sql.Statement) bool {
			var identity types.PublicKey
			stmt.ColumnBytes(0, identity[:])
			rst = append(rst, identity)
			return true
		}); err != nil {
		return nil, fmt.Errorf("select members of %s: %w", space.ShortString(), err)
	}
	return rst, nil
}
