package identity

import (
	"context"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Well-known config keys.
const ConfigDefaultProject = "default_project"

// GetConfig returns the value stored under key. ok is false when the key is
// absent.
func (s *Store) GetConfig(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM config WHERE key = ?`, &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if !stmt.ColumnIsNull(0) {
					value, ok = stmt.ColumnText(0), true
				}
				return nil
			},
		})
	})
	return value, ok, err
}

// SetConfig stores value under key; a nil value removes the key.
func (s *Store) SetConfig(ctx context.Context, key string, value *string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if value == nil {
			return exec(conn, `DELETE FROM config WHERE key = ?`, key)
		}
		return exec(conn, `INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, *value)
	})
}
