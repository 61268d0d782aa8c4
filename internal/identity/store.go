// Package identity is the local record of the projects, invites and
// memberships a user holds keys for. It lives in a single SQLite file.
package identity

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"pseudomat.org/internal/keys"
)

var (
	ErrNotFound      = errors.New("identity: not found")
	ErrAlreadyExists = errors.New("identity: already exists")
	// ErrKeyCollision means a freshly generated public key is already on
	// record. It is an integrity failure and must not be retried.
	ErrKeyCollision = errors.New("identity: public key collision")
)

const schema = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT
);
CREATE TABLE IF NOT EXISTS project (
	id        TEXT PRIMARY KEY,
	subject   TEXT NOT NULL UNIQUE,
	issuer    TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	psig      TEXT NOT NULL UNIQUE,
	penc      TEXT NOT NULL UNIQUE,
	ssig      TEXT UNIQUE,
	senc      TEXT UNIQUE,
	token     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS invite (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL REFERENCES project(id) ON DELETE CASCADE,
	subject      TEXT NOT NULL,
	issued_at    INTEGER NOT NULL,
	psig         TEXT NOT NULL UNIQUE,
	penc         TEXT NOT NULL UNIQUE,
	ssig         TEXT NOT NULL UNIQUE,
	senc         TEXT NOT NULL UNIQUE,
	public_token TEXT NOT NULL,
	secret_token TEXT NOT NULL,
	revoke_token TEXT,
	UNIQUE (project_id, subject)
);
CREATE TABLE IF NOT EXISTS membership (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL REFERENCES project(id) ON DELETE CASCADE,
	invite_id    TEXT NOT NULL UNIQUE,
	subject      TEXT NOT NULL,
	issued_at    INTEGER NOT NULL,
	psig         TEXT NOT NULL UNIQUE,
	penc         TEXT NOT NULL UNIQUE,
	ssig         TEXT NOT NULL UNIQUE,
	senc         TEXT NOT NULL UNIQUE,
	invite_token TEXT NOT NULL,
	token        TEXT NOT NULL
);
-- every locally generated public key, across all record kinds
CREATE TABLE IF NOT EXISTS pubkey (
	x        TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pubkey_owner ON pubkey(owner_id);
`

// Config configures Open.
type Config struct {
	// Path of the database file. The parent directory must exist.
	Path string
	// PoolSize defaults to 2; a CLI invocation rarely needs more.
	PoolSize int
}

// Store is the local identity store.
type Store struct {
	pool *sqlitex.Pool
}

// Open opens (creating if needed) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("identity: path is required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 2
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: open %s: %w", cfg.Path, err)
	}
	return &Store{pool: pool}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("identity: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close releases all connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("identity: take connection: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *Store) withTx(ctx context.Context, fn func(*sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		end, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("identity: begin: %w", err)
		}
		defer end(&err)
		return fn(conn)
	})
}

func exec(conn *sqlite.Conn, query string, args ...any) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case sqlite.ResultConstraintForeignKey:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// registerKeys records generated public keys for owner. A collision is
// reported as ErrKeyCollision.
func registerKeys(conn *sqlite.Conn, owner string, ks ...keys.JWK) error {
	for _, k := range ks {
		err := exec(conn, `INSERT INTO pubkey (x, owner_id) VALUES (?, ?)`, k.X, owner)
		if err != nil {
			if errors.Is(mapConstraint(err), ErrAlreadyExists) {
				return fmt.Errorf("%w: %s", ErrKeyCollision, k.X)
			}
			return err
		}
	}
	return nil
}

func nullableKey(k keys.JWK) any {
	if k.Kty == "" {
		return nil
	}
	return k.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func keyColumn(stmt *sqlite.Stmt, col int) (keys.JWK, error) {
	if stmt.ColumnIsNull(col) {
		return keys.JWK{}, nil
	}
	return keys.Parse(stmt.ColumnText(col))
}

func changed(conn *sqlite.Conn) error {
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}
