package identity

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const projectColumns = `id, subject, issuer, issued_at, psig, penc, ssig, senc, token`

// CreateProject inserts p. A duplicate id or subject yields ErrAlreadyExists.
// Generated keys of an owned project are registered as well.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if p.IsOwner() {
			if err := registerKeys(conn, p.ID, p.PublicSig, p.PublicEnc); err != nil {
				return err
			}
		}
		err := exec(conn, `INSERT INTO project (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Subject, p.Issuer, p.IssuedAt,
			p.PublicSig.String(), p.PublicEnc.String(),
			nullableKey(p.SecretSig), nullableKey(p.SecretEnc), p.Token)
		if err != nil {
			return fmt.Errorf("create project %q: %w", p.Subject, mapConstraint(err))
		}
		return nil
	})
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(ctx context.Context, id string) (Project, error) {
	return s.getProject(ctx, `WHERE id = ?`, id)
}

// GetProjectBySubject returns the project with the given display name.
func (s *Store) GetProjectBySubject(ctx context.Context, subject string) (Project, error) {
	return s.getProject(ctx, `WHERE subject = ?`, subject)
}

func (s *Store) getProject(ctx context.Context, where string, arg any) (Project, error) {
	var (
		p     Project
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+projectColumns+` FROM project `+where, &sqlitex.ExecOptions{
			Args: []any{arg},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				p, err = scanProject(stmt)
				found = true
				return err
			},
		})
	})
	if err != nil {
		return Project{}, err
	}
	if !found {
		return Project{}, ErrNotFound
	}
	return p, nil
}

// ListProjects returns all projects ordered by subject.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+projectColumns+` FROM project ORDER BY subject`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p, err := scanProject(stmt)
				if err != nil {
					return err
				}
				out = append(out, p)
				return nil
			},
		})
	})
	return out, err
}

// DeleteProject removes the project, its invites and memberships, and
// releases their registered keys.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		err := exec(conn, `DELETE FROM pubkey WHERE owner_id = ?
			OR owner_id IN (SELECT id FROM invite WHERE project_id = ?)
			OR owner_id IN (SELECT id FROM membership WHERE project_id = ?)`, id, id, id)
		if err != nil {
			return err
		}
		if err := exec(conn, `DELETE FROM project WHERE id = ?`, id); err != nil {
			return err
		}
		return changed(conn)
	})
}

func scanProject(stmt *sqlite.Stmt) (Project, error) {
	p := Project{
		ID:       stmt.ColumnText(0),
		Subject:  stmt.ColumnText(1),
		Issuer:   stmt.ColumnText(2),
		IssuedAt: stmt.ColumnInt64(3),
		Token:    stmt.ColumnText(8),
	}
	var err error
	if p.PublicSig, err = keyColumn(stmt, 4); err != nil {
		return Project{}, err
	}
	if p.PublicEnc, err = keyColumn(stmt, 5); err != nil {
		return Project{}, err
	}
	if p.SecretSig, err = keyColumn(stmt, 6); err != nil {
		return Project{}, err
	}
	if p.SecretEnc, err = keyColumn(stmt, 7); err != nil {
		return Project{}, err
	}
	return p, nil
}
