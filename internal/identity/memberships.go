package identity

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"pseudomat.org/internal/keys"
)

const membershipColumns = `id, project_id, invite_id, subject, issued_at, psig, penc, ssig, senc,
	invite_token, token`

// CreateMembership records an accepted invite. The member view of the
// project must already be stored.
func (s *Store) CreateMembership(ctx context.Context, m Membership) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := registerKeys(conn, m.ID, m.PublicSig, m.PublicEnc); err != nil {
			return err
		}
		err := exec(conn, `INSERT INTO membership (`+membershipColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ProjectID, m.InviteID, m.Subject, m.IssuedAt,
			m.PublicSig.String(), m.PublicEnc.String(), m.SecretSig.String(), m.SecretEnc.String(),
			m.InviteToken, m.Token)
		if err != nil {
			return fmt.Errorf("create membership %q: %w", m.Subject, mapConstraint(err))
		}
		return nil
	})
}

func (s *Store) GetMembership(ctx context.Context, id string) (Membership, error) {
	var (
		m     Membership
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+membershipColumns+` FROM membership WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				m, err = scanMembership(stmt)
				found = true
				return err
			},
		})
	})
	if err != nil {
		return Membership{}, err
	}
	if !found {
		return Membership{}, ErrNotFound
	}
	return m, nil
}

// ListMemberships returns the memberships held for a project.
func (s *Store) ListMemberships(ctx context.Context, projectID string) ([]Membership, error) {
	var out []Membership
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+membershipColumns+` FROM membership WHERE project_id = ? ORDER BY subject`, &sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m, err := scanMembership(stmt)
				if err != nil {
					return err
				}
				out = append(out, m)
				return nil
			},
		})
	})
	return out, err
}

func (s *Store) DeleteMembership(ctx context.Context, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := exec(conn, `DELETE FROM pubkey WHERE owner_id = ?`, id); err != nil {
			return err
		}
		if err := exec(conn, `DELETE FROM membership WHERE id = ?`, id); err != nil {
			return err
		}
		return changed(conn)
	})
}

func scanMembership(stmt *sqlite.Stmt) (Membership, error) {
	m := Membership{
		ID:          stmt.ColumnText(0),
		ProjectID:   stmt.ColumnText(1),
		InviteID:    stmt.ColumnText(2),
		Subject:     stmt.ColumnText(3),
		IssuedAt:    stmt.ColumnInt64(4),
		InviteToken: stmt.ColumnText(9),
		Token:       stmt.ColumnText(10),
	}
	var err error
	for i, dst := range []*keys.JWK{&m.PublicSig, &m.PublicEnc, &m.SecretSig, &m.SecretEnc} {
		if *dst, err = keyColumn(stmt, 5+i); err != nil {
			return Membership{}, err
		}
	}
	return m, nil
}
