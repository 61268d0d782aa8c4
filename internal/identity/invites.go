package identity

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"pseudomat.org/internal/keys"
)

const inviteColumns = `id, project_id, subject, issued_at, psig, penc, ssig, senc,
	public_token, secret_token, revoke_token`

// CreateInvite inserts inv under its project. The project must exist
// (ErrNotFound otherwise); a second invite with the same name in the same
// project yields ErrAlreadyExists.
func (s *Store) CreateInvite(ctx context.Context, inv Invite) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := registerKeys(conn, inv.ID, inv.PublicSig, inv.PublicEnc); err != nil {
			return err
		}
		err := exec(conn, `INSERT INTO invite (`+inviteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.ProjectID, inv.Subject, inv.IssuedAt,
			inv.PublicSig.String(), inv.PublicEnc.String(), inv.SecretSig.String(), inv.SecretEnc.String(),
			inv.PublicToken, inv.SecretToken, nullableString(inv.RevokeToken))
		if err != nil {
			return fmt.Errorf("create invite %q: %w", inv.Subject, mapConstraint(err))
		}
		return nil
	})
}

func (s *Store) GetInvite(ctx context.Context, id string) (Invite, error) {
	return s.getInvite(ctx, `WHERE id = ?`, id)
}

func (s *Store) GetInviteBySubject(ctx context.Context, projectID, subject string) (Invite, error) {
	return s.getInvite(ctx, `WHERE project_id = ? AND subject = ?`, projectID, subject)
}

func (s *Store) getInvite(ctx context.Context, where string, args ...any) (Invite, error) {
	var (
		inv   Invite
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+inviteColumns+` FROM invite `+where, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				inv, err = scanInvite(stmt)
				found = true
				return err
			},
		})
	})
	if err != nil {
		return Invite{}, err
	}
	if !found {
		return Invite{}, ErrNotFound
	}
	return inv, nil
}

// ListInvites returns the invites of a project ordered by invitee name.
func (s *Store) ListInvites(ctx context.Context, projectID string) ([]Invite, error) {
	var out []Invite
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+inviteColumns+` FROM invite WHERE project_id = ? ORDER BY subject`, &sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inv, err := scanInvite(stmt)
				if err != nil {
					return err
				}
				out = append(out, inv)
				return nil
			},
		})
	})
	return out, err
}

// SetInviteRevocation stores the revocation token of an invite. Passing an
// empty token clears it.
func (s *Store) SetInviteRevocation(ctx context.Context, id, tok string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := exec(conn, `UPDATE invite SET revoke_token = ? WHERE id = ?`, nullableString(tok), id); err != nil {
			return err
		}
		return changed(conn)
	})
}

// DeleteInvite removes the invite and releases its keys.
func (s *Store) DeleteInvite(ctx context.Context, id string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := exec(conn, `DELETE FROM pubkey WHERE owner_id = ?`, id); err != nil {
			return err
		}
		if err := exec(conn, `DELETE FROM invite WHERE id = ?`, id); err != nil {
			return err
		}
		return changed(conn)
	})
}

func scanInvite(stmt *sqlite.Stmt) (Invite, error) {
	inv := Invite{
		ID:          stmt.ColumnText(0),
		ProjectID:   stmt.ColumnText(1),
		Subject:     stmt.ColumnText(2),
		IssuedAt:    stmt.ColumnInt64(3),
		PublicToken: stmt.ColumnText(8),
		SecretToken: stmt.ColumnText(9),
	}
	if !stmt.ColumnIsNull(10) {
		inv.RevokeToken = stmt.ColumnText(10)
	}
	var err error
	for i, dst := range []*keys.JWK{&inv.PublicSig, &inv.PublicEnc, &inv.SecretSig, &inv.SecretEnc} {
		if *dst, err = keyColumn(stmt, 4+i); err != nil {
			return Invite{}, err
		}
	}
	return inv, nil
}
