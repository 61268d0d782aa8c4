package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pseudomat.org/internal/keys"
	"pseudomat.org/internal/registry"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store implements registry.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ registry.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isCode(err error, code string) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == code
}

func (s *Store) InsertProject(ctx context.Context, p registry.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into projects(id, subject, issuer, psig, penc, token, verified, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, p.ID, p.Subject, p.Issuer, p.PublicSig.String(), p.PublicEnc.String(), p.Token, p.Verified, p.CreatedAt)
	if err == nil {
		return nil
	}
	if !isCode(err, pgErrUniqueViolation) {
		return err
	}
	return s.duplicate(ctx, `select token from projects where id=$1`, p.ID)
}

// duplicate re-reads the token stored under a contested key.
func (s *Store) duplicate(ctx context.Context, query string, args ...any) error {
	var stored string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return &registry.DuplicateError{Token: stored}
}

func (s *Store) GetProject(ctx context.Context, id string) (registry.Project, error) {
	var (
		p          registry.Project
		psig, penc string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, subject, issuer, psig, penc, token, verified, created_at
		from projects where id=$1
	`, id).Scan(&p.ID, &p.Subject, &p.Issuer, &psig, &penc, &p.Token, &p.Verified, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Project{}, registry.ErrStoreNotFound
	}
	if err != nil {
		return registry.Project{}, err
	}
	if p.PublicSig, err = keys.Parse(psig); err != nil {
		return registry.Project{}, fmt.Errorf("project %s psig: %w", id, err)
	}
	if p.PublicEnc, err = keys.Parse(penc); err != nil {
		return registry.Project{}, fmt.Errorf("project %s penc: %w", id, err)
	}
	return p, nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from projects where id=$1 for update`, id).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.ErrStoreNotFound
		}
		return err
	}
	if err := dropMembers(ctx, tx, `
		delete from members where project_id=$1
		returning invite_id, coalesce(member_id,''), coalesce(revoke_id,'')
	`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from projects where id=$1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SetProjectVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update projects set verified = true where id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrStoreNotFound
	}
	return nil
}

func (s *Store) InsertInvite(ctx context.Context, inv registry.Invite) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	err := s.insertInvite(ctx, inv)
	switch {
	case err == nil:
		return nil
	case isCode(err, pgErrForeignKeyViolation):
		return registry.ErrStoreNotFound
	case isCode(err, pgErrUniqueViolation):
		return s.duplicate(ctx, `select token from invites where project_id=$1 and (id=$2 or subject=$3)`,
			inv.ProjectID, inv.ID, inv.Subject)
	}
	return err
}

func (s *Store) insertInvite(ctx context.Context, inv registry.Invite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into invites(project_id, id, subject, psig, penc, token, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, inv.ProjectID, inv.ID, inv.Subject, inv.PublicSig.String(), inv.PublicEnc.String(), inv.Token, inv.CreatedAt); err != nil {
		return err
	}
	if err := ref(ctx, tx, registry.LogEntry{ID: inv.ID, Token: inv.Token}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `insert into members(project_id, invite_id) values ($1,$2)`, inv.ProjectID, inv.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanInvite(row interface{ Scan(...any) error }) (registry.Invite, error) {
	var (
		inv        registry.Invite
		psig, penc string
	)
	if err := row.Scan(&inv.ProjectID, &inv.ID, &inv.Subject, &psig, &penc, &inv.Token, &inv.CreatedAt); err != nil {
		return registry.Invite{}, err
	}
	var err error
	if inv.PublicSig, err = keys.Parse(psig); err != nil {
		return registry.Invite{}, fmt.Errorf("invite %s psig: %w", inv.ID, err)
	}
	if inv.PublicEnc, err = keys.Parse(penc); err != nil {
		return registry.Invite{}, fmt.Errorf("invite %s penc: %w", inv.ID, err)
	}
	return inv, nil
}

func (s *Store) GetInvite(ctx context.Context, projectID, inviteID string) (registry.Invite, error) {
	inv, err := scanInvite(s.db.QueryRowContext(ctx, `
		select project_id, id, subject, psig, penc, token, created_at
		from invites where project_id=$1 and id=$2
	`, projectID, inviteID))
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Invite{}, registry.ErrStoreNotFound
	}
	return inv, err
}

func (s *Store) DeleteInvite(ctx context.Context, projectID, inviteID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := dropMembers(ctx, tx, `
		delete from members where project_id=$1 and invite_id=$2
		returning invite_id, coalesce(member_id,''), coalesce(revoke_id,'')
	`, projectID, inviteID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from invites where project_id=$1 and id=$2`, projectID, inviteID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrStoreNotFound
	}
	return tx.Commit()
}

func (s *Store) GetMember(ctx context.Context, projectID, inviteID string) (registry.Member, error) {
	m := registry.Member{ProjectID: projectID, InviteID: inviteID}
	err := s.db.QueryRowContext(ctx, `
		select coalesce(member_id,''), coalesce(revoke_id,'')
		from members where project_id=$1 and invite_id=$2
	`, projectID, inviteID).Scan(&m.MemberID, &m.RevokeID)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Member{}, registry.ErrStoreNotFound
	}
	if err != nil {
		return registry.Member{}, err
	}
	return m, nil
}

func (s *Store) AttachMember(ctx context.Context, projectID, inviteID string, e registry.LogEntry) error {
	return s.attach(ctx, projectID, inviteID, e, false)
}

func (s *Store) AttachRevocation(ctx context.Context, projectID, inviteID string, e registry.LogEntry) error {
	return s.attach(ctx, projectID, inviteID, e, true)
}

// attach links e into the member chain. Row locking serializes concurrent
// accepts and revocations of one invite.
func (s *Store) attach(ctx context.Context, projectID, inviteID string, e registry.LogEntry, revoke bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var memberID, revokeID string
	err = tx.QueryRowContext(ctx, `
		select coalesce(member_id,''), coalesce(revoke_id,'')
		from members where project_id=$1 and invite_id=$2
		for update
	`, projectID, inviteID).Scan(&memberID, &revokeID)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ErrStoreNotFound
	}
	if err != nil {
		return err
	}

	column, current := "member_id", memberID
	if revoke {
		column, current = "revoke_id", revokeID
	}
	if current != "" {
		var stored string
		if err := tx.QueryRowContext(ctx, `select token from member_log where id=$1`, current).Scan(&stored); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return &registry.DuplicateError{Token: stored}
	}
	if !revoke && revokeID != "" {
		return registry.ErrChainRevoked
	}

	if err := ref(ctx, tx, e); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update members set `+column+` = $3 where project_id=$1 and invite_id=$2`,
		projectID, inviteID, e.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetLogEntry(ctx context.Context, id string) (registry.LogEntry, error) {
	var e registry.LogEntry
	err := s.db.QueryRowContext(ctx, `select id, token, refs from member_log where id=$1`, id).Scan(&e.ID, &e.Token, &e.Refs)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.LogEntry{}, registry.ErrStoreNotFound
	}
	if err != nil {
		return registry.LogEntry{}, err
	}
	return e, nil
}

// --- refcounted log ---

func ref(ctx context.Context, tx *sql.Tx, e registry.LogEntry) error {
	_, err := tx.ExecContext(ctx, `
		insert into member_log(id, token, refs) values ($1,$2,1)
		on conflict (id) do update set refs = member_log.refs + 1
	`, e.ID, e.Token)
	return err
}

func unref(ctx context.Context, tx *sql.Tx, id string) error {
	if id == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `update member_log set refs = refs - 1 where id=$1`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `delete from member_log where id=$1 and refs <= 0`, id)
	return err
}

// dropMembers deletes member rows with query, which must return the three
// chain ids, and releases their log references.
func dropMembers(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var inviteID, memberID, revokeID string
		if err := rows.Scan(&inviteID, &memberID, &revokeID); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, inviteID, memberID, revokeID)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := unref(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}
