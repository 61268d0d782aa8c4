// Package registry is the server side of project and invite registration.
// Handlers call Service, which verifies tokens, enforces proof of possession
// for deletions and applies idempotent writes to a Store.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"pseudomat.org/internal/audit"
	"pseudomat.org/internal/auth"
	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/mail"
	"pseudomat.org/internal/obs"
	"pseudomat.org/internal/token"
)

// Mailer sends the confirmation code of a freshly registered project.
type Mailer interface {
	Confirm(ctx context.Context, projectID, email, name string) error
}

// Options tunes a Service.
type Options struct {
	// Secret seeds confirmation codes. Verification is disabled when empty.
	Secret string
	// RequireVerified refuses invites for projects whose email address has
	// not been confirmed.
	RequireVerified bool
}

// Service implements the registration protocol over a Store.
type Service struct {
	store  Store
	mailer Mailer
	opts   Options
	now    func() time.Time
}

// NewService wires a service. mailer may be nil, in which case no
// confirmation mail is sent.
func NewService(store Store, mailer Mailer, opts Options) *Service {
	return &Service{store: store, mailer: mailer, opts: opts, now: time.Now}
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// RegisterProject verifies a self-signed project token and stores it. An
// identical replay is Replayed; a different token for the same id is a
// conflict.
func (s *Service) RegisterProject(ctx context.Context, tok string) (Project, Outcome, error) {
	claims, err := token.Verify(tok, token.TypeProject, nil)
	if err != nil {
		obs.ObserveRegistration("project", "rejected")
		return Project{}, 0, err
	}
	p := Project{
		ID:        claims.ID,
		Subject:   claims.Subject,
		Issuer:    claims.Issuer,
		PublicSig: claims.PublicSig,
		PublicEnc: claims.PublicEnc,
		Token:     tok,
		CreatedAt: s.now().UTC(),
	}
	err = s.store.InsertProject(ctx, p)
	if err != nil {
		outcome, err := s.resolveDuplicate("project", tok, err, "Project with that name already exists.")
		if err != nil {
			return Project{}, 0, err
		}
		stored, err := s.store.GetProject(ctx, p.ID)
		if err != nil {
			return Project{}, 0, s.storeError(err, errProjectNotFound)
		}
		return stored, outcome, nil
	}

	if s.mailer != nil {
		if err := s.mailer.Confirm(ctx, p.ID, p.Issuer, p.Subject); err != nil {
			if derr := s.store.DeleteProject(ctx, p.ID); derr != nil {
				obs.Error("compensating project delete failed", derr, map[string]any{"project": p.ID})
			}
			obs.ObserveRegistration("project", "rejected")
			if errors.Is(err, mail.ErrRateLimited) {
				return Project{}, 0, newError(ErrRateLimited, "You can create at most %d projects per email address per day.", mail.DefaultLimit)
			}
			return Project{}, 0, newError(ErrMailFailed, "Couldn’t send confirmation email.")
		}
	}
	obs.ObserveRegistration("project", "created")
	_ = audit.LogEvent(ctx, audit.EventProjectCreated, map[string]any{"project": p.ID, "issuer": p.Issuer})
	return p, Created, nil
}

// GetProject returns the stored project.
func (s *Service) GetProject(ctx context.Context, id string) (Project, error) {
	if !canon.IsID(id) {
		return Project{}, errIllegalID
	}
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return Project{}, s.storeError(err, errProjectNotFound)
	}
	return p, nil
}

// DeleteProject removes the project and everything registered under it once
// bearer proves possession of the project's signing key.
func (s *Service) DeleteProject(ctx context.Context, id, bearer string) error {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(bearer, auth.DeleteIntent("/"+id), p); err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return s.storeError(err, errProjectNotFound)
	}
	ctx = auth.ContextWithOwner(ctx, id)
	_ = audit.LogEvent(ctx, audit.EventProjectDeleted, map[string]any{"project": id})
	return nil
}

// VerifyProject marks the project's email address confirmed when code
// matches the one mailed on registration.
func (s *Service) VerifyProject(ctx context.Context, id, code string) error {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if s.opts.Secret == "" {
		return newError(ErrNotFound, "Email verification is not enabled on this server.")
	}
	want := mail.ConfirmationCode(p.ID, s.opts.Secret)
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(want)) != 1 {
		return newError(ErrForbidden, "Invalid confirmation code.")
	}
	if p.Verified {
		return nil
	}
	if err := s.store.SetProjectVerified(ctx, id); err != nil {
		return s.storeError(err, errProjectNotFound)
	}
	_ = audit.LogEvent(ctx, audit.EventProjectVerified, map[string]any{"project": id})
	return nil
}

// RegisterInvite stores a public invite signed by the project key. The path
// ids must equal the token's iss and jti.
func (s *Service) RegisterInvite(ctx context.Context, projectID, inviteID, tok string) (Invite, Outcome, error) {
	if !canon.IsID(inviteID) {
		return Invite{}, 0, errIllegalID
	}
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return Invite{}, 0, err
	}
	if typ, _, err := token.Peek(tok); err == nil && typ == token.TypeSecretInvite {
		obs.ObserveRegistration("invite", "rejected")
		return Invite{}, 0, &token.Error{Kind: token.ErrUnprocessable, Reason: "Private key material must not be registered."}
	}
	claims, err := token.Verify(tok, token.TypePublicInvite, &p.PublicSig)
	if err != nil {
		obs.ObserveRegistration("invite", "rejected")
		return Invite{}, 0, err
	}
	if claims.Issuer != projectID || claims.ID != inviteID {
		return Invite{}, 0, newError(ErrForbidden, "Claims 'iss' and 'jti' don’t correspond with request URI.")
	}
	if s.opts.RequireVerified && !p.Verified {
		return Invite{}, 0, newError(ErrUnverified, "Project email address has not been verified.")
	}
	inv := Invite{
		ID:        claims.ID,
		ProjectID: projectID,
		Subject:   claims.Subject,
		PublicSig: claims.PublicSig,
		PublicEnc: claims.PublicEnc,
		Token:     tok,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertInvite(ctx, inv); err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Invite{}, 0, errProjectNotFound
		}
		outcome, err := s.resolveDuplicate("invite", tok, err, "Invite with that name already exists.")
		if err != nil {
			return Invite{}, 0, err
		}
		return inv, outcome, nil
	}
	obs.ObserveRegistration("invite", "created")
	_ = audit.LogEvent(auth.ContextWithOwner(ctx, projectID), audit.EventInviteCreated,
		map[string]any{"project": projectID, "invite": inviteID})
	return inv, Created, nil
}

// GetInvite returns the invite and the current state of its member chain.
func (s *Service) GetInvite(ctx context.Context, projectID, inviteID string) (Invite, Member, error) {
	if !canon.IsID(projectID) || !canon.IsID(inviteID) {
		return Invite{}, Member{}, errIllegalID
	}
	inv, err := s.store.GetInvite(ctx, projectID, inviteID)
	if err != nil {
		return Invite{}, Member{}, s.storeError(err, errInviteNotFound)
	}
	m, err := s.store.GetMember(ctx, projectID, inviteID)
	if err != nil {
		return Invite{}, Member{}, s.storeError(err, errInviteNotFound)
	}
	return inv, m, nil
}

// GetMemberToken returns the member token that accepted the invite.
func (s *Service) GetMemberToken(ctx context.Context, projectID, inviteID string) (string, error) {
	_, m, err := s.GetInvite(ctx, projectID, inviteID)
	if err != nil {
		return "", err
	}
	if m.MemberID == "" {
		return "", errMemberNotFound
	}
	e, err := s.store.GetLogEntry(ctx, m.MemberID)
	if err != nil {
		return "", s.storeError(err, errMemberNotFound)
	}
	return e.Token, nil
}

// AcceptInvite attaches a member token, signed with the invite's key, to the
// invite's chain.
func (s *Service) AcceptInvite(ctx context.Context, projectID, inviteID, tok string) (Outcome, error) {
	inv, m, err := s.GetInvite(ctx, projectID, inviteID)
	if err != nil {
		return 0, err
	}
	claims, err := token.Verify(tok, token.TypeMember, &inv.PublicSig)
	if err != nil {
		obs.ObserveRegistration("member", "rejected")
		return 0, err
	}
	if claims.Issuer != inviteID {
		return 0, newError(ErrForbidden, "Claim 'iss' doesn’t correspond with request URI.")
	}
	if claims.Subject != inv.Subject {
		return 0, newError(ErrForbidden, "Claim 'sub' doesn’t match the invite.")
	}
	if m.Revoked() {
		return 0, newError(ErrRevoked, "Invite has been revoked.")
	}
	err = s.store.AttachMember(ctx, projectID, inviteID, LogEntry{ID: claims.ID, Token: tok})
	if err != nil {
		if errors.Is(err, ErrChainRevoked) {
			return 0, newError(ErrRevoked, "Invite has been revoked.")
		}
		if errors.Is(err, ErrStoreNotFound) {
			return 0, errInviteNotFound
		}
		return s.resolveDuplicate("member", tok, err, "Invite has already been accepted.")
	}
	obs.ObserveRegistration("member", "created")
	_ = audit.LogEvent(auth.ContextWithOwner(ctx, inviteID), audit.EventInviteAccepted,
		map[string]any{"project": projectID, "invite": inviteID})
	return Created, nil
}

// RevokeInvite attaches a revocation signed with the project key. Pending
// and accepted invites can both be revoked.
func (s *Service) RevokeInvite(ctx context.Context, projectID, inviteID, tok string) (Outcome, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if _, _, err := s.GetInvite(ctx, projectID, inviteID); err != nil {
		return 0, err
	}
	claims, err := token.Verify(tok, token.TypeRevoke, &p.PublicSig)
	if err != nil {
		obs.ObserveRegistration("revoke", "rejected")
		return 0, err
	}
	if claims.Issuer != projectID || claims.Subject != inviteID {
		return 0, newError(ErrForbidden, "Claims 'iss' and 'sub' don’t correspond with request URI.")
	}
	err = s.store.AttachRevocation(ctx, projectID, inviteID, LogEntry{ID: claims.ID, Token: tok})
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return 0, errInviteNotFound
		}
		return s.resolveDuplicate("revoke", tok, err, "Invite has already been revoked.")
	}
	obs.ObserveRegistration("revoke", "created")
	_ = audit.LogEvent(auth.ContextWithOwner(ctx, projectID), audit.EventInviteRevoked,
		map[string]any{"project": projectID, "invite": inviteID})
	return Created, nil
}

// DeleteInvite removes an invite and its chain once bearer proves
// possession of the project's signing key.
func (s *Service) DeleteInvite(ctx context.Context, projectID, inviteID, bearer string) error {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if !canon.IsID(inviteID) {
		return errIllegalID
	}
	if _, err := s.store.GetInvite(ctx, projectID, inviteID); err != nil {
		return s.storeError(err, errInviteNotFound)
	}
	if err := s.authorize(bearer, auth.DeleteIntent("/"+projectID+"/invites/"+inviteID), p); err != nil {
		return err
	}
	if err := s.store.DeleteInvite(ctx, projectID, inviteID); err != nil {
		return s.storeError(err, errInviteNotFound)
	}
	_ = audit.LogEvent(auth.ContextWithOwner(ctx, projectID), audit.EventInviteDeleted,
		map[string]any{"project": projectID, "invite": inviteID})
	return nil
}

func (s *Service) authorize(bearer string, intent auth.Intent, p Project) error {
	if bearer == "" {
		return newError(ErrUnauthorized, "Missing Bearer token.")
	}
	if err := auth.VerifyIntent(bearer, intent, p.PublicSig); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return newError(ErrBadRequest, "Couldn’t deserialize Bearer token.")
		}
		return newError(ErrUnauthorized, "Invalid Bearer token.")
	}
	return nil
}

// resolveDuplicate turns a uniqueness violation into Replayed when the
// stored token is byte-identical to tok, and into a conflict otherwise.
func (s *Service) resolveDuplicate(kind, tok string, err error, conflict string) (Outcome, error) {
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		return 0, err
	}
	if dup.Token == tok {
		obs.ObserveRegistration(kind, "replayed")
		return Replayed, nil
	}
	obs.ObserveRegistration(kind, "conflict")
	return 0, newError(ErrConflict, "%s", conflict)
}

func (s *Service) storeError(err error, notFound error) error {
	if errors.Is(err, ErrStoreNotFound) {
		return notFound
	}
	return err
}
