package workflow

import (
	"context"
	"errors"
	"fmt"

	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/identity"
	"pseudomat.org/internal/keys"
	"pseudomat.org/internal/token"
)

// Member chain states reported by the server.
const (
	StatePending = "pending"
	StateActive  = "active"
	StateRevoked = "revoked"
)

// AcceptInvite joins the project a secret invite token was minted for. The
// project token is fetched from the server and the invite is checked
// against it before any key is generated. The project is stored as a
// member view unless it is already known locally.
func (w *Workflow) AcceptInvite(ctx context.Context, secretToken string) (identity.Membership, error) {
	_, peeked, err := token.Peek(secretToken)
	if err != nil {
		return identity.Membership{}, err
	}
	if !canon.IsID(peeked.Issuer) {
		return identity.Membership{}, fmt.Errorf("invite: %w", ErrInviteMismatch)
	}
	projectTok, err := w.remote.FetchProject(ctx, peeked.Issuer)
	if err != nil {
		return identity.Membership{}, registerError("fetch project", err)
	}
	pc, err := token.Verify(projectTok, token.TypeProject, nil)
	if err != nil {
		return identity.Membership{}, fmt.Errorf("registered project token: %w", err)
	}
	if pc.ID != peeked.Issuer {
		return identity.Membership{}, ErrInviteMismatch
	}
	ic, err := token.Verify(secretToken, token.TypeSecretInvite, &pc.PublicSig)
	if err != nil {
		return identity.Membership{}, err
	}

	memberID, err := token.DeriveID(token.TypeMember, ic.ID, ic.Subject)
	if err != nil {
		return identity.Membership{}, err
	}
	if m, err := w.store.GetMembership(ctx, memberID); err == nil {
		return m, nil
	} else if !errors.Is(err, identity.ErrNotFound) {
		return identity.Membership{}, err
	}

	_, state, err := w.remote.FetchInvite(ctx, pc.ID, ic.ID)
	if err != nil {
		return identity.Membership{}, registerError("fetch invite", err)
	}
	if state == StateRevoked {
		return identity.Membership{}, ErrInviteRevoked
	}

	pair, err := keys.Generate()
	if err != nil {
		return identity.Membership{}, err
	}
	pub := pair.Public()
	mc := token.Claims{
		Issuer:    ic.ID,
		Subject:   ic.Subject,
		IssuedAt:  w.now().Unix(),
		PublicSig: pub.Sig,
		PublicEnc: pub.Enc,
	}
	memberTok, err := token.Sign(mc, token.TypeMember, ic.SecretSig)
	if err != nil {
		return identity.Membership{}, err
	}

	createdProject := false
	if _, err := w.store.GetProject(ctx, pc.ID); errors.Is(err, identity.ErrNotFound) {
		view := identity.Project{
			ID:        pc.ID,
			Subject:   pc.Subject,
			Issuer:    pc.Issuer,
			IssuedAt:  pc.IssuedAt,
			PublicSig: pc.PublicSig,
			PublicEnc: pc.PublicEnc,
			Token:     projectTok,
		}
		if err := w.store.CreateProject(ctx, view); err != nil {
			return identity.Membership{}, err
		}
		createdProject = true
	} else if err != nil {
		return identity.Membership{}, err
	}

	m := identity.Membership{
		ID:          memberID,
		ProjectID:   pc.ID,
		InviteID:    ic.ID,
		Subject:     ic.Subject,
		IssuedAt:    mc.IssuedAt,
		PublicSig:   pub.Sig,
		PublicEnc:   pub.Enc,
		SecretSig:   pair.Sig,
		SecretEnc:   pair.Enc,
		InviteToken: secretToken,
		Token:       memberTok,
	}
	undoProject := func() error {
		if !createdProject {
			return nil
		}
		return w.store.DeleteProject(context.WithoutCancel(ctx), pc.ID)
	}
	if err := w.store.CreateMembership(ctx, m); err != nil {
		return identity.Membership{}, compensate(err, undoProject)
	}

	if _, err := w.remote.RegisterMember(ctx, pc.ID, ic.ID, memberTok); err != nil {
		cause := registerError("register member", err)
		return identity.Membership{}, compensate(cause, func() error {
			return errors.Join(
				w.store.DeleteMembership(context.WithoutCancel(ctx), m.ID),
				undoProject(),
			)
		})
	}
	return m, nil
}

// MemberState reports the server's view of an invite's member chain. An
// active chain is only reported once its member token verifies against the
// invite's signing key.
func (w *Workflow) MemberState(ctx context.Context, projectRef, name string) (string, error) {
	p, inv, err := w.invite(ctx, projectRef, name)
	if err != nil {
		return "", err
	}
	_, state, err := w.remote.FetchInvite(ctx, p.ID, inv.ID)
	if err != nil {
		return "", registerError("fetch invite", err)
	}
	if state != StateActive {
		return state, nil
	}
	memberTok, err := w.remote.FetchMember(ctx, p.ID, inv.ID)
	if err != nil {
		return "", registerError("fetch member", err)
	}
	mc, err := token.Verify(memberTok, token.TypeMember, &inv.PublicSig)
	if err != nil {
		return "", fmt.Errorf("member token: %w", err)
	}
	if mc.Issuer != inv.ID || mc.Subject != inv.Subject {
		return "", fmt.Errorf("member token: %w", ErrInviteMismatch)
	}
	return state, nil
}

// Memberships returns the local memberships held in a project.
func (w *Workflow) Memberships(ctx context.Context, projectRef string) ([]identity.Membership, error) {
	p, err := w.Project(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	return w.store.ListMemberships(ctx, p.ID)
}
