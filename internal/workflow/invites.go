package workflow

import (
	"context"
	"errors"
	"fmt"

	"pseudomat.org/internal/auth"
	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/identity"
	"pseudomat.org/internal/keys"
	"pseudomat.org/internal/obs"
	"pseudomat.org/internal/registry/remote"
	"pseudomat.org/internal/token"
)

// CreateInvite mints an invite for name in an owned project. The public
// half is registered; the secret token in the result is what the invitee
// needs to accept.
func (w *Workflow) CreateInvite(ctx context.Context, projectRef, name string) (identity.Invite, error) {
	p, err := w.owned(ctx, projectRef)
	if err != nil {
		return identity.Invite{}, err
	}
	name = normalizeName(name)
	pair, err := keys.Generate()
	if err != nil {
		return identity.Invite{}, err
	}
	pub := pair.Public()
	claims := token.Claims{
		Issuer:    p.ID,
		Subject:   name,
		IssuedAt:  w.now().Unix(),
		PublicSig: pub.Sig,
		PublicEnc: pub.Enc,
	}
	public, err := token.Sign(claims, token.TypePublicInvite, p.SecretSig)
	if err != nil {
		return identity.Invite{}, err
	}
	secretClaims := token.Claims{
		Issuer:    p.ID,
		Subject:   name,
		IssuedAt:  claims.IssuedAt,
		SecretSig: pair.Sig,
		SecretEnc: pair.Enc,
	}
	secret, err := token.Sign(secretClaims, token.TypeSecretInvite, p.SecretSig)
	if err != nil {
		return identity.Invite{}, err
	}
	inv := identity.Invite{
		ID:          canon.MustFingerprint([]string{p.ID, name}),
		ProjectID:   p.ID,
		Subject:     name,
		IssuedAt:    claims.IssuedAt,
		PublicSig:   pub.Sig,
		PublicEnc:   pub.Enc,
		SecretSig:   pair.Sig,
		SecretEnc:   pair.Enc,
		PublicToken: public,
		SecretToken: secret,
	}
	if err := w.store.CreateInvite(ctx, inv); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return identity.Invite{}, fmt.Errorf("%w (%v)", ErrInviteExists, err)
		}
		return identity.Invite{}, err
	}

	outcome, err := w.remote.RegisterInvite(ctx, p.ID, inv.ID, public)
	if err != nil {
		cause := registerError("register invite", err)
		return identity.Invite{}, compensate(cause, func() error {
			return w.store.DeleteInvite(context.WithoutCancel(ctx), inv.ID)
		})
	}
	if outcome != remote.OutcomeCreated {
		obs.Info("invite registration", map[string]any{"invite_id": inv.ID, "outcome": outcome.String()})
	}
	return inv, nil
}

// ListInvites returns the invites of an owned project.
func (w *Workflow) ListInvites(ctx context.Context, projectRef string) ([]identity.Invite, error) {
	p, err := w.owned(ctx, projectRef)
	if err != nil {
		return nil, err
	}
	return w.store.ListInvites(ctx, p.ID)
}

func (w *Workflow) invite(ctx context.Context, projectRef, name string) (identity.Project, identity.Invite, error) {
	p, err := w.owned(ctx, projectRef)
	if err != nil {
		return identity.Project{}, identity.Invite{}, err
	}
	name = normalizeName(name)
	inv, err := w.store.GetInviteBySubject(ctx, p.ID, name)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Project{}, identity.Invite{}, fmt.Errorf("invite %q not found: %w", name, err)
	}
	return p, inv, err
}

// DeleteInvite withdraws an invite on the server and locally. Like
// projects, an invite the server no longer knows counts as deleted.
func (w *Workflow) DeleteInvite(ctx context.Context, projectRef, name string) (identity.Invite, error) {
	p, inv, err := w.invite(ctx, projectRef, name)
	if err != nil {
		return identity.Invite{}, err
	}
	bearer, err := auth.SignIntent(auth.DeleteIntent("/"+p.ID+"/invites/"+inv.ID), p.SecretSig)
	if err != nil {
		return identity.Invite{}, err
	}
	if err := w.remote.DeleteInvite(ctx, p.ID, inv.ID, bearer); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return identity.Invite{}, registerError("delete invite", err)
	}
	if err := w.store.DeleteInvite(ctx, inv.ID); err != nil && !errors.Is(err, identity.ErrNotFound) {
		return identity.Invite{}, err
	}
	return inv, nil
}

// RevokeInvite registers a revocation of an invite. A revocation already on
// record is resent as is, so retries replay instead of conflicting.
func (w *Workflow) RevokeInvite(ctx context.Context, projectRef, name string) (identity.Invite, error) {
	p, inv, err := w.invite(ctx, projectRef, name)
	if err != nil {
		return identity.Invite{}, err
	}
	fresh := !inv.Revoked()
	if fresh {
		tok, err := token.Sign(token.Claims{Issuer: p.ID, Subject: inv.ID, IssuedAt: w.now().Unix()}, token.TypeRevoke, p.SecretSig)
		if err != nil {
			return identity.Invite{}, err
		}
		if err := w.store.SetInviteRevocation(ctx, inv.ID, tok); err != nil {
			return identity.Invite{}, err
		}
		inv.RevokeToken = tok
	}
	if _, err := w.remote.RegisterRevocation(ctx, p.ID, inv.ID, inv.RevokeToken); err != nil {
		cause := registerError("register revocation", err)
		if !fresh {
			return identity.Invite{}, cause
		}
		return identity.Invite{}, compensate(cause, func() error {
			return w.store.SetInviteRevocation(context.WithoutCancel(ctx), inv.ID, "")
		})
	}
	return inv, nil
}
