// Package workflow drives the client side of the protocol: every command
// generates keys, signs a token, persists it locally and registers it with
// the server. A remote failure undoes the local step.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pseudomat.org/internal/auth"
	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/identity"
	"pseudomat.org/internal/keys"
	"pseudomat.org/internal/obs"
	"pseudomat.org/internal/registry/remote"
	"pseudomat.org/internal/token"
)

// LocalStore is the subset of identity.Store the workflows use.
type LocalStore interface {
	CreateProject(ctx context.Context, p identity.Project) error
	GetProject(ctx context.Context, id string) (identity.Project, error)
	GetProjectBySubject(ctx context.Context, subject string) (identity.Project, error)
	ListProjects(ctx context.Context) ([]identity.Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateInvite(ctx context.Context, inv identity.Invite) error
	GetInviteBySubject(ctx context.Context, projectID, subject string) (identity.Invite, error)
	ListInvites(ctx context.Context, projectID string) ([]identity.Invite, error)
	SetInviteRevocation(ctx context.Context, id, tok string) error
	DeleteInvite(ctx context.Context, id string) error

	CreateMembership(ctx context.Context, m identity.Membership) error
	GetMembership(ctx context.Context, id string) (identity.Membership, error)
	ListMemberships(ctx context.Context, projectID string) ([]identity.Membership, error)
	DeleteMembership(ctx context.Context, id string) error

	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key string, value *string) error
}

// Remote is the registration service as seen by the client.
type Remote interface {
	RegisterProject(ctx context.Context, tok string) (remote.Outcome, error)
	FetchProject(ctx context.Context, projectID string) (string, error)
	DeleteProject(ctx context.Context, projectID, bearer string) error
	VerifyProject(ctx context.Context, projectID, code string) error

	RegisterInvite(ctx context.Context, projectID, inviteID, tok string) (remote.Outcome, error)
	FetchInvite(ctx context.Context, projectID, inviteID string) (string, string, error)
	DeleteInvite(ctx context.Context, projectID, inviteID, bearer string) error

	RegisterMember(ctx context.Context, projectID, inviteID, tok string) (remote.Outcome, error)
	FetchMember(ctx context.Context, projectID, inviteID string) (string, error)
	RegisterRevocation(ctx context.Context, projectID, inviteID, tok string) (remote.Outcome, error)
}

// Workflow binds a local store to a server.
type Workflow struct {
	store  LocalStore
	remote Remote
	now    func() time.Time
}

// New returns a Workflow over store and rem.
func New(store LocalStore, rem Remote) *Workflow {
	return &Workflow{store: store, remote: rem, now: time.Now}
}

// ProjectView is a project as listed to the user.
type ProjectView struct {
	identity.Project
	Default bool
}

// String renders the list line: O for owned, M for member projects, then
// * for the default project.
func (v ProjectView) String() string {
	var b strings.Builder
	if v.IsOwner() {
		b.WriteByte('O')
	} else {
		b.WriteByte('M')
	}
	if v.Default {
		b.WriteByte('*')
	} else {
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, ": <%s> %s", v.Issuer, v.Subject)
	return b.String()
}

func normalizeName(s string) string { return strings.Trim(s, " ") }

// CreateProject generates the project's keys, signs its token, stores it
// and registers it. The returned outcome tells created from already
// registered.
func (w *Workflow) CreateProject(ctx context.Context, issuer, subject string, makeDefault bool) (identity.Project, remote.Outcome, error) {
	subject = normalizeName(subject)
	pair, err := keys.Generate()
	if err != nil {
		return identity.Project{}, 0, err
	}
	pub := pair.Public()
	claims := token.Claims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  w.now().Unix(),
		PublicSig: pub.Sig,
		PublicEnc: pub.Enc,
	}
	tok, err := token.Sign(claims, token.TypeProject, pair.Sig)
	if err != nil {
		return identity.Project{}, 0, err
	}
	p := identity.Project{
		ID:        canon.MustFingerprint(subject),
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  claims.IssuedAt,
		PublicSig: pub.Sig,
		PublicEnc: pub.Enc,
		SecretSig: pair.Sig,
		SecretEnc: pair.Enc,
		Token:     tok,
	}
	if err := w.store.CreateProject(ctx, p); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return identity.Project{}, 0, fmt.Errorf("%w (%v)", ErrProjectExists, err)
		}
		return identity.Project{}, 0, err
	}

	outcome, err := w.remote.RegisterProject(ctx, tok)
	if err != nil {
		cause := registerError("register project", err)
		return identity.Project{}, 0, compensate(cause, func() error {
			return w.store.DeleteProject(context.WithoutCancel(ctx), p.ID)
		})
	}
	if outcome != remote.OutcomeCreated {
		obs.Info("project registration", map[string]any{"project_id": p.ID, "outcome": outcome.String()})
	}
	if makeDefault {
		if err := w.setDefault(ctx, &p.ID); err != nil {
			return p, outcome, err
		}
	}
	return p, outcome, nil
}

// Project resolves ref, a project name or id, to a local project. An empty
// ref means the default project.
func (w *Workflow) Project(ctx context.Context, ref string) (identity.Project, error) {
	ref = normalizeName(ref)
	if ref == "" {
		return w.Default(ctx)
	}
	if canon.IsID(ref) {
		if p, err := w.store.GetProject(ctx, ref); err == nil {
			return p, nil
		}
	}
	p, err := w.store.GetProjectBySubject(ctx, ref)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Project{}, fmt.Errorf("project %q not found: %w", ref, err)
	}
	return p, err
}

// Default returns the default project.
func (w *Workflow) Default(ctx context.Context) (identity.Project, error) {
	id, ok, err := w.store.GetConfig(ctx, identity.ConfigDefaultProject)
	if err != nil {
		return identity.Project{}, err
	}
	if !ok {
		return identity.Project{}, ErrNoDefault
	}
	p, err := w.store.GetProject(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return identity.Project{}, ErrNoDefault
	}
	return p, err
}

// SetDefault makes ref the default project.
func (w *Workflow) SetDefault(ctx context.Context, ref string) (identity.Project, error) {
	p, err := w.Project(ctx, ref)
	if err != nil {
		return identity.Project{}, err
	}
	return p, w.setDefault(ctx, &p.ID)
}

// ClearDefault forgets the default project.
func (w *Workflow) ClearDefault(ctx context.Context) error {
	return w.setDefault(ctx, nil)
}

func (w *Workflow) setDefault(ctx context.Context, id *string) error {
	return w.store.SetConfig(ctx, identity.ConfigDefaultProject, id)
}

// ListProjects returns every local project, marking the default.
func (w *Workflow) ListProjects(ctx context.Context) ([]ProjectView, error) {
	projects, err := w.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	def, ok, err := w.store.GetConfig(ctx, identity.ConfigDefaultProject)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, ProjectView{Project: p, Default: ok && p.ID == def})
	}
	return out, nil
}

// DeleteProject deletes the project on the server, then locally, then
// clears the default if it pointed at it. A project the server no longer
// knows counts as deleted there. Member projects are only removed locally.
func (w *Workflow) DeleteProject(ctx context.Context, ref string) (identity.Project, error) {
	p, err := w.Project(ctx, ref)
	if err != nil {
		return identity.Project{}, err
	}
	if p.IsOwner() {
		bearer, err := auth.SignIntent(auth.DeleteIntent("/"+p.ID), p.SecretSig)
		if err != nil {
			return identity.Project{}, err
		}
		if err := w.remote.DeleteProject(ctx, p.ID, bearer); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return identity.Project{}, registerError("delete project", err)
		}
	}
	if err := w.store.DeleteProject(ctx, p.ID); err != nil && !errors.Is(err, identity.ErrNotFound) {
		return identity.Project{}, err
	}
	def, ok, err := w.store.GetConfig(ctx, identity.ConfigDefaultProject)
	if err != nil {
		return p, err
	}
	if ok && def == p.ID {
		return p, w.setDefault(ctx, nil)
	}
	return p, nil
}

// VerifyProject submits the confirmation code mailed for an owned project.
func (w *Workflow) VerifyProject(ctx context.Context, ref, code string) (identity.Project, error) {
	p, err := w.owned(ctx, ref)
	if err != nil {
		return identity.Project{}, err
	}
	if err := w.remote.VerifyProject(ctx, p.ID, strings.TrimSpace(code)); err != nil {
		return identity.Project{}, registerError("verify project", err)
	}
	return p, nil
}

func (w *Workflow) owned(ctx context.Context, ref string) (identity.Project, error) {
	p, err := w.Project(ctx, ref)
	if err != nil {
		return identity.Project{}, err
	}
	if !p.IsOwner() {
		return identity.Project{}, fmt.Errorf("project %q: %w", p.Subject, ErrNotOwner)
	}
	return p, nil
}
