package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pseudomat.org/internal/auth"
	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/keys"
	"pseudomat.org/internal/mail"
	"pseudomat.org/internal/token"
)

type project struct {
	id    string
	keys  keys.Pair
	token string
}

func newProject(t *testing.T, subject, issuer string) project {
	t.Helper()
	pair, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := pair.Public()
	tok, err := token.Sign(token.Claims{Issuer: issuer, Subject: subject, PublicSig: pub.Sig, PublicEnc: pub.Enc}, token.TypeProject, pair.Sig)
	if err != nil {
		t.Fatalf("sign project: %v", err)
	}
	return project{id: canon.MustFingerprint(subject), keys: pair, token: tok}
}

type invite struct {
	id     string
	name   string
	keys   keys.Pair
	public string
}

func newInvite(t *testing.T, p project, name string) invite {
	t.Helper()
	pair, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := pair.Public()
	tok, err := token.Sign(token.Claims{Issuer: p.id, Subject: name, PublicSig: pub.Sig, PublicEnc: pub.Enc}, token.TypePublicInvite, p.keys.Sig)
	if err != nil {
		t.Fatalf("sign invite: %v", err)
	}
	return invite{id: canon.MustFingerprint([]string{p.id, name}), name: name, keys: pair, public: tok}
}

func memberToken(t *testing.T, inv invite) string {
	t.Helper()
	pair, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := pair.Public()
	tok, err := token.Sign(token.Claims{Issuer: inv.id, Subject: inv.name, PublicSig: pub.Sig, PublicEnc: pub.Enc}, token.TypeMember, inv.keys.Sig)
	if err != nil {
		t.Fatalf("sign member: %v", err)
	}
	return tok
}

func revokeToken(t *testing.T, p project, inv invite) string {
	t.Helper()
	tok, err := token.Sign(token.Claims{Issuer: p.id, Subject: inv.id}, token.TypeRevoke, p.keys.Sig)
	if err != nil {
		t.Fatalf("sign revoke: %v", err)
	}
	return tok
}

func deleteProof(t *testing.T, path string, key keys.JWK) string {
	t.Helper()
	tok, err := auth.SignIntent(auth.DeleteIntent(path), key)
	if err != nil {
		t.Fatalf("sign intent: %v", err)
	}
	return tok
}

type fakeMailer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *fakeMailer) Confirm(ctx context.Context, projectID, email, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func TestRegisterProjectCreatedThenReplayed(t *testing.T) {
	ctx := context.Background()
	mailer := &fakeMailer{}
	svc := NewService(NewInMemory(), mailer, Options{})
	p := newProject(t, "My Project", "pieter@example.com")

	got, outcome, err := svc.RegisterProject(ctx, p.token)
	if err != nil || outcome != Created {
		t.Fatalf("first register: outcome=%v err=%v", outcome, err)
	}
	if got.ID != p.id || got.ID != "UeOOzJL1KvY_YtoZkG0lYabXERDXPl_1" {
		t.Fatalf("unexpected id %q", got.ID)
	}
	_, outcome, err = svc.RegisterProject(ctx, p.token)
	if err != nil || outcome != Replayed {
		t.Fatalf("replay: outcome=%v err=%v", outcome, err)
	}
	if mailer.calls != 1 {
		t.Fatalf("mail sent %d times, want 1", mailer.calls)
	}
}

func TestRegisterProjectConflict(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	svc := NewService(store, nil, Options{})
	first := newProject(t, "Shared", "a@example.com")
	second := newProject(t, "Shared", "b@example.com")

	if _, _, err := svc.RegisterProject(ctx, first.token); err != nil {
		t.Fatalf("register first: %v", err)
	}
	_, _, err := svc.RegisterProject(ctx, second.token)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	stored, err := store.GetProject(ctx, first.id)
	if err != nil || stored.Token != first.token {
		t.Fatalf("store changed: %v", err)
	}
}

func TestRegisterProjectRejectsInvalidToken(t *testing.T) {
	svc := NewService(NewInMemory(), nil, Options{})
	_, _, err := svc.RegisterProject(context.Background(), "a.b")
	if !errors.Is(err, token.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestRegisterProjectMailFailureCompensates(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	p := newProject(t, "Mailless", "m@example.com")

	svc := NewService(store, &fakeMailer{err: mail.ErrRateLimited}, Options{})
	if _, _, err := svc.RegisterProject(ctx, p.token); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if _, err := store.GetProject(ctx, p.id); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("project must be removed after rate limit, got %v", err)
	}

	svc = NewService(store, &fakeMailer{err: errors.New("smtp down")}, Options{})
	if _, _, err := svc.RegisterProject(ctx, p.token); !errors.Is(err, ErrMailFailed) {
		t.Fatalf("expected mail failure, got %v", err)
	}
	if _, err := store.GetProject(ctx, p.id); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("project must be removed after mail failure, got %v", err)
	}
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewInMemory(), nil, Options{})
	tokens := make([]string, 8)
	for i := range tokens {
		tokens[i] = newProject(t, "Race", "r@example.com").token
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, conflicts := 0, 0
	for _, tok := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			_, outcome, err := svc.RegisterProject(ctx, tok)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome == Created:
				created++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected result outcome=%v err=%v", outcome, err)
			}
		}(tok)
	}
	wg.Wait()
	if created != 1 || conflicts != len(tokens)-1 {
		t.Fatalf("created=%d conflicts=%d", created, conflicts)
	}
}

func TestDeleteProjectRequiresProof(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	svc := NewService(store, nil, Options{})
	p := newProject(t, "My Project", "pieter@example.com")
	other := newProject(t, "Other", "o@example.com")
	if _, _, err := svc.RegisterProject(ctx, p.token); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.DeleteProject(ctx, p.id, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("missing bearer: got %v", err)
	}
	if err := svc.DeleteProject(ctx, p.id, deleteProof(t, "/"+p.id, other.keys.Sig)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong key: got %v", err)
	}
	if err := svc.DeleteProject(ctx, p.id, deleteProof(t, "/elsewhere", p.keys.Sig)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong path: got %v", err)
	}
	if err := svc.DeleteProject(ctx, p.id, "garbage"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("garbage bearer: got %v", err)
	}
	if _, err := svc.GetProject(ctx, p.id); err != nil {
		t.Fatalf("project must survive rejected deletes: %v", err)
	}

	if err := svc.DeleteProject(ctx, p.id, deleteProof(t, "/"+p.id, p.keys.Sig)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetProject(ctx, p.id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestDeleteProjectBadID(t *testing.T) {
	svc := NewService(NewInMemory(), nil, Options{})
	if err := svc.DeleteProject(context.Background(), "short", "x"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if err := svc.DeleteProject(context.Background(), canon.MustFingerprint("nobody"), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInviteLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	svc := NewService(store, nil, Options{})
	p := newProject(t, "Team", "lead@example.com")
	if _, _, err := svc.RegisterProject(ctx, p.token); err != nil {
		t.Fatalf("register project: %v", err)
	}
	inv := newInvite(t, p, "alice")

	if _, outcome, err := svc.RegisterInvite(ctx, p.id, inv.id, inv.public); err != nil || outcome != Created {
		t.Fatalf("register invite: outcome=%v err=%v", outcome, err)
	}
	if _, outcome, err := svc.RegisterInvite(ctx, p.id, inv.id, inv.public); err != nil || outcome != Replayed {
		t.Fatalf("replay invite: outcome=%v err=%v", outcome, err)
	}
	again := newInvite(t, p, "alice")
	if _, _, err := svc.RegisterInvite(ctx, p.id, again.id, again.public); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected invite conflict, got %v", err)
	}

	member := memberToken(t, inv)
	if outcome, err := svc.AcceptInvite(ctx, p.id, inv.id, member); err != nil || outcome != Created {
		t.Fatalf("accept: outcome=%v err=%v", outcome, err)
	}
	if outcome, err := svc.AcceptInvite(ctx, p.id, inv.id, member); err != nil || outcome != Replayed {
		t.Fatalf("accept replay: outcome=%v err=%v", outcome, err)
	}
	if _, err := svc.AcceptInvite(ctx, p.id, inv.id, memberToken(t, inv)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second member must conflict, got %v", err)
	}
	if got, err := svc.GetMemberToken(ctx, p.id, inv.id); err != nil || got != member {
		t.Fatalf("member token: %v", err)
	}

	if outcome, err := svc.RevokeInvite(ctx, p.id, inv.id, revokeToken(t, p, inv)); err != nil || outcome != Created {
		t.Fatalf("revoke: outcome=%v err=%v", outcome, err)
	}
	_, m, err := svc.GetInvite(ctx, p.id, inv.id)
	if err != nil || m.State() != "revoked" {
		t.Fatalf("state=%q err=%v", m.State(), err)
	}
	if len(store.log) != 3 {
		t.Fatalf("log entries=%d, want 3", len(store.log))
	}

	path := "/" + p.id + "/invites/" + inv.id
	if err := svc.DeleteInvite(ctx, p.id, inv.id, deleteProof(t, path, inv.keys.Sig)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("invite key must not authorize invite delete, got %v", err)
	}
	if err := svc.DeleteInvite(ctx, p.id, inv.id, deleteProof(t, path, p.keys.Sig)); err != nil {
		t.Fatalf("delete invite: %v", err)
	}
	if len(store.log) != 0 || len(store.members) != 0 {
		t.Fatalf("orphaned chain: log=%d members=%d", len(store.log), len(store.members))
	}
}

func TestAcceptRevokedInvite(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewInMemory(), nil, Options{})
	p := newProject(t, "Team", "lead@example.com")
	inv := newInvite(t, p, "bob")
	if _, _, err := svc.RegisterProject(ctx, p.token); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.RegisterInvite(ctx, p.id, inv.id, inv.public); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RevokeInvite(ctx, p.id, inv.id, revokeToken(t, p, inv)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AcceptInvite(ctx, p.id, inv.id, memberToken(t, inv)); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}

func TestRegisterInviteChecks(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewInMemory(), nil, Options{RequireVerified: true, Secret: "s3cret"})
	p := newProject(t, "Team", "lead@example.com")
	other := newProject(t, "Other", "x@example.com")
	if _, _, err := svc.RegisterProject(ctx, p.token); err != nil {
		t.Fatal(err)
	}
	inv := newInvite(t, p, "carol")

	if _, _, err := svc.RegisterInvite(ctx, p.id, canon.MustFingerprint("elsewhere"), inv.public); !errors.Is(err, ErrForbidden) {
		t.Fatalf("path mismatch: got %v", err)
	}
	forged := newInvite(t, other, "carol")
	if _, _, err := svc.RegisterInvite(ctx, p.id, inv.id, forged.public); !errors.Is(err, token.ErrSignature) {
		t.Fatalf("foreign signer: got %v", err)
	}
	if _, _, err := svc.RegisterInvite(ctx, p.id, inv.id, inv.public); !errors.Is(err, ErrUnverified) {
		t.Fatalf("unverified project: got %v", err)
	}

	if err := svc.VerifyProject(ctx, p.id, "wrong"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bad code: got %v", err)
	}
	if err := svc.VerifyProject(ctx, p.id, mail.ConfirmationCode(p.id, "s3cret")); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, outcome, err := svc.RegisterInvite(ctx, p.id, inv.id, inv.public); err != nil || outcome != Created {
		t.Fatalf("register after verify: outcome=%v err=%v", outcome, err)
	}
}

func TestRegisterInviteRejectsSecretInvite(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewInMemory(), nil, Options{})
	p := newProject(t, "Team", "lead@example.com")
	if _, _, err := svc.RegisterProject(ctx, p.token); err != nil {
		t.Fatal(err)
	}
	pair, _ := keys.Generate()
	secret, err := token.Sign(token.Claims{Issuer: p.id, Subject: "dave", SecretSig: pair.Sig, SecretEnc: pair.Enc}, token.TypeSecretInvite, p.keys.Sig)
	if err != nil {
		t.Fatalf("sign sinvite: %v", err)
	}
	id := canon.MustFingerprint([]string{p.id, "dave"})
	if _, _, err := svc.RegisterInvite(ctx, p.id, id, secret); !errors.Is(err, token.ErrUnprocessable) {
		t.Fatalf("expected unprocessable, got %v", err)
	}
}

func TestDeleteProjectCascadesInvites(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	svc := NewService(store, nil, Options{})
	p := newProject(t, "Cascade", "c@example.com")
	if _, _, err := svc.RegisterProject(ctx, p.token); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b"} {
		inv := newInvite(t, p, name)
		if _, _, err := svc.RegisterInvite(ctx, p.id, inv.id, inv.public); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.AcceptInvite(ctx, p.id, inv.id, memberToken(t, inv)); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.DeleteProject(ctx, p.id, deleteProof(t, "/"+p.id, p.keys.Sig)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(store.invites[p.id]) != 0 || len(store.members) != 0 || len(store.log) != 0 {
		t.Fatalf("cascade incomplete: invites=%d members=%d log=%d", len(store.invites[p.id]), len(store.members), len(store.log))
	}
}
