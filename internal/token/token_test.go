package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/keys"
)

const base64URL = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

type fixture struct {
	project     keys.Pair
	invite      keys.Pair
	member      keys.Pair
	projectID   string
	inviteID    string
	projectTok  string
	pinviteTok  string
	sinviteTok  string
	memberTok   string
	revokeTok   string
	projectSign keys.JWK
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	var f fixture
	var err error
	for _, p := range []*keys.Pair{&f.project, &f.invite, &f.member} {
		if *p, err = keys.Generate(); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	f.projectSign = f.project.Sig
	f.projectTok, err = Sign(Claims{
		Issuer: "pieter@example.com", Subject: "My Project",
		PublicSig: f.project.Sig.Public(), PublicEnc: f.project.Enc.Public(),
	}, TypeProject, f.project.Sig)
	if err != nil {
		t.Fatalf("sign project: %v", err)
	}
	f.projectID = canon.MustFingerprint("My Project")

	inv := Claims{Issuer: f.projectID, Subject: "alice"}
	pub := inv
	pub.PublicSig, pub.PublicEnc = f.invite.Sig.Public(), f.invite.Enc.Public()
	if f.pinviteTok, err = Sign(pub, TypePublicInvite, f.project.Sig); err != nil {
		t.Fatalf("sign pinvite: %v", err)
	}
	sec := inv
	sec.SecretSig, sec.SecretEnc = f.invite.Sig, f.invite.Enc
	if f.sinviteTok, err = Sign(sec, TypeSecretInvite, f.project.Sig); err != nil {
		t.Fatalf("sign sinvite: %v", err)
	}
	f.inviteID = canon.MustFingerprint([]any{f.projectID, "alice"})

	if f.memberTok, err = Sign(Claims{
		Issuer: f.inviteID, Subject: "alice",
		PublicSig: f.member.Sig.Public(), PublicEnc: f.member.Enc.Public(),
	}, TypeMember, f.invite.Sig); err != nil {
		t.Fatalf("sign member: %v", err)
	}
	if f.revokeTok, err = Sign(Claims{Issuer: f.projectID, Subject: f.inviteID}, TypeRevoke, f.project.Sig); err != nil {
		t.Fatalf("sign revoke: %v", err)
	}
	return f
}

func ptr(k keys.JWK) *keys.JWK { return &k }

func TestSignVerifyRoundTrip(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	f := newFixture(t)
	cases := []struct {
		name   string
		tok    string
		typ    Type
		signer *keys.JWK
		check  func(Claims) bool
	}{
		{"project self-signed", f.projectTok, TypeProject, nil, func(c Claims) bool {
			return c.ID == f.projectID && c.Subject == "My Project" && c.PublicSig.Equal(f.project.Sig.Public())
		}},
		{"project explicit key", f.projectTok, TypeProject, ptr(f.project.Sig.Public()), func(c Claims) bool {
			return c.Issuer == "pieter@example.com"
		}},
		{"pinvite", f.pinviteTok, TypePublicInvite, ptr(f.project.Sig.Public()), func(c Claims) bool {
			return c.ID == f.inviteID && c.PublicEnc.Equal(f.invite.Enc.Public())
		}},
		{"sinvite", f.sinviteTok, TypeSecretInvite, ptr(f.project.Sig), func(c Claims) bool {
			return c.ID == f.inviteID && c.SecretSig.Equal(f.invite.Sig)
		}},
		{"member", f.memberTok, TypeMember, ptr(f.invite.Sig.Public()), func(c Claims) bool {
			return c.Issuer == f.inviteID && c.PublicSig.Equal(f.member.Sig.Public())
		}},
		{"revoke", f.revokeTok, TypeRevoke, ptr(f.project.Sig.Public()), func(c Claims) bool {
			return c.Subject == f.inviteID
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Verify(tc.tok, tc.typ, tc.signer)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if c.IssuedAt != fixed.Unix() {
				t.Fatalf("iat=%d, want %d", c.IssuedAt, fixed.Unix())
			}
			if !tc.check(c) {
				t.Fatalf("unexpected claims: %+v", c)
			}
		})
	}
}

func TestHeaderIsCanonical(t *testing.T) {
	f := newFixture(t)
	header, err := b64.DecodeString(strings.Split(f.projectTok, ".")[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if string(header) != `{"alg":"EdDSA","typ":"project"}` {
		t.Fatalf("header=%s", header)
	}
}

func TestTamperedPayloadIsSignatureFailure(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		tok    string
		typ    Type
		signer *keys.JWK
	}{
		{"project", f.projectTok, TypeProject, ptr(f.project.Sig.Public())},
		{"self-signed project", f.projectTok, TypeProject, nil},
		{"pinvite", f.pinviteTok, TypePublicInvite, ptr(f.project.Sig.Public())},
		{"member", f.memberTok, TypeMember, ptr(f.invite.Sig.Public())},
		{"revoke", f.revokeTok, TypeRevoke, ptr(f.project.Sig.Public())},
	}
	for _, tc := range cases {
		parts := strings.Split(tc.tok, ".")
		payload := []byte(parts[1])
		for i := range payload {
			orig := payload[i]
			for _, step := range []int{1, 7, 32} {
				payload[i] = base64URL[(strings.IndexByte(base64URL, orig)+step)%len(base64URL)]
				tampered := parts[0] + "." + string(payload) + "." + parts[2]
				_, err := Verify(tampered, tc.typ, tc.signer)
				if !errors.Is(err, ErrSignature) {
					t.Fatalf("%s byte %d step %d: expected ErrSignature, got %v", tc.name, i, step, err)
				}
			}
			payload[i] = orig
		}
	}
}

func TestProjectIDMismatchIsUnprocessable(t *testing.T) {
	f := newFixture(t)
	claims := Claims{
		Issuer: "pieter@example.com", Subject: "My Project", IssuedAt: 1,
		ID:        canon.MustFingerprint([]any{"pieter@example.com", "My Project"}),
		PublicSig: f.project.Sig.Public(), PublicEnc: f.project.Enc.Public(),
	}
	tok, err := signPayload(map[string]any{"alg": "EdDSA", "typ": "project"}, claims.Map(TypeProject), f.project.Sig)
	if err != nil {
		t.Fatalf("signPayload: %v", err)
	}
	_, err = Verify(tok, TypeProject, nil)
	if !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("expected ErrUnprocessable, got %v", err)
	}
	if !strings.Contains(err.Error(), "doesn't compute") {
		t.Fatalf("unexpected reason: %v", err)
	}
}

func TestProjectInvariants(t *testing.T) {
	f := newFixture(t)
	base := Claims{
		Issuer: "pieter@example.com", Subject: "My Project", IssuedAt: 1,
		PublicSig: f.project.Sig.Public(), PublicEnc: f.project.Enc.Public(),
	}
	cases := []struct {
		name   string
		mutate func(*Claims)
		reason string
	}{
		{"untrimmed subject", func(c *Claims) { c.Subject = " My Project" }, "whitespace"},
		{"long subject", func(c *Claims) { c.Subject = strings.Repeat("x", 81) }, "exceeds"},
		{"control chars", func(c *Claims) { c.Subject = "My\x01Project" }, "control"},
		{"bad email", func(c *Claims) { c.Issuer = "not-an-email" }, "e-mail"},
		{"private psig", func(c *Claims) { c.PublicSig = f.project.Sig }, "Private key"},
		{"private penc", func(c *Claims) { c.PublicEnc = f.project.Enc }, "Private key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			c.ID = canon.MustFingerprint(c.Subject)
			tok, err := signPayload(map[string]any{"alg": "EdDSA", "typ": "project"}, c.Map(TypeProject), f.project.Sig)
			if err != nil {
				t.Fatalf("signPayload: %v", err)
			}
			_, err = Verify(tok, TypeProject, nil)
			if !errors.Is(err, ErrUnprocessable) {
				t.Fatalf("expected ErrUnprocessable, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.reason) {
				t.Fatalf("reason %q does not mention %q", err.Error(), tc.reason)
			}
			if _, err := Sign(c, TypeProject, f.project.Sig); err == nil {
				t.Fatal("Sign accepted invalid claims")
			}
		})
	}
}

func TestProjectKeysUseChecked(t *testing.T) {
	f := newFixture(t)
	c := Claims{
		Issuer: "pieter@example.com", Subject: "My Project", IssuedAt: 1,
		ID:        canon.MustFingerprint("My Project"),
		PublicSig: f.project.Enc.Public(), PublicEnc: f.project.Sig.Public(),
	}
	tok, err := signPayload(map[string]any{"alg": "EdDSA", "typ": "project"}, c.Map(TypeProject), f.project.Sig)
	if err != nil {
		t.Fatalf("signPayload: %v", err)
	}
	// psig is not a signing key, so the token cannot vouch for itself
	if _, err := Verify(tok, TypeProject, nil); !errors.Is(err, ErrSignature) {
		t.Fatalf("self-signed: expected ErrSignature, got %v", err)
	}
	_, err = Verify(tok, TypeProject, ptr(f.project.Sig.Public()))
	if !errors.Is(err, ErrUnprocessable) || !strings.Contains(err.Error(), "Invalid") {
		t.Fatalf("explicit signer: expected ErrUnprocessable, got %v", err)
	}
}

func TestSchemaViolations(t *testing.T) {
	f := newFixture(t)
	claims := Claims{
		Issuer: "pieter@example.com", Subject: "My Project", IssuedAt: 1,
		ID:        canon.MustFingerprint("My Project"),
		PublicSig: f.project.Sig.Public(), PublicEnc: f.project.Enc.Public(),
	}

	extra := claims.Map(TypeProject)
	extra["exp"] = 5
	missing := claims.Map(TypeProject)
	delete(missing, "iat")
	badIat := claims.Map(TypeProject)
	badIat["iat"] = "yesterday"

	cases := map[string]struct {
		header  map[string]any
		payload map[string]any
	}{
		"extra claim":   {map[string]any{"alg": "EdDSA", "typ": "project"}, extra},
		"missing claim": {map[string]any{"alg": "EdDSA", "typ": "project"}, missing},
		"iat type":      {map[string]any{"alg": "EdDSA", "typ": "project"}, badIat},
		"wrong typ":     {map[string]any{"alg": "EdDSA", "typ": "pinvite"}, claims.Map(TypeProject)},
		"extra header":  {map[string]any{"alg": "EdDSA", "typ": "project", "kid": "x"}, claims.Map(TypeProject)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tok, err := signPayload(tc.header, tc.payload, f.project.Sig)
			if err != nil {
				t.Fatalf("signPayload: %v", err)
			}
			if _, err := Verify(tok, TypeProject, nil); !errors.Is(err, ErrSchema) {
				t.Fatalf("expected ErrSchema, got %v", err)
			}
		})
	}
}

func TestStructuralErrors(t *testing.T) {
	f := newFixture(t)
	parts := strings.Split(f.projectTok, ".")
	cases := map[string]string{
		"two segments":  parts[0] + "." + parts[1],
		"four segments": f.projectTok + ".x",
		"bad base64":    parts[0] + ".*." + parts[2],
		"not json":      b64.EncodeToString([]byte("{")) + "." + parts[1] + "." + parts[2],
		"empty":         "",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Verify(tok, TypeProject, nil); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestWrongSigner(t *testing.T) {
	f := newFixture(t)
	other, _ := keys.Generate()
	signer := other.Sig.Public()
	if _, err := Verify(f.pinviteTok, TypePublicInvite, &signer); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	// a project signed by a key other than its embedded psig
	c := Claims{
		Issuer: "pieter@example.com", Subject: "Stolen", IssuedAt: 1,
		ID:        canon.MustFingerprint("Stolen"),
		PublicSig: f.project.Sig.Public(), PublicEnc: f.project.Enc.Public(),
	}
	tok, err := signPayload(map[string]any{"alg": "EdDSA", "typ": "project"}, c.Map(TypeProject), other.Sig)
	if err != nil {
		t.Fatalf("signPayload: %v", err)
	}
	if _, err := Verify(tok, TypeProject, nil); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestSecretInviteRequiresPrivateKeys(t *testing.T) {
	f := newFixture(t)
	c := Claims{Issuer: f.projectID, Subject: "bob", SecretSig: f.invite.Sig.Public(), SecretEnc: f.invite.Enc.Public()}
	if _, err := Sign(c, TypeSecretInvite, f.project.Sig); !errors.Is(err, ErrUnprocessable) {
		t.Fatalf("expected ErrUnprocessable, got %v", err)
	}
}

func TestPeek(t *testing.T) {
	f := newFixture(t)
	typ, c, err := Peek(f.sinviteTok)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if typ != TypeSecretInvite || c.Issuer != f.projectID || c.Subject != "alice" {
		t.Fatalf("unexpected peek: %s %+v", typ, c)
	}
	if _, _, err := Peek("a.b"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDetached(t *testing.T) {
	f := newFixture(t)
	payload := []byte(canon.MustFingerprint(map[string]any{"method": "DELETE", "path": "/" + f.projectID}))
	tok, err := SignDetached(payload, f.project.Sig)
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	got, err := VerifyDetached(tok, f.project.Sig.Public())
	if err != nil {
		t.Fatalf("VerifyDetached: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload=%s, want %s", got, payload)
	}
	other, _ := keys.Generate()
	if _, err := VerifyDetached(tok, other.Sig.Public()); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}
