// Package token builds and validates the signed, self-describing tokens that
// carry projects, invites, memberships and revocations.
//
// A token is the compact serialization header.payload.signature. Header and
// payload are canonical JSON encoded as unpadded base64url, the header is
// {"alg":"EdDSA","typ":<type>} and the signature is Ed25519 over the ASCII
// bytes of header.payload. Each type has a closed claim set.
package token

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/keys"
)

// Type is the value of the typ header.
type Type string

const (
	TypeProject      Type = "project"
	TypePublicInvite Type = "pinvite"
	TypeSecretInvite Type = "sinvite"
	TypeMember       Type = "member"
	TypeRevoke       Type = "revoke"
)

// MediaType is the content type tokens travel under.
const MediaType = "application/jose"

const maxSubjectLen = 80

var emailPattern = regexp.MustCompile(`^[-\w.]+@(?:[-\w]+\.)+[a-z]+$`)

var schemas = map[Type][]string{
	TypeProject:      {"iat", "iss", "jti", "penc", "psig", "sub"},
	TypePublicInvite: {"iat", "iss", "jti", "penc", "psig", "sub"},
	TypeSecretInvite: {"iat", "iss", "jti", "senc", "ssig", "sub"},
	TypeMember:       {"iat", "iss", "jti", "penc", "psig", "sub"},
	TypeRevoke:       {"iat", "iss", "jti", "sub"},
}

// now is replaced in tests.
var now = time.Now

// Valid reports whether typ is a known token type.
func (t Type) Valid() bool {
	_, ok := schemas[t]
	return ok
}

// Claims is the typed claim set of any token type. Members that the type's
// schema does not name stay zero.
type Claims struct {
	Issuer    string
	Subject   string
	ID        string
	IssuedAt  int64
	PublicSig keys.JWK
	PublicEnc keys.JWK
	SecretSig keys.JWK
	SecretEnc keys.JWK
}

// Map returns the claims named by typ's schema as a JSON object.
func (c Claims) Map(typ Type) map[string]any {
	m := map[string]any{}
	for _, name := range schemas[typ] {
		switch name {
		case "iat":
			m[name] = c.IssuedAt
		case "iss":
			m[name] = c.Issuer
		case "jti":
			m[name] = c.ID
		case "sub":
			m[name] = c.Subject
		case "psig":
			m[name] = c.PublicSig.Map()
		case "penc":
			m[name] = c.PublicEnc.Map()
		case "ssig":
			m[name] = c.SecretSig.Map()
		case "senc":
			m[name] = c.SecretEnc.Map()
		}
	}
	return m
}

// DeriveID computes the jti a token of typ must carry.
func DeriveID(typ Type, issuer, subject string) (string, error) {
	switch typ {
	case TypeProject:
		return canon.Fingerprint(subject)
	case TypePublicInvite, TypeSecretInvite, TypeMember:
		return canon.Fingerprint([]any{issuer, subject})
	case TypeRevoke:
		return canon.Fingerprint([]any{issuer, subject, "revoke"})
	}
	return "", fmt.Errorf("token: unknown type %q", typ)
}

// claimsFromMap converts decoded claims. Only members present in the map are
// read, so it serves unverified peeks as well as schema-checked payloads.
func claimsFromMap(m map[string]any) (Claims, error) {
	var c Claims
	var err error
	if c.Issuer, err = stringClaim(m, "iss"); err != nil {
		return Claims{}, err
	}
	if c.Subject, err = stringClaim(m, "sub"); err != nil {
		return Claims{}, err
	}
	if c.ID, err = stringClaim(m, "jti"); err != nil {
		return Claims{}, err
	}
	if v, ok := m["iat"]; ok {
		n, isNum := v.(json.Number)
		if !isNum {
			return Claims{}, schemaError("Claim 'iat' must be an integer.")
		}
		if c.IssuedAt, err = n.Int64(); err != nil {
			return Claims{}, schemaError("Claim 'iat' must be an integer.")
		}
	}
	for name, dst := range map[string]*keys.JWK{
		"psig": &c.PublicSig, "penc": &c.PublicEnc,
		"ssig": &c.SecretSig, "senc": &c.SecretEnc,
	} {
		v, ok := m[name]
		if !ok {
			continue
		}
		k, err := keys.FromClaim(v)
		if err != nil {
			return Claims{}, unprocessable("Claim '%s' is not a valid key.", name)
		}
		*dst = k
	}
	return c, nil
}

func stringClaim(m map[string]any, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", schemaError("Claim '%s' must be a string.", name)
	}
	return s, nil
}

func checkSchema(typ Type, m map[string]any) error {
	want := schemas[typ]
	for _, name := range want {
		if _, ok := m[name]; !ok {
			return schemaError("Required claim '%s' is missing.", name)
		}
	}
	if len(m) != len(want) {
		extra := make([]string, 0, len(m))
		for name := range m {
			if !contains(want, name) {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		return schemaError("Claim '%s' is unexpected.", extra[0])
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CheckSubject validates a display name or invitee name.
func CheckSubject(sub string) error {
	if sub == "" {
		return unprocessable("Required 'sub' claim is missing.")
	}
	if strings.TrimSpace(sub) != sub {
		return unprocessable("Claim 'sub' mustn't start or end with whitespace.")
	}
	if utf8.RuneCountInString(sub) > maxSubjectLen {
		return unprocessable("Claim 'sub' length exceeds %d characters.", maxSubjectLen)
	}
	for _, r := range sub {
		if r < 0x20 || r == 0x7f {
			return unprocessable("Illegal control characters in claim 'sub'.")
		}
	}
	return nil
}

// CheckEmail validates the issuer address of a project.
func CheckEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return unprocessable("%s is not a valid e-mail address.", email)
	}
	return nil
}

func checkInvariants(typ Type, c Claims) error {
	switch typ {
	case TypeProject:
		if err := CheckSubject(c.Subject); err != nil {
			return err
		}
		if err := CheckEmail(c.Issuer); err != nil {
			return err
		}
		if err := checkKeys(c.PublicSig, c.PublicEnc, false); err != nil {
			return err
		}
	case TypePublicInvite, TypeSecretInvite, TypeMember:
		if !canon.IsID(c.Issuer) {
			return unprocessable("Claim 'iss' is not a valid identifier.")
		}
		if err := CheckSubject(c.Subject); err != nil {
			return err
		}
		if typ == TypeSecretInvite {
			if err := checkKeys(c.SecretSig, c.SecretEnc, true); err != nil {
				return err
			}
		} else if err := checkKeys(c.PublicSig, c.PublicEnc, false); err != nil {
			return err
		}
	case TypeRevoke:
		if !canon.IsID(c.Issuer) {
			return unprocessable("Claim 'iss' is not a valid identifier.")
		}
		if !canon.IsID(c.Subject) {
			return unprocessable("Claim 'sub' is not a valid identifier.")
		}
	default:
		return schemaError("Unknown token type %q.", typ)
	}
	want, err := DeriveID(typ, c.Issuer, c.Subject)
	if err != nil {
		return err
	}
	if c.ID != want {
		return unprocessable("jti '%s' doesn't compute.", c.ID)
	}
	return nil
}

func checkKeys(sig, enc keys.JWK, private bool) error {
	check := keys.JWK.CheckPublic
	if private {
		check = keys.JWK.CheckPrivate
	}
	for _, k := range []struct {
		key keys.JWK
		use string
	}{{sig, keys.UseSig}, {enc, keys.UseEnc}} {
		if err := check(k.key, k.use); err != nil {
			switch {
			case !private && k.key.IsPrivate():
				return unprocessable("Private key found in keyset.")
			case private && !k.key.IsPrivate():
				return unprocessable("Private key missing from keyset.")
			default:
				return unprocessable("Invalid %s key: %v", k.use, err)
			}
		}
	}
	return nil
}
