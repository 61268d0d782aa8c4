// Package keys holds the OKP key pairs that identify projects, invites and
// members. Signing keys are Ed25519, encryption keys are X25519, and both are
// carried as JWK objects inside tokens and local records.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	KeyType = "OKP"

	UseSig = "sig"
	UseEnc = "enc"

	CurveEd25519 = "Ed25519"
	CurveX25519  = "X25519"
)

var (
	ErrInvalidKey = errors.New("keys: invalid key")
	ErrPrivateKey = errors.New("keys: private key material present")
	ErrPublicKey  = errors.New("keys: private key material missing")
)

var b64 = base64.RawURLEncoding

// JWK is an octet key pair. Field order follows the JSON member names so the
// default encoder already emits them sorted.
type JWK struct {
	Crv string `json:"crv"`
	D   string `json:"d,omitempty"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	X   string `json:"x"`
}

// Pair is a signing key and an encryption key generated together.
type Pair struct {
	Sig JWK
	Enc JWK
}

// Generate creates a fresh signing and encryption key pair with private halves.
func Generate() (Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("generate signing key: %w", err)
	}
	scalar := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(scalar); err != nil {
		return Pair{}, fmt.Errorf("generate encryption key: %w", err)
	}
	point, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return Pair{}, fmt.Errorf("generate encryption key: %w", err)
	}
	return Pair{
		Sig: JWK{Crv: CurveEd25519, D: b64.EncodeToString(priv.Seed()), Kty: KeyType, Use: UseSig, X: b64.EncodeToString(pub)},
		Enc: JWK{Crv: CurveX25519, D: b64.EncodeToString(scalar), Kty: KeyType, Use: UseEnc, X: b64.EncodeToString(point)},
	}, nil
}

// Public returns both keys without their private halves.
func (p Pair) Public() Pair {
	return Pair{Sig: p.Sig.Public(), Enc: p.Enc.Public()}
}

// Public strips the private half.
func (k JWK) Public() JWK {
	k.D = ""
	return k
}

// IsPrivate reports whether the key carries private material.
func (k JWK) IsPrivate() bool { return k.D != "" }

// Equal compares all members.
func (k JWK) Equal(o JWK) bool { return k == o }

// Map returns the key as a generic JSON object for claim sets.
func (k JWK) Map() map[string]any {
	m := map[string]any{"crv": k.Crv, "kty": k.Kty, "use": k.Use, "x": k.X}
	if k.D != "" {
		m["d"] = k.D
	}
	return m
}

// String is the compact JSON form used for storage.
func (k JWK) String() string {
	data, _ := json.Marshal(k)
	return string(data)
}

// Parse decodes a stored JSON key.
func Parse(s string) (JWK, error) {
	return decodeStrict([]byte(s))
}

// FromClaim converts a decoded claim value into a key. Unknown members and
// non-string values are rejected.
func FromClaim(v any) (JWK, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return JWK{}, fmt.Errorf("%w: not an object", ErrInvalidKey)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return JWK{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return decodeStrict(data)
}

func decodeStrict(data []byte) (JWK, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var k JWK
	if err := dec.Decode(&k); err != nil {
		return JWK{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k, nil
}

// CheckPublic validates shape and curve for the given use and rejects any
// private member.
func (k JWK) CheckPublic(use string) error {
	if err := k.checkShape(use); err != nil {
		return err
	}
	if k.IsPrivate() {
		return ErrPrivateKey
	}
	return nil
}

// CheckPrivate validates shape and curve and requires a private half that
// matches the public one.
func (k JWK) CheckPrivate(use string) error {
	if err := k.checkShape(use); err != nil {
		return err
	}
	if !k.IsPrivate() {
		return ErrPublicKey
	}
	d, err := b64.DecodeString(k.D)
	if err != nil || len(d) != 32 {
		return fmt.Errorf("%w: bad private half", ErrInvalidKey)
	}
	var derived []byte
	switch use {
	case UseSig:
		derived = ed25519.NewKeyFromSeed(d).Public().(ed25519.PublicKey)
	case UseEnc:
		derived, err = curve25519.X25519(d, curve25519.Basepoint)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}
	if b64.EncodeToString(derived) != k.X {
		return fmt.Errorf("%w: private half does not match public half", ErrInvalidKey)
	}
	return nil
}

func (k JWK) checkShape(use string) error {
	if k.Kty != KeyType {
		return fmt.Errorf("%w: kty must be %s", ErrInvalidKey, KeyType)
	}
	if k.Use != use {
		return fmt.Errorf("%w: use must be %s", ErrInvalidKey, use)
	}
	want := CurveEd25519
	if use == UseEnc {
		want = CurveX25519
	}
	if k.Crv != want {
		return fmt.Errorf("%w: crv must be %s", ErrInvalidKey, want)
	}
	x, err := b64.DecodeString(k.X)
	if err != nil || len(x) != 32 {
		return fmt.Errorf("%w: bad public half", ErrInvalidKey)
	}
	return nil
}

// Ed25519Public returns the verification key of a signing JWK.
func (k JWK) Ed25519Public() (ed25519.PublicKey, error) {
	if err := k.checkShape(UseSig); err != nil {
		return nil, err
	}
	x, _ := b64.DecodeString(k.X)
	return ed25519.PublicKey(x), nil
}

// Ed25519Private returns the signing key of a private signing JWK.
func (k JWK) Ed25519Private() (ed25519.PrivateKey, error) {
	if err := k.CheckPrivate(UseSig); err != nil {
		return nil, err
	}
	d, _ := b64.DecodeString(k.D)
	return ed25519.NewKeyFromSeed(d), nil
}
