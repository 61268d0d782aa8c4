package token

import (
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/keys"
)

var b64 = base64.RawURLEncoding

// Sign serializes claims as a token of typ signed with the private signing
// key. A zero IssuedAt becomes the current time and an empty ID is derived
// from issuer and subject. The claims must satisfy typ's invariants.
func Sign(c Claims, typ Type, key keys.JWK) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("token: unknown type %q", typ)
	}
	if c.IssuedAt == 0 {
		c.IssuedAt = now().Unix()
	}
	if c.ID == "" {
		id, err := DeriveID(typ, c.Issuer, c.Subject)
		if err != nil {
			return "", err
		}
		c.ID = id
	}
	if err := checkInvariants(typ, c); err != nil {
		return "", fmt.Errorf("token: refusing to sign: %w", err)
	}
	return signPayload(map[string]any{"alg": jwt.SigningMethodEdDSA.Alg(), "typ": string(typ)}, c.Map(typ), key)
}

// signPayload signs an arbitrary header and payload. payload is either a
// claim map or raw bytes.
func signPayload(header map[string]any, payload any, key keys.JWK) (string, error) {
	priv, err := key.Ed25519Private()
	if err != nil {
		return "", fmt.Errorf("token: signing key: %w", err)
	}
	h, err := canon.Encode(header)
	if err != nil {
		return "", err
	}
	var p []byte
	switch v := payload.(type) {
	case []byte:
		p = v
	default:
		if p, err = canon.Encode(v); err != nil {
			return "", err
		}
	}
	signing := b64.EncodeToString(h) + "." + b64.EncodeToString(p)
	sig, err := jwt.SigningMethodEdDSA.Sign(signing, priv)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signing + "." + b64.EncodeToString(sig), nil
}

// SignDetached produces a token with header {"alg":"EdDSA"} over raw payload
// bytes. Intent proofs use it.
func SignDetached(payload []byte, key keys.JWK) (string, error) {
	return signPayload(map[string]any{"alg": jwt.SigningMethodEdDSA.Alg()}, payload, key)
}
