package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"pseudomat.org/internal/keys"
)

var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	jwt.WithJSONNumber(),
	jwt.WithoutClaimsValidation(),
)

type segments struct {
	header, payload string
	sig             []byte
}

func split(tok string) (segments, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return segments{}, malformed("Token must have exactly three segments.")
	}
	for _, p := range parts[:2] {
		if _, err := b64.DecodeString(p); err != nil {
			return segments{}, malformed("Syntax error in token.")
		}
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return segments{}, malformed("Syntax error in token.")
	}
	return segments{header: parts[0], payload: parts[1], sig: sig}, nil
}

func (s segments) verify(signer keys.JWK) error {
	pub, err := signer.Ed25519Public()
	if err != nil {
		return fmt.Errorf("token: signer key: %w", err)
	}
	if err := jwt.SigningMethodEdDSA.Verify(s.header+"."+s.payload, s.sig, pub); err != nil {
		return errBadSignature
	}
	return nil
}

// embeddedSigner returns the psig a self-signed token names. A payload that
// does not yield a usable signing key cannot be authenticated, so it fails as
// a signature error; private material in psig is rejected first.
func (s segments) embeddedSigner() (keys.JWK, error) {
	headerJSON, _ := b64.DecodeString(s.header)
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return keys.JWK{}, malformed("Syntax error in token.")
	}
	payloadJSON, _ := b64.DecodeString(s.payload)
	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return keys.JWK{}, errUnauthenticated
	}
	psig, err := keys.FromClaim(payload["psig"])
	if err != nil {
		return keys.JWK{}, errUnauthenticated
	}
	if psig.IsPrivate() {
		return keys.JWK{}, unprocessable("Private key found in keyset.")
	}
	if err := psig.CheckPublic(keys.UseSig); err != nil {
		return keys.JWK{}, errUnauthenticated
	}
	return psig, nil
}

// Verify validates tok as a token of typ and returns its claims.
//
// signer is the public signing key the token must be signed with. It may be
// nil only for project tokens, which are verified with their own embedded
// psig. The signature is always checked before the claims are validated, so
// a tampered payload fails with ErrSignature. An embedded psig carrying
// private material is rejected before the signature is checked.
func Verify(tok string, typ Type, signer *keys.JWK) (Claims, error) {
	if !typ.Valid() {
		return Claims{}, fmt.Errorf("token: unknown type %q", typ)
	}
	if signer == nil && typ != TypeProject {
		return Claims{}, fmt.Errorf("token: %s tokens need a signer key", typ)
	}
	segs, err := split(tok)
	if err != nil {
		return Claims{}, err
	}
	if signer == nil {
		embedded, err := segs.embeddedSigner()
		if err != nil {
			return Claims{}, err
		}
		signer = &embedded
	}
	if err := segs.verify(*signer); err != nil {
		return Claims{}, err
	}

	var claims Claims
	raw := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(tok, raw, func(t *jwt.Token) (any, error) {
		if got, _ := t.Header["typ"].(string); got != string(typ) {
			return nil, schemaError("Token type must be '%s'.", typ)
		}
		if len(t.Header) != 2 {
			return nil, schemaError("Unexpected members in token header.")
		}
		if err := checkSchema(typ, raw); err != nil {
			return nil, err
		}
		c, err := claimsFromMap(raw)
		if err != nil {
			return nil, err
		}
		if err := checkInvariants(typ, c); err != nil {
			return nil, err
		}
		claims = c
		return signer.Ed25519Public()
	})
	if err != nil {
		return Claims{}, classify(err)
	}
	return claims, nil
}

func classify(err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return malformed("Syntax error in token.")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return malformed("Token header has no usable algorithm.")
	}
	return malformed("Syntax error in token.")
}

// Peek decodes a token without verifying it. Callers use it to route or to
// find the key a token must be verified with; nothing it returns is trusted.
func Peek(tok string) (Type, Claims, error) {
	if _, err := split(tok); err != nil {
		return "", Claims{}, err
	}
	raw := jwt.MapClaims{}
	t, _, err := parser.ParseUnverified(tok, raw)
	if err != nil {
		return "", Claims{}, classify(err)
	}
	typ, _ := t.Header["typ"].(string)
	c, err := claimsFromMap(raw)
	if err != nil {
		return "", Claims{}, err
	}
	return Type(typ), c, nil
}

// VerifyDetached checks a token produced by SignDetached and returns its raw
// payload.
func VerifyDetached(tok string, signer keys.JWK) ([]byte, error) {
	segs, err := split(tok)
	if err != nil {
		return nil, err
	}
	headerJSON, _ := b64.DecodeString(segs.header)
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, malformed("Syntax error in token.")
	}
	if alg, _ := header["alg"].(string); alg != jwt.SigningMethodEdDSA.Alg() {
		return nil, schemaError("Token algorithm must be EdDSA.")
	}
	if err := segs.verify(signer); err != nil {
		return nil, err
	}
	payload, _ := b64.DecodeString(segs.payload)
	return payload, nil
}
