// Package auth implements proof-of-possession authorization: a mutation is
// allowed when the caller presents a signature, made with the record's
// private signing key, over the canonical form of the intended method and
// path. There are no sessions or passwords.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pseudomat.org/internal/canon"
	"pseudomat.org/internal/keys"
	"pseudomat.org/internal/token"
)

const bearerScheme = "Bearer"

// Intent names the mutation a key holder authorizes.
type Intent struct {
	Method string
	Path   string
}

// DeleteIntent is the intent for deleting the resource at path.
func DeleteIntent(path string) Intent {
	return Intent{Method: http.MethodDelete, Path: path}
}

// Fingerprint is the signed payload of the intent.
func (i Intent) Fingerprint() string {
	return canon.MustFingerprint(map[string]any{"method": i.Method, "path": i.Path})
}

// SignIntent returns the bearer token proving possession of key for i.
func SignIntent(i Intent, key keys.JWK) (string, error) {
	tok, err := token.SignDetached([]byte(i.Fingerprint()), key)
	if err != nil {
		return "", fmt.Errorf("sign intent: %w", err)
	}
	return tok, nil
}

// VerifyIntent checks that tok signs exactly i with owner's key.
// Structural problems wrap ErrInvalidToken, everything else ErrUnauthorized.
func VerifyIntent(tok string, i Intent, owner keys.JWK) error {
	payload, err := token.VerifyDetached(tok, owner)
	if err != nil {
		if errors.Is(err, token.ErrMalformed) {
			return fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if string(payload) != i.Fingerprint() {
		return fmt.Errorf("%w: token does not authorize %s %s", ErrUnauthorized, i.Method, i.Path)
	}
	return nil
}

// ExtractBearerToken returns the token of an Authorization header value. A
// Bearer scheme with no credentials is a missing token.
func ExtractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, rest, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, bearerScheme) {
		return "", ErrInvalidScheme
	}
	tok := strings.TrimSpace(rest)
	if tok == "" {
		return "", ErrMissingToken
	}
	return tok, nil
}
