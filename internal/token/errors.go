package token

import (
	"errors"
	"fmt"
)

// Error kinds. Every verification failure wraps exactly one of them.
var (
	// ErrMalformed: wrong segment count, undecodable base64 or JSON.
	ErrMalformed = errors.New("token: malformed")
	// ErrSchema: wrong typ header, missing or unexpected claims, wrong claim types.
	ErrSchema = errors.New("token: schema violation")
	// ErrUnprocessable: well-formed but logically invalid (id mismatch,
	// untrimmed subject, bad email, private key where a public one belongs).
	ErrUnprocessable = errors.New("token: unprocessable")
	// ErrSignature: cryptographic verification failed.
	ErrSignature = errors.New("token: signature verification failed")
)

// Error carries a kind and the human-readable reason reported to callers.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return e.Kind }

func malformed(format string, args ...any) error {
	return &Error{Kind: ErrMalformed, Reason: fmt.Sprintf(format, args...)}
}

func schemaError(format string, args ...any) error {
	return &Error{Kind: ErrSchema, Reason: fmt.Sprintf(format, args...)}
}

func unprocessable(format string, args ...any) error {
	return &Error{Kind: ErrUnprocessable, Reason: fmt.Sprintf(format, args...)}
}

var (
	errBadSignature    = &Error{Kind: ErrSignature, Reason: "Signature validation failed."}
	errUnauthenticated = &Error{Kind: ErrSignature, Reason: "Token does not name a usable signing key."}
)
