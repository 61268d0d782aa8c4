package registry

import (
	"errors"
	"fmt"
)

// Error kinds returned by Service. Token verification errors are passed
// through unchanged and keep their own kinds.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRevoked      = errors.New("revoked")
	ErrRateLimited  = errors.New("rate limited")
	ErrMailFailed   = errors.New("mail delivery failed")
	ErrUnverified   = errors.New("project not verified")
)

// Error pairs a kind with the reason reported to the client.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

var (
	errIllegalID       = &Error{Kind: ErrBadRequest, Reason: "Illegal id in request URI."}
	errProjectNotFound = &Error{Kind: ErrNotFound, Reason: "Project not found."}
	errInviteNotFound  = &Error{Kind: ErrNotFound, Reason: "Invite not found."}
	errMemberNotFound  = &Error{Kind: ErrNotFound, Reason: "Invite has not been accepted."}
)
