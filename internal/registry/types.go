package registry

import (
	"errors"
	"time"

	"pseudomat.org/internal/keys"
)

// Project is the server-side record of a registered project token.
type Project struct {
	ID        string
	Subject   string
	Issuer    string
	PublicSig keys.JWK
	PublicEnc keys.JWK
	Token     string
	Verified  bool
	CreatedAt time.Time
}

// Invite is a registered public invite token.
type Invite struct {
	ID        string
	ProjectID string
	Subject   string
	PublicSig keys.JWK
	PublicEnc keys.JWK
	Token     string
	CreatedAt time.Time
}

// Member is the revocation chain of one invite. Every id references a
// LogEntry; MemberID and RevokeID stay empty until the invite is accepted or
// revoked.
type Member struct {
	ProjectID string
	InviteID  string
	MemberID  string
	RevokeID  string
}

// Active reports whether the invite was accepted and not revoked.
func (m Member) Active() bool { return m.MemberID != "" && m.RevokeID == "" }

// Revoked reports whether a revocation has been attached.
func (m Member) Revoked() bool { return m.RevokeID != "" }

// State names the chain position: pending, active or revoked.
func (m Member) State() string {
	switch {
	case m.RevokeID != "":
		return "revoked"
	case m.MemberID != "":
		return "active"
	}
	return "pending"
}

// LogEntry is an immutable signed token referenced from member chains. Refs
// counts the live references; an entry is removed when it drops to zero.
type LogEntry struct {
	ID    string
	Token string
	Refs  int
}

// Outcome of a registration.
type Outcome int

const (
	Created Outcome = iota + 1
	Replayed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Replayed:
		return "replayed"
	}
	return "unknown"
}

// Store-level errors.
var (
	ErrStoreNotFound = errors.New("registry: record not found")
	ErrDuplicate     = errors.New("registry: duplicate record")
	ErrChainRevoked  = errors.New("registry: member chain revoked")
)

// DuplicateError reports a uniqueness violation together with the token
// already stored under the contested key.
type DuplicateError struct {
	Token string
}

func (e *DuplicateError) Error() string { return ErrDuplicate.Error() }

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }
