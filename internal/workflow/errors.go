package workflow

import (
	"errors"
	"fmt"

	"pseudomat.org/internal/registry/remote"
)

var (
	ErrNoDefault      = errors.New("no default project")
	ErrNotOwner       = errors.New("not the project owner")
	ErrProjectExists  = errors.New("project already exists")
	ErrInviteExists   = errors.New("invite already exists")
	ErrInviteRevoked  = errors.New("invite has been revoked")
	ErrInviteMismatch = errors.New("invite does not belong to the registered project")
)

// RegisterError is a registration the server did not accept.
type RegisterError struct {
	Op      string
	Outcome remote.Outcome
	Status  int
	Reason  string
	Err     error
}

func (e *RegisterError) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Outcome == remote.OutcomeServerError:
		return fmt.Sprintf("Server side error:\n%d: %s", e.Status, e.Reason)
	case e.Outcome == remote.OutcomeRejected:
		return fmt.Sprintf("%d: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("Server returned unexpected response:\n%d: %s", e.Status, e.Reason)
}

func (e *RegisterError) Unwrap() error { return e.Err }

func registerError(op string, err error) error {
	re := &RegisterError{Op: op, Outcome: remote.OutcomeUnexpected, Err: err}
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		re.Outcome, re.Status, re.Reason = rerr.Outcome, rerr.Status, rerr.Reason
	}
	return re
}

// RollbackError means the remote step failed and undoing the local step
// failed too, leaving a local record the server does not know about.
type RollbackError struct {
	Cause    error
	Rollback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v; rolling back the local record failed: %v", e.Cause, e.Rollback)
}

func (e *RollbackError) Unwrap() []error { return []error{e.Cause, e.Rollback} }

// compensate runs undo after cause and escalates its failure.
func compensate(cause error, undo func() error) error {
	if rerr := undo(); rerr != nil {
		return &RollbackError{Cause: cause, Rollback: rerr}
	}
	return cause
}
