package txn

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable class of an engine error.
type ErrorKind string

const (
	// KindStructuralConflict is raised synchronously from the statement
	// that collided on an object lock. Only that statement fails; the
	// issuing transaction stays active.
	KindStructuralConflict ErrorKind = "structural-conflict"

	// KindCommitAborted is raised only from a commit request. The whole
	// transaction is discarded and must be closed with a rollback.
	KindCommitAborted ErrorKind = "commit-aborted-by-conflict"

	// KindIntegrityViolation is an ordinary constraint violation inside
	// one transaction's own data, unrelated to concurrency.
	KindIntegrityViolation ErrorKind = "integrity-violation"
)

// Error is the engine's error surface toward the session layer.
type Error struct {
	Kind    ErrorKind
	Object  string
	Message string

	// Cause carries the aggregated conflict reasons for commit aborts.
	Cause error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewStructuralConflict builds the eager conflict error naming the
// colliding object by internal name.
func NewStructuralConflict(object string) *Error {
	return &Error{
		Kind:    KindStructuralConflict,
		Object:  object,
		Message: fmt.Sprintf("%s conflicts with another transaction", object),
	}
}

// NewCommitAborted builds the deferred commit conflict error.
func NewCommitAborted(cause error) *Error {
	return &Error{
		Kind:    KindCommitAborted,
		Message: "transaction is aborted because of concurrency conflicts, will ROLLBACK instead",
		Cause:   cause,
	}
}

// NewIntegrityViolation reports a non-concurrency constraint violation.
func NewIntegrityViolation(constraint, detail string) *Error {
	return &Error{
		Kind:    KindIntegrityViolation,
		Object:  constraint,
		Message: fmt.Sprintf("%s: %s", constraint, detail),
	}
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsStructuralConflict(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindStructuralConflict
}

func IsCommitAborted(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindCommitAborted
}

func IsIntegrityViolation(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindIntegrityViolation
}

// ErrNotActive is returned when a statement or commit arrives for a
// transaction that is no longer active.
var ErrNotActive = errors.New("transaction is not active")
