// Package errs implements the error taxonomy used across the ontology
// store: a small, closed set of kinds that every component maps its
// failures onto, so callers can branch on behavior (retry, surface,
// abort) without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories components report.
type Kind string

const (
	NotFound    Kind = "not_found"
	Conflict    Kind = "conflict"
	Validation  Kind = "validation"
	Permission  Kind = "permission"
	Timeout     Kind = "timeout"
	Unavailable Kind = "unavailable"
	Fatal       Kind = "fatal"
)

// E is the error type every package in this module returns. Op names the
// failing operation (e.g. "commitstore.AppendCommit") for log correlation.
type E struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *E) Unwrap() error { return e.Err }

// New builds an *E with no wrapped cause.
func New(kind Kind, op, msg string) *E {
	return &E{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *E around an existing error.
func Wrap(kind Kind, op, msg string, err error) *E {
	return &E{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Fatal if err does not
// carry one of ours.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Fatal
}

// Is reports whether err (or any error it wraps) has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinel conditions named explicitly in the specification. Components
// construct these via the helper funcs below rather than ad-hoc New calls,
// so the message text stays consistent.

func ConflictingParent(op, parent string) *E {
	return New(Conflict, op, fmt.Sprintf("parent commit %q does not resolve", parent))
}

func InvalidTree(op, reason string) *E {
	return New(Validation, op, "invalid tree: "+reason)
}

func StaleHead(op, branch, expected, actual string) *E {
	return New(Conflict, op, fmt.Sprintf("branch %q head is %q, expected %q", branch, actual, expected))
}

func StaleEtag(op, resourceID string) *E {
	return New(Conflict, op, fmt.Sprintf("etag mismatch for resource %q", resourceID))
}

func LockConflict(op, branch string) *E {
	return New(Conflict, op, fmt.Sprintf("a conflicting lock is held on branch %q", branch))
}

func NotOwner(op, lockID string) *E {
	return New(Permission, op, fmt.Sprintf("caller does not hold lock %q", lockID))
}

func DuplicateBuild(op, branch, indexType string) *E {
	return New(Validation, op, fmt.Sprintf("a build is already in progress for (%s, %s)", branch, indexType))
}

func ValidationFailed(op, reason string) *E {
	return New(Validation, op, reason)
}

func LockTimeout(op string) *E {
	return New(Timeout, op, "timed out waiting for lock")
}

func StorageUnavailable(op string, err error) *E {
	return Wrap(Unavailable, op, "storage layer unavailable", err)
}
