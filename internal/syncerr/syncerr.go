// Package syncerr classifies sync failures so callers can decide between
// retrying, quarantining a record, and surfacing to the user.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind buckets a sync failure by how it should be handled.
type Kind string

const (
	// KindNetwork is a transport failure. Recoverable: retry with backoff.
	KindNetwork Kind = "network"
	// KindAuth means the session is missing or expired. Not recoverable
	// until the user signs in again.
	KindAuth Kind = "auth"
	// KindValidation means one record failed local validation. The record
	// is quarantined; the rest of the batch proceeds.
	KindValidation Kind = "validation"
	// KindServer is a backend rejection (5xx, malformed response).
	// Recoverable: retry with backoff.
	KindServer Kind = "server"
	// KindConflict marks a pass that detected conflicts needing a user
	// decision.
	KindConflict Kind = "conflict"
	// KindPrivacy means a payload failed the outbound safety scan. Never
	// recoverable by retry; the pass is aborted.
	KindPrivacy Kind = "privacy"
	// KindBlocked means the pass could not start: another pass is running
	// or sync is paused. Not an error with the data; try again later.
	KindBlocked Kind = "blocked"
)

// Error is a classified sync failure.
type Error struct {
	Kind     Kind
	RecordID string // set when the failure is scoped to one record
	Retries  int    // attempts already made when the failure surfaced
	Err      error
}

func (e *Error) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s error on record %s: %v", e.Kind, e.RecordID, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the sync loop can recover without user
// action: by retrying the pass, or for validation failures by quarantining
// the one bad record.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindValidation, KindBlocked:
		return true
	}
	return false
}

// New wraps err with a kind. A nil err yields a nil *Error.
func New(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// ForRecord wraps a failure scoped to a single record.
func ForRecord(kind Kind, recordID string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, RecordID: recordID, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindNetwork: the safe default is to treat them as transient.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindNetwork
}

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindAuth}).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te.Kind == e.Kind
}
