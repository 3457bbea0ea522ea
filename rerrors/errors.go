// Package rerrors defines the error kinds observable at the wire boundary
// as sentinel errors, plus the byte encoding the Server uses to report
// them to clients without leaking internal detail.
package rerrors

import (
	"github.com/pkg/errors"
)

// Kind is the wire-visible classification of a failure.
type Kind byte

const (
	KindInvalidMessage Kind = iota
	KindUnknownEntity
	KindUnknownSource
	KindNotFound
	KindUnavailable
	KindConflict
	KindDiffMismatch
	KindCancelled
	KindInternal
)

var (
	// ErrInvalidMessage signals a framing or decoding error at the wire boundary.
	ErrInvalidMessage = errors.New("reconciler: invalid message")
	// ErrUnknownEntity signals a referenced entity name is not registered.
	ErrUnknownEntity = errors.New("reconciler: unknown entity")
	// ErrUnknownSource signals a referenced source name is not registered for its entity.
	ErrUnknownSource = errors.New("reconciler: unknown source")
	// ErrNotFound signals a target identifier does not exist.
	ErrNotFound = errors.New("reconciler: not found")
	// ErrUnavailable signals a transient driver or store failure; triggers retry.
	ErrUnavailable = errors.New("reconciler: unavailable")
	// ErrConflict signals a foreign key already bound to a different internal key.
	ErrConflict = errors.New("reconciler: conflict")
	// ErrDiffMismatch signals a patch cannot be applied to the given document.
	ErrDiffMismatch = errors.New("reconciler: diff mismatch")
	// ErrCancelled signals shutdown mid-operation.
	ErrCancelled = errors.New("reconciler: cancelled")
	// ErrInternal signals a bug or invariant violation.
	ErrInternal = errors.New("reconciler: internal error")
)

var sentinels = [...]error{
	KindInvalidMessage: ErrInvalidMessage,
	KindUnknownEntity:  ErrUnknownEntity,
	KindUnknownSource:  ErrUnknownSource,
	KindNotFound:       ErrNotFound,
	KindUnavailable:    ErrUnavailable,
	KindConflict:       ErrConflict,
	KindDiffMismatch:   ErrDiffMismatch,
	KindCancelled:      ErrCancelled,
	KindInternal:       ErrInternal,
}

// Sentinel returns the sentinel error for a wire-encoded Kind.
func Sentinel(k Kind) error {
	if int(k) < 0 || int(k) >= len(sentinels) {
		return ErrInternal
	}
	return sentinels[k]
}

// KindOf maps any error to its observable Kind, defaulting to KindInternal
// so internal detail is never leaked across the wire boundary.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for k, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return Kind(k)
		}
	}
	return KindInternal
}

// Wrap attaches context to an existing sentinel without losing errors.Is
// matchability.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// WithMessagef attaches formatted context to an existing sentinel.
func WithMessagef(err error, format string, args ...any) error {
	return errors.WithMessagef(err, format, args...)
}
