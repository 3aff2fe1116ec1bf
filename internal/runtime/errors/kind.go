package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

// Kind classifies a collaborator failure so the processing loop can decide
// how far to unwind.
type Kind int

const (
	// KindFatal errors terminate processing of the topic.
	KindFatal Kind = iota
	// KindIntermittent errors are retried at the smallest possible scope.
	KindIntermittent
	// KindConflict errors signal an optimistic concurrency failure.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindIntermittent:
		return "intermittent"
	case KindConflict:
		return "conflict"
	default:
		return "fatal"
	}
}

// KindError attaches a Kind to an underlying cause.
type KindError struct {
	Kind  Kind
	Cause error
}

func (e *KindError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("eventmediator: %s error", e.Kind)
	}
	return fmt.Sprintf("eventmediator: %s error: %v", e.Kind, e.Cause)
}

func (e *KindError) Unwrap() error {
	return e.Cause
}

// Intermittent tags err as retryable.
func Intermittent(err error) error {
	return withKind(KindIntermittent, err)
}

// Fatal tags err as terminal for the processing loop.
func Fatal(err error) error {
	return withKind(KindFatal, err)
}

// Conflict tags err as an optimistic concurrency conflict.
func Conflict(err error) error {
	return withKind(KindConflict, err)
}

// Intermittentf formats a new intermittent error.
func Intermittentf(format string, args ...any) error {
	return Intermittent(fmt.Errorf(format, args...))
}

// Fatalf formats a new fatal error.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

func withKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Cause: err}
}

// KindOf returns the outermost Kind attached to err. Untagged errors are
// fatal. Deadline errors coming from a context are intermittent.
func KindOf(err error) Kind {
	var kindErr *KindError
	if sterrors.As(err, &kindErr) {
		return kindErr.Kind
	}
	if sterrors.Is(err, context.DeadlineExceeded) {
		return KindIntermittent
	}
	return KindFatal
}

// IsIntermittent reports whether err is tagged as intermittent.
func IsIntermittent(err error) bool {
	return err != nil && KindOf(err) == KindIntermittent
}

// IsFatal reports whether err should terminate processing.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}
