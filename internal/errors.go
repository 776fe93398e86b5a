package internal

import (
	"errors"
	"fmt"
)

// Kind classifies why a session failed.
type Kind int

const (
	KindUnknown Kind = iota
	TransportError
	IncompletePayload
	PayloadTooLarge
	ArchiveError
	BuildError
	PushError
	WriteError
	Timeout
)

func (k Kind) String() string {
	switch k {
	case TransportError:
		return "transport error"
	case IncompletePayload:
		return "incomplete payload"
	case PayloadTooLarge:
		return "payload too large"
	case ArchiveError:
		return "archive error"
	case BuildError:
		return "build error"
	case PushError:
		return "push error"
	case WriteError:
		return "write error"
	case Timeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// Error is a classified session failure. The message it renders is what a
// client sees after the "ERROR: " prefix.
type Error struct {
	Kind  Kind
	Stage Stage
	Err   error
}

// NewError wraps err with a kind and the stage it happened in.
func NewError(kind Kind, stage Stage, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Errorf builds an *Error from a format string. %w verbs are honored.
func Errorf(kind Kind, stage Stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s failed: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so callers can
// write errors.Is(err, &internal.Error{Kind: internal.BuildError}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
