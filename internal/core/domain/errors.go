package domain

import (
	"errors"
	"fmt"
)

// Kind is a closed enumeration of error categories. Every error that crosses
// a component boundary carries one; adapters map it to a transport status.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindLedger
	KindStore
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindLedger:
		return "ledger"
	case KindStore:
		return "store"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the tagged error carried through every layer.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a tagged error. The last error argument, if any, is wrapped.
func E(kind Kind, msg string, err ...error) *Error {
	var wrapped error
	if len(err) > 0 {
		wrapped = err[0]
	}
	return &Error{Kind: kind, Msg: msg, Err: wrapped}
}

// KindOf extracts the category of err, or KindUnknown for untagged errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// ClientMessage returns a message safe to expose to callers. Unknown errors
// never leak internal detail.
func ClientMessage(err error) string {
	var de *Error
	if errors.As(err, &de) {
		switch de.Kind {
		case KindValidation, KindLedger, KindNotFound:
			return de.Msg
		case KindStore:
			return "storage operation failed, please try again"
		}
	}
	return "an unexpected error occurred"
}
