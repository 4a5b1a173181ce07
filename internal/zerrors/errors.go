// Package zerrors defines the tagged-union error kinds produced by the
// install engine. Every fallible operation returns an *Error (or wraps one),
// so callers can branch on Kind via errors.As instead of matching strings.
package zerrors

import "fmt"

// Kind classifies an error produced by the install engine.
type Kind int

const (
	// Unknown is the zero value; never constructed deliberately.
	Unknown Kind = iota
	NotFound
	NetworkError
	HashMismatch
	MalformedFormula
	NoCompatibleBottle
	DependencyCycle
	LinkConflict
	MaterializeError
	LockTimeout
	DatabaseError
	PatcherMissing
	QuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case NetworkError:
		return "NetworkError"
	case HashMismatch:
		return "HashMismatch"
	case MalformedFormula:
		return "MalformedFormula"
	case NoCompatibleBottle:
		return "NoCompatibleBottle"
	case DependencyCycle:
		return "DependencyCycle"
	case LinkConflict:
		return "LinkConflict"
	case MaterializeError:
		return "MaterializeError"
	case LockTimeout:
		return "LockTimeout"
	case DatabaseError:
		return "DatabaseError"
	case PatcherMissing:
		return "PatcherMissing"
	case QuotaExceeded:
		return "QuotaExceeded"
	default:
		return "Unknown"
	}
}

// Error is the single error type produced across the engine. Op names the
// operation that failed (e.g. "store.admit", "catalog.fetch"); Key carries
// the subject of the operation (a formula name, a sha256, a lock name) so
// messages are actionable without string parsing.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s %q: %v", e.Op, e.Kind, e.Key, e.Err)
		}
		return fmt.Sprintf("%s: %s %q", e.Op, e.Kind, e.Key)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no underlying cause.
func New(kind Kind, op, key string) *Error {
	return &Error{Kind: kind, Op: op, Key: key}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(kind Kind, op, key string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
