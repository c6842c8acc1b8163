// Package lberrors names the error kinds the core surfaces, so callers
// (the dispatcher, the reconfiguration engine, cmd/tcplb) can branch on
// kind without string matching.
package lberrors

import "fmt"

// Kind is one of the error kinds named by the design: ConfigResolve,
// Bind, SlabFull, AcceptTransient, ConnectTransient, IoTransient, or
// InvariantViolation.
type Kind uint8

const (
	// ConfigResolve: a target or listen address did not resolve to
	// exactly one socket address.
	ConfigResolve Kind = iota
	// Bind: a listen socket could not be bound.
	Bind
	// SlabFull: connection or listener capacity exhausted.
	SlabFull
	// AcceptTransient: accept returned an error other than would-block.
	AcceptTransient
	// ConnectTransient: outbound connect failed.
	ConnectTransient
	// IoTransient: read/write returned an error other than would-block.
	IoTransient
	// InvariantViolation: an impossible decoded state was observed. Fatal.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case ConfigResolve:
		return "ConfigResolve"
	case Bind:
		return "Bind"
	case SlabFull:
		return "SlabFull"
	case AcceptTransient:
		return "AcceptTransient"
	case ConnectTransient:
		return "ConnectTransient"
	case IoTransient:
		return "IoTransient"
	case InvariantViolation:
		return "InvariantViolation"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error wraps an underlying error with a Kind, so callers can
// errors.As into it and branch on Kind while %w-chaining through the
// standard library.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error kind requires process termination.
// Only InvariantViolation is fatal; every other kind is handled by
// logging and dropping the offending connection or reconfiguration.
func (e *Error) Fatal() bool { return e.Kind == InvariantViolation }

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}
