// Package failure defines the error taxonomy shared by the toolchain
// builder: every fatal condition is one of a handful of kinds, carrying enough
// context (stage, expected vs. actual) to diagnose without re-running.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// Usage is bad command-line input.
	Usage Kind = iota + 1
	// Configuration is an unsupported architecture or a conflicting feature set.
	Configuration
	// TransientNetwork is a download that kept failing after all retries.
	TransientNetwork
	// Subprocess is a compiler or build tool exiting non-zero.
	Subprocess
	// Validation is a successfully built but incorrect artifact.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Usage:
		return "usage error"
	case Configuration:
		return "configuration error"
	case TransientNetwork:
		return "network error"
	case Subprocess:
		return "subprocess failure"
	case Validation:
		return "validation failure"
	default:
		return "error"
	}
}

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Stage    string // pipeline stage or component that failed
	Op       string // what was being attempted
	Expected string
	Actual   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Stage != "" {
		fmt.Fprintf(&b, " [%s]", e.Stage)
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err, or anything it wraps, is a failure of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of the outermost classified failure in err, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Configf builds a Configuration failure.
func Configf(format string, args ...any) error {
	return &Error{Kind: Configuration, Op: fmt.Sprintf(format, args...)}
}

// Usagef builds a Usage failure.
func Usagef(format string, args ...any) error {
	return &Error{Kind: Usage, Op: fmt.Sprintf(format, args...)}
}
