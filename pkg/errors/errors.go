// Package errors provides custom error types for the scan orchestration
// engine. Every failure class the workflow must distinguish has a Kind,
// so the engine boundary can decide recoverability without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Type
// =============================================================================

// Error is the base error type for all engine errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "policy.For")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota

	// KindPolicy - a valid container security policy could not be
	// computed. Fatal to the single runner invocation only.
	KindPolicy

	// KindLaunch - the container engine rejected the launch. Fatal to
	// the single runner invocation only.
	KindLaunch

	// KindTimeout - a wall-clock deadline was exceeded. Forces container
	// cleanup, non-fatal to the scan.
	KindTimeout

	// KindTool - a tool exited non-zero with unusable output.
	// Non-fatal to the scan.
	KindTool

	// KindParse - a normalizer could not interpret tool output.
	// Non-fatal: yields zero findings for that runner.
	KindParse

	// KindAcquisition - the project source could not be obtained.
	// Fatal to the scan.
	KindAcquisition

	// KindInvalidInput - invalid configuration or arguments.
	KindInvalidInput

	// KindInternal - unexpected internal failure.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindPolicy:
		return "policy"
	case KindLaunch:
		return "launch_failure"
	case KindTimeout:
		return "timeout"
	case KindTool:
		return "tool_error"
	case KindParse:
		return "parse_error"
	case KindAcquisition:
		return "acquisition"
	case KindInvalidInput:
		return "invalid_input"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with operation context.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsPolicyError checks if the error is a security-policy computation error.
func IsPolicyError(err error) bool {
	return GetKind(err) == KindPolicy
}

// IsLaunchFailure checks if the error is a container launch failure.
func IsLaunchFailure(err error) bool {
	return GetKind(err) == KindLaunch
}

// IsTimeout checks if the error is a deadline error.
func IsTimeout(err error) bool {
	return GetKind(err) == KindTimeout
}

// IsToolError checks if the error is a tool execution error.
func IsToolError(err error) bool {
	return GetKind(err) == KindTool
}

// IsParseError checks if the error is an output parse error.
func IsParseError(err error) bool {
	return GetKind(err) == KindParse
}

// IsAcquisitionError checks if the error is a source acquisition error.
func IsAcquisitionError(err error) bool {
	return GetKind(err) == KindAcquisition
}

// FatalToScan reports whether the error must escalate the whole scan to
// failed. Only source acquisition failures qualify; every per-runner
// error is recorded against that runner's outcome instead.
func FatalToScan(err error) bool {
	return GetKind(err) == KindAcquisition
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrNoApplicableRunner is returned when no runner can be selected
	// for a project.
	ErrNoApplicableRunner = &Error{Kind: KindAcquisition, Message: "no applicable runner for project"}

	// ErrSourceUnavailable is returned when a project's source directory
	// cannot be read.
	ErrSourceUnavailable = &Error{Kind: KindAcquisition, Message: "project source is not readable"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}
)
