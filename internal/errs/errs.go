// ABOUTME: Error taxonomy shared by the session core packages.
// ABOUTME: Distinguishes caller mistakes, protocol failures, and terminal session death.

package errs

import "fmt"

// ValidationError reports bad caller input or a violated precondition.
// It is always raised before any mutating network effect for the operation.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Validation builds a ValidationError for the given operation.
func Validation(op, format string, args ...any) error {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a missing response, or a non-zero result code, on an
// operation that requires a successful round trip. Fatal for the call, not
// for the session.
type ProtocolError struct {
	Op     string
	Result uint32
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: remote returned result %d", e.Op, e.Result)
}

// Protocol builds a ProtocolError with a free-form reason.
func Protocol(op, format string, args ...any) error {
	return &ProtocolError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// RemoteResult builds a ProtocolError for a non-zero remote result code.
func RemoteResult(op string, result uint32) error {
	return &ProtocolError{Op: op, Result: result}
}

// IOError reports a local artifact that could not be read.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// PlatformError reports an operation attempted against an OS family or
// architecture the core has no support for.
type PlatformError struct {
	Op     string
	Target string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s: unsupported platform %q", e.Op, e.Target)
}

// FatalSessionError marks the session itself as permanently unusable, as
// opposed to a ProtocolError which only fails the current call. Raised when
// migration's encryption renegotiation misses its deadline.
type FatalSessionError struct {
	Reason string
}

func (e *FatalSessionError) Error() string {
	return fmt.Sprintf("session dead: %s", e.Reason)
}
