package taskjail

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the taskjail package.
var (
	// ErrOracleUnavailable indicates the code oracle could not be reached or
	// returned nothing that could be turned into an artifact.
	ErrOracleUnavailable = errors.New("taskjail: oracle unavailable")

	// ErrPathEscape indicates a path resolves outside the jail root.
	ErrPathEscape = errors.New("taskjail: path escapes jail root")

	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("taskjail: invalid configuration")

	// ErrExecutorClosed indicates the executor has already been closed via Cleanup.
	ErrExecutorClosed = errors.New("taskjail: executor already closed")

	// ErrUnsupportedPlatform indicates the current OS/kernel cannot sandbox artifacts.
	ErrUnsupportedPlatform = errors.New("taskjail: unsupported platform")

	// ErrInvalidRequest indicates a task request is malformed.
	ErrInvalidRequest = errors.New("taskjail: invalid task request")

	// ErrUnsupportedLanguage indicates an artifact is written in a language
	// the executor cannot run.
	ErrUnsupportedLanguage = errors.New("taskjail: unsupported artifact language")
)

// OracleError is returned when the synthesizer cannot obtain an artifact.
// It wraps ErrOracleUnavailable so that errors.Is(err, ErrOracleUnavailable)
// still works, and exposes the underlying cause through errors.As.
type OracleError struct {
	// Backend names the oracle that failed ("openai", "gemini", "script").
	Backend string
	// Err is the underlying failure.
	Err error
}

func (e *OracleError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("%s: %v", ErrOracleUnavailable.Error(), e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrOracleUnavailable.Error(), e.Backend, e.Err)
}

// Is reports ErrOracleUnavailable as a match.
func (e *OracleError) Is(target error) bool {
	return target == ErrOracleUnavailable
}

func (e *OracleError) Unwrap() error {
	return e.Err
}

// PathEscapeError is returned when a path resolves outside the jail root.
// It wraps ErrPathEscape.
type PathEscapeError struct {
	// Path is the path as given by the caller.
	Path string
	// Resolved is the absolute path after normalization and symlink
	// resolution, when it could be computed.
	Resolved string
	// Root is the jail root the path was checked against.
	Root string
}

func (e *PathEscapeError) Error() string {
	if e.Resolved != "" && e.Resolved != e.Path {
		return fmt.Sprintf("%s: %q resolves to %q outside %q", ErrPathEscape.Error(), e.Path, e.Resolved, e.Root)
	}
	return fmt.Sprintf("%s: %q is outside %q", ErrPathEscape.Error(), e.Path, e.Root)
}

func (e *PathEscapeError) Unwrap() error {
	return ErrPathEscape
}
