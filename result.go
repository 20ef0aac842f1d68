package taskjail

import (
	"fmt"
	"strings"
	"time"
)

// OutcomeKind classifies the result of running an approved artifact.
type OutcomeKind int

const (
	// OutcomeRuntimeFailure indicates the artifact raised an error or exited
	// non-zero. It is the zero value, so an unset outcome never reads as a
	// success.
	OutcomeRuntimeFailure OutcomeKind = iota

	// OutcomeSuccess indicates the artifact exited with status 0.
	OutcomeSuccess

	// OutcomeTimeout indicates the attempt timeout expired and the process
	// group was killed.
	OutcomeTimeout

	// OutcomeToolFailure indicates an external tool invoked by the artifact
	// was missing or exited with an error.
	OutcomeToolFailure
)

// String returns the string representation of an OutcomeKind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRuntimeFailure:
		return "runtime_failure"
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeToolFailure:
		return "tool_failure"
	default:
		return unknownStr
	}
}

// ExecutionOutcome is the result of running one approved artifact.
type ExecutionOutcome struct {
	// Kind classifies the run.
	Kind OutcomeKind

	// Tool names the failing external tool when Kind is OutcomeToolFailure.
	Tool string

	// ExitCode is the process exit code, or -1 if it was killed.
	ExitCode int

	// Stdout is the captured standard output, the result payload on success.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// Error is the diagnostic handed to the repair round: the tail of
	// stderr (with the stack trace, if any) and sandbox denials.
	Error string

	// Duration is the wall-clock run time.
	Duration time.Duration

	// Sandboxed reports whether the platform sandbox was applied.
	Sandboxed bool

	// Truncated reports whether stdout or stderr hit the output limit.
	Truncated bool
}

// Reason is a one-line description of a failed outcome.
func (o ExecutionOutcome) Reason() string {
	switch o.Kind {
	case OutcomeSuccess:
		return ""
	case OutcomeTimeout:
		return fmt.Sprintf("timed out after %s", o.Duration.Round(time.Millisecond))
	case OutcomeToolFailure:
		return fmt.Sprintf("tool %q failed (exit code %d): %s", o.Tool, o.ExitCode, lastLine(o.Error))
	default:
		return fmt.Sprintf("exit code %d: %s", o.ExitCode, lastLine(o.Error))
	}
}

// execResult is the raw result of one process run, before classification.
type execResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Truncated bool
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
