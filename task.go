package taskjail

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// unknownStr is the string representation for unknown enum values.
const unknownStr = "unknown"

// Language is the language a candidate artifact is written in.
type Language string

const (
	// LanguagePython artifacts are run by the configured python interpreter.
	LanguagePython Language = "python"

	// LanguageBash artifacts are run by the configured shell.
	LanguageBash Language = "bash"

	// LanguageGo artifacts are interpreted inside the sandboxed child.
	LanguageGo Language = "go"
)

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	switch l {
	case LanguagePython, LanguageBash, LanguageGo:
		return true
	}
	return false
}

// extension returns the file extension used for the artifact's source file.
func (l Language) extension() string {
	switch l {
	case LanguagePython:
		return ".py"
	case LanguageBash:
		return ".sh"
	case LanguageGo:
		return ".go"
	default:
		return ".txt"
	}
}

// ParseLanguage maps the names an oracle commonly uses for a language onto
// a Language. Matching is case-insensitive.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "python3", "py":
		return LanguagePython, nil
	case "bash", "sh", "shell":
		return LanguageBash, nil
	case "go", "golang":
		return LanguageGo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}

// TaskRequest is one inbound task. It is created once per call and never
// mutated; the orchestrator works on its own copy.
type TaskRequest struct {
	// Description is the natural-language task text.
	Description string

	// JailRoot is the absolute directory outside which the task may not
	// read or write.
	JailRoot string

	// MaxAttempts bounds the number of synthesis rounds.
	MaxAttempts int

	// Timeout bounds each execution attempt.
	Timeout time.Duration
}

// NewTaskRequest builds a validated TaskRequest. The description is trimmed
// and the jail root cleaned.
func NewTaskRequest(description, jailRoot string, maxAttempts int, timeout time.Duration) (TaskRequest, error) {
	req := TaskRequest{
		Description: strings.TrimSpace(description),
		JailRoot:    jailRoot,
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
	}
	if jailRoot != "" {
		req.JailRoot = filepath.Clean(jailRoot)
	}
	if err := req.Validate(); err != nil {
		return TaskRequest{}, err
	}
	return req, nil
}

// Validate checks the request. All problems are reported in one error
// wrapping ErrInvalidRequest.
func (r TaskRequest) Validate() error {
	var errs []string
	if strings.TrimSpace(r.Description) == "" {
		errs = append(errs, "description must not be empty")
	}
	if r.JailRoot == "" {
		errs = append(errs, "jail root must not be empty")
	} else if !filepath.IsAbs(r.JailRoot) {
		errs = append(errs, fmt.Sprintf("jail root %q must be an absolute path", r.JailRoot))
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("max attempts must be at least 1, got %d", r.MaxAttempts))
	}
	if r.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("timeout must be positive, got %s", r.Timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(errs, "; "))
	}
	return nil
}

// CandidateArtifact is the code synthesized for one attempt, together with
// what it declares it will touch. It is immutable once produced.
type CandidateArtifact struct {
	// Language selects the interpreter.
	Language Language

	// Source is the program text.
	Source string

	// Paths lists the filesystem paths the artifact declares or was
	// statically detected to reference.
	Paths []string

	// Tools lists the external executables the artifact declares or was
	// statically detected to invoke.
	Tools []string
}

// Attempt records one synthesis round. Outcome is set only when the verdict
// approved the artifact and it was executed.
type Attempt struct {
	Round    int
	Artifact CandidateArtifact
	Verdict  PolicyVerdict
	Outcome  *ExecutionOutcome
}

// Failure describes why the attempt did not succeed, or "" if it did.
func (a Attempt) Failure() string {
	if !a.Verdict.Approved {
		return "rejected by policy: " + a.Verdict.Violation.String()
	}
	if a.Outcome == nil {
		return "not executed"
	}
	if a.Outcome.Kind == OutcomeSuccess {
		return ""
	}
	return a.Outcome.Reason()
}

// State is a state of the synthesis-guard-execute-repair loop.
type State int

const (
	// StateStart is the state before the first synthesis round.
	StateStart State = iota

	// StateSynthesizing waits on the oracle for a candidate artifact.
	StateSynthesizing

	// StateGuarding evaluates the candidate against the policy.
	StateGuarding

	// StateExecuting runs an approved candidate.
	StateExecuting

	// StateSucceeded is terminal: an artifact ran successfully.
	StateSucceeded

	// StateRejected is terminal: the last candidate was rejected by the
	// policy and the attempt budget is spent.
	StateRejected

	// StateFailed is terminal: the oracle failed, the executor could not
	// run the artifact, the request was cancelled, or the last execution
	// failed with the attempt budget spent.
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSynthesizing:
		return "synthesizing"
	case StateGuarding:
		return "guarding"
	case StateExecuting:
		return "executing"
	case StateSucceeded:
		return "succeeded"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return unknownStr
	}
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateRejected || s == StateFailed
}
