package taskjail

import (
	"errors"
	"strings"
)

// Status is the caller-visible class of a finished task.
type Status string

const (
	// StatusSuccess carries the artifact's output.
	StatusSuccess Status = "success"

	// StatusInvalid means the task could not be turned into an acceptable
	// artifact, or the request itself was malformed. Transports map it to a
	// client error.
	StatusInvalid Status = "invalid"

	// StatusError means the task failed internally. Transports map it to a
	// server error.
	StatusError Status = "error"
)

// Outcome is what the caller of a task sees, independent of transport.
type Outcome struct {
	Status Status `json:"status"`

	// Output is the artifact's trimmed standard output on success.
	Output string `json:"output,omitempty"`

	// Error is the trimmed standard error on success, otherwise the reason
	// the task failed.
	Error string `json:"error,omitempty"`

	// Attempts is the number of synthesis rounds used.
	Attempts int `json:"attempts"`

	TaskID string `json:"task_id,omitempty"`
}

// Report maps a finished run to its Outcome. It is pure.
func Report(r *RunResult) Outcome {
	if r == nil {
		return Outcome{Status: StatusError, Error: "no result"}
	}
	out := Outcome{Attempts: len(r.Attempts), TaskID: r.TaskID}
	last := r.Last()

	switch r.State {
	case StateSucceeded:
		out.Status = StatusSuccess
		if last != nil && last.Outcome != nil {
			out.Output = strings.TrimSpace(last.Outcome.Stdout)
			out.Error = strings.TrimSpace(last.Outcome.Stderr)
		}
	case StateRejected:
		out.Status = StatusInvalid
		if last != nil {
			out.Error = last.Failure()
		}
	default:
		out.Status = StatusError
		if errors.Is(r.Err, ErrInvalidRequest) {
			out.Status = StatusInvalid
		}
		switch {
		case r.Err != nil:
			out.Error = r.Err.Error()
		case last != nil:
			out.Error = failureDetail(last)
		default:
			out.Error = "task did not finish"
		}
	}
	return out
}

// failureDetail is the reason an attempt failed followed by its captured
// diagnostic.
func failureDetail(a *Attempt) string {
	reason := a.Failure()
	if a.Outcome == nil || a.Outcome.Error == "" {
		return reason
	}
	return reason + "\n" + strings.TrimSpace(a.Outcome.Error)
}
