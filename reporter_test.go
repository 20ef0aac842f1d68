package taskjail

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approved(out ExecutionOutcome) Attempt {
	return Attempt{Verdict: PolicyVerdict{Approved: true}, Outcome: &out}
}

func TestReport(t *testing.T) {
	rejected := Attempt{Verdict: PolicyVerdict{Violation: Violation{
		Kind: ViolationPathEscape, Rule: "containment", Path: "/etc/passwd",
	}}}

	tests := []struct {
		name   string
		res    *RunResult
		status Status
		output string
		errSub string
	}{
		{"nil", nil, StatusError, "", "no result"},
		{"succeeded", &RunResult{State: StateSucceeded, Attempts: []Attempt{
			approved(ExecutionOutcome{Kind: OutcomeSuccess, Stdout: " 3\n", Stderr: "warning\n"}),
		}}, StatusSuccess, "3", "warning"},
		{"rejected", &RunResult{State: StateRejected, Attempts: []Attempt{rejected}},
			StatusInvalid, "", "/etc/passwd"},
		{"failed after repair", &RunResult{State: StateFailed, Attempts: []Attempt{
			approved(ExecutionOutcome{Kind: OutcomeRuntimeFailure, ExitCode: 1, Error: "first"}),
			approved(ExecutionOutcome{Kind: OutcomeRuntimeFailure, ExitCode: 1, Error: "Traceback\nValueError: second"}),
		}}, StatusError, "", "ValueError: second"},
		{"oracle down", &RunResult{State: StateFailed, Err: &OracleError{Backend: "openai", Err: fmt.Errorf("status 503")}},
			StatusError, "", "oracle unavailable"},
		{"invalid request", &RunResult{State: StateFailed, Err: fmt.Errorf("%w: description must not be empty", ErrInvalidRequest)},
			StatusInvalid, "", "description"},
		{"no attempts", &RunResult{State: StateFailed}, StatusError, "", "task did not finish"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Report(tt.res)
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.output, out.Output)
			assert.Contains(t, out.Error, tt.errSub)
			if tt.res != nil {
				assert.Equal(t, len(tt.res.Attempts), out.Attempts)
			}
		})
	}
}

func TestReportCarriesTaskID(t *testing.T) {
	res := &RunResult{
		TaskID: "3f0c",
		State:  StateSucceeded,
		Attempts: []Attempt{
			approved(ExecutionOutcome{Kind: OutcomeRuntimeFailure, ExitCode: 1, Error: "boom"}),
			approved(ExecutionOutcome{Kind: OutcomeSuccess, Stdout: "sorted\n"}),
		},
	}
	want := Outcome{Status: StatusSuccess, Output: "sorted", Attempts: 2, TaskID: "3f0c"}
	if diff := cmp.Diff(want, Report(res)); diff != "" {
		t.Errorf("Report() mismatch (-want +got):\n%s", diff)
	}
}

func TestOutcomeJSON(t *testing.T) {
	data, err := json.Marshal(Outcome{Status: StatusSuccess, Output: "3", Attempts: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","output":"3","attempts":1}`, string(data))
}
