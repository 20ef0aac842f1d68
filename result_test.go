package taskjail

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecutionOutcomeZeroValue(t *testing.T) {
	var o ExecutionOutcome
	if o.Kind == OutcomeSuccess {
		t.Error("zero ExecutionOutcome must not read as a success")
	}
}

func TestOutcomeKindString(t *testing.T) {
	tests := []struct {
		k    OutcomeKind
		want string
	}{
		{OutcomeSuccess, "success"},
		{OutcomeRuntimeFailure, "runtime_failure"},
		{OutcomeTimeout, "timeout"},
		{OutcomeToolFailure, "tool_failure"},
		{OutcomeKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("OutcomeKind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestExecutionOutcomeReason(t *testing.T) {
	tests := []struct {
		name string
		o    ExecutionOutcome
		want string
	}{
		{"success", ExecutionOutcome{Kind: OutcomeSuccess}, ""},
		{"timeout", ExecutionOutcome{Kind: OutcomeTimeout, Duration: 1500 * time.Millisecond}, "timed out after 1.5s"},
		{"tool", ExecutionOutcome{Kind: OutcomeToolFailure, Tool: "prettier", ExitCode: 127, Error: "x\nprettier: not found\n"},
			`tool "prettier" failed (exit code 127): prettier: not found`},
		{"runtime", ExecutionOutcome{Kind: OutcomeRuntimeFailure, ExitCode: 1, Error: "Traceback\n  ...\nKeyError: 'date'"},
			"exit code 1: KeyError: 'date'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.o.Reason(); got != tt.want {
				t.Errorf("Reason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAttemptFailure(t *testing.T) {
	rejected := Attempt{Verdict: PolicyVerdict{Violation: Violation{Kind: ViolationDestructiveOperation, Operation: "os.remove", Path: "a.txt"}}}
	if got := rejected.Failure(); !strings.HasPrefix(got, "rejected by policy: ") || !strings.Contains(got, "os.remove") {
		t.Errorf("rejected Failure() = %q", got)
	}

	notRun := Attempt{Verdict: PolicyVerdict{Approved: true}}
	if got := notRun.Failure(); got != "not executed" {
		t.Errorf("not run Failure() = %q", got)
	}

	ok := Attempt{Verdict: PolicyVerdict{Approved: true}, Outcome: &ExecutionOutcome{Kind: OutcomeSuccess}}
	if got := ok.Failure(); got != "" {
		t.Errorf("success Failure() = %q", got)
	}

	failed := Attempt{Verdict: PolicyVerdict{Approved: true}, Outcome: &ExecutionOutcome{Kind: OutcomeRuntimeFailure, ExitCode: 2, Error: "boom"}}
	if got := failed.Failure(); got != "exit code 2: boom" {
		t.Errorf("failed Failure() = %q", got)
	}
}

func TestStateStringAndTerminal(t *testing.T) {
	tests := []struct {
		s        State
		name     string
		terminal bool
	}{
		{StateStart, "start", false},
		{StateSynthesizing, "synthesizing", false},
		{StateGuarding, "guarding", false},
		{StateExecuting, "executing", false},
		{StateSucceeded, "succeeded", true},
		{StateRejected, "rejected", true},
		{StateFailed, "failed", true},
		{State(42), "unknown", false},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.name {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.name)
		}
		if got := tt.s.Terminal(); got != tt.terminal {
			t.Errorf("State(%d).Terminal() = %v, want %v", tt.s, got, tt.terminal)
		}
	}
}

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want Language
	}{
		{"python", LanguagePython},
		{"Python3", LanguagePython},
		{"py", LanguagePython},
		{"bash", LanguageBash},
		{"sh", LanguageBash},
		{" shell ", LanguageBash},
		{"go", LanguageGo},
		{"golang", LanguageGo},
	}
	for _, tt := range tests {
		got, err := ParseLanguage(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLanguage(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLanguage("ruby"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("ParseLanguage(ruby) error = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestNewTaskRequest(t *testing.T) {
	req, err := NewTaskRequest("  count lines  ", "/data/", 2, time.Minute)
	if err != nil {
		t.Fatalf("NewTaskRequest: %v", err)
	}
	if req.Description != "count lines" {
		t.Errorf("Description = %q", req.Description)
	}
	if req.JailRoot != "/data" {
		t.Errorf("JailRoot = %q", req.JailRoot)
	}

	tests := []struct {
		name        string
		desc, jail  string
		maxAttempts int
		timeout     time.Duration
		wantSub     string
	}{
		{"empty description", "   ", "/data", 2, time.Minute, "description"},
		{"relative jail", "x", "data", 2, time.Minute, "absolute"},
		{"empty jail", "x", "", 2, time.Minute, "jail root must not be empty"},
		{"zero attempts", "x", "/data", 0, time.Minute, "max attempts"},
		{"zero timeout", "x", "/data", 1, 0, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTaskRequest(tt.desc, tt.jail, tt.maxAttempts, tt.timeout)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("error = %v, want ErrInvalidRequest", err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}
