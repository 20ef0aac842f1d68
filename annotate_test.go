package taskjail

import (
	"strings"
	"testing"
)

// TestAnnotateStderrEmpty verifies that no violations leaves stderr unchanged.
func TestAnnotateStderrEmpty(t *testing.T) {
	stderr := "some error output"
	result := annotateStderrWithViolations(stderr, nil)
	if result != stderr {
		t.Errorf("expected unchanged stderr %q, got %q", stderr, result)
	}

	result = annotateStderrWithViolations(stderr, []string{})
	if result != stderr {
		t.Errorf("expected unchanged stderr %q, got %q", stderr, result)
	}
}

// TestAnnotateStderrWithViolationsFormat verifies violations are appended in correct format.
func TestAnnotateStderrWithViolationsFormat(t *testing.T) {
	stderr := "command failed"
	violations := []string{"rm: cannot remove '/data/x': Permission denied"}
	result := annotateStderrWithViolations(stderr, violations)

	if !strings.HasPrefix(result, stderr) {
		t.Errorf("result should start with original stderr")
	}
	if !strings.Contains(result, "<sandbox_violations>") {
		t.Error("result should contain <sandbox_violations> tag")
	}
	if !strings.Contains(result, "</sandbox_violations>") {
		t.Error("result should contain </sandbox_violations> tag")
	}
	if !strings.Contains(result, "rm: cannot remove '/data/x': Permission denied") {
		t.Error("result should contain the violation message")
	}
}

// TestAnnotateStderrEmptyStderr verifies that empty stderr + violations produces just the violations block.
func TestAnnotateStderrEmptyStderr(t *testing.T) {
	violations := []string{"file write denied: /etc/passwd"}
	result := annotateStderrWithViolations("", violations)

	if !strings.Contains(result, "<sandbox_violations>") {
		t.Error("result should contain <sandbox_violations> tag")
	}
	if !strings.Contains(result, "file write denied: /etc/passwd") {
		t.Error("result should contain the violation message")
	}
	if !strings.Contains(result, "</sandbox_violations>") {
		t.Error("result should contain closing tag")
	}
}

// TestAnnotateStderrMultipleViolations verifies that multiple violations are all present.
func TestAnnotateStderrMultipleViolations(t *testing.T) {
	stderr := "error"
	violations := []string{
		"open('/data/db'): Read-only file system",
		"file write denied: /etc/shadow",
		"process fork blocked",
	}
	result := annotateStderrWithViolations(stderr, violations)

	for _, v := range violations {
		if !strings.Contains(result, v) {
			t.Errorf("result should contain violation %q", v)
		}
	}

	// Verify the format: each violation on its own line within the tags.
	expected := "\n<sandbox_violations>\n" +
		"open('/data/db'): Read-only file system\n" +
		"file write denied: /etc/shadow\n" +
		"process fork blocked\n" +
		"</sandbox_violations>"
	if !strings.HasSuffix(result, expected) {
		t.Errorf("result should end with violations block.\ngot:  %q\nwant suffix: %q", result, expected)
	}
}

func TestSandboxDenials(t *testing.T) {
	stderr := strings.Join([]string{
		"Traceback (most recent call last):",
		"  File \"/tmp/x/artifact.py\", line 3, in <module>",
		"PermissionError: [Errno 13] Permission denied: '/data/a.txt'",
		"mv: cannot move 'a' to 'b': Operation not permitted",
		"",
		"ordinary failure",
	}, "\n")
	got := sandboxDenials(stderr)
	if len(got) != 2 {
		t.Fatalf("sandboxDenials() = %q, want 2 lines", got)
	}
	if !strings.HasPrefix(got[0], "PermissionError") || !strings.HasPrefix(got[1], "mv:") {
		t.Errorf("sandboxDenials() = %q", got)
	}
}

func TestSandboxDenialsBounded(t *testing.T) {
	stderr := strings.Repeat("Permission denied\n", 3*maxDenials)
	if got := sandboxDenials(stderr); len(got) != maxDenials {
		t.Errorf("len(sandboxDenials()) = %d, want %d", len(got), maxDenials)
	}
	if got := sandboxDenials("all good\n"); got != nil {
		t.Errorf("sandboxDenials() = %q, want nil", got)
	}
}
