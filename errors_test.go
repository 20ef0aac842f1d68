package taskjail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

var allSentinels = []error{
	ErrOracleUnavailable,
	ErrPathEscape,
	ErrConfigInvalid,
	ErrExecutorClosed,
	ErrUnsupportedPlatform,
	ErrInvalidRequest,
	ErrUnsupportedLanguage,
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrOracleUnavailable, "taskjail: oracle unavailable"},
		{ErrPathEscape, "taskjail: path escapes jail root"},
		{ErrConfigInvalid, "taskjail: invalid configuration"},
		{ErrExecutorClosed, "taskjail: executor already closed"},
		{ErrUnsupportedPlatform, "taskjail: unsupported platform"},
		{ErrInvalidRequest, "taskjail: invalid task request"},
		{ErrUnsupportedLanguage, "taskjail: unsupported artifact language"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIdentity(t *testing.T) {
	for i, a := range allSentinels {
		for j, b := range allSentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("errors.Is(%v, %v) should be false", a, b)
			}
		}
	}
}

func TestOracleError(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("round 2: %w", &OracleError{Backend: "openai", Err: cause})

	if !errors.Is(err, ErrOracleUnavailable) {
		t.Error("expected errors.Is to match ErrOracleUnavailable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected errors.Is to match the cause")
	}
	var oe *OracleError
	if !errors.As(err, &oe) {
		t.Fatal("expected errors.As to find *OracleError")
	}
	if oe.Backend != "openai" {
		t.Errorf("Backend = %q", oe.Backend)
	}
	want := "taskjail: oracle unavailable: openai: context deadline exceeded"
	if got := oe.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	anon := &OracleError{Err: errors.New("no reply")}
	if got := anon.Error(); got != "taskjail: oracle unavailable: no reply" {
		t.Errorf("Error() without backend = %q", got)
	}
	if errors.Is(anon, ErrPathEscape) {
		t.Error("OracleError should not match ErrPathEscape")
	}
}

func TestPathEscapeError(t *testing.T) {
	err := &PathEscapeError{Path: "link/x", Resolved: "/etc/x", Root: "/data"}
	if !errors.Is(err, ErrPathEscape) {
		t.Error("expected errors.Is to match ErrPathEscape")
	}
	if got := err.Error(); !strings.Contains(got, `"link/x" resolves to "/etc/x" outside "/data"`) {
		t.Errorf("Error() = %q", got)
	}

	plain := &PathEscapeError{Path: "/etc/passwd", Root: "/data"}
	if got := plain.Error(); !strings.Contains(got, `"/etc/passwd" is outside "/data"`) {
		t.Errorf("Error() = %q", got)
	}
}
