//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func saveHardenFns(t *testing.T) {
	t.Helper()
	origPrctl := prctlFunc
	origSetrlimit := setrlimitFunc
	t.Cleanup(func() {
		prctlFunc = origPrctl
		setrlimitFunc = origSetrlimit
	})
}

// TestHardenProcess runs hardenProcess() in a subprocess and verifies it succeeds.
func TestHardenProcess(t *testing.T) {
	if os.Getenv("TEST_SUBPROCESS") == "1" {
		if err := hardenProcess(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^TestHardenProcess$", "-test.v")
	cmd.Env = append(os.Environ(), "TEST_SUBPROCESS=1")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("subprocess failed: %v\noutput: %s", err, output)
	}
}

func TestHardenProcess_Errors(t *testing.T) {
	tests := []struct {
		name      string
		failPrctl int // 1-based prctl call to fail, 0 for none
		failLimit bool
		want      string
	}{
		{"no new privs", 1, false, "prctl(PR_SET_NO_NEW_PRIVS)"},
		{"dumpable", 2, false, "prctl(PR_SET_DUMPABLE)"},
		{"core limit", 0, true, "setrlimit(RLIMIT_CORE)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saveHardenFns(t)
			calls := 0
			prctlFunc = func(option int, arg2, arg3, arg4, arg5 uintptr) error {
				calls++
				if calls == tt.failPrctl {
					return unix.EPERM
				}
				return nil
			}
			setrlimitFunc = func(resource int, rlim *unix.Rlimit) error {
				if tt.failLimit {
					return unix.EPERM
				}
				return nil
			}

			err := hardenProcess()
			if err == nil {
				t.Fatal("hardenProcess() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %s, got: %v", tt.want, err)
			}
			if !errors.Is(err, unix.EPERM) {
				t.Errorf("error should wrap EPERM, got: %v", err)
			}
		})
	}
}

func TestHardenProcess_Calls(t *testing.T) {
	saveHardenFns(t)
	var options []int
	prctlFunc = func(option int, arg2, arg3, arg4, arg5 uintptr) error {
		options = append(options, option)
		return nil
	}
	var resource int
	var limit unix.Rlimit
	setrlimitFunc = func(r int, rlim *unix.Rlimit) error {
		resource = r
		limit = *rlim
		return nil
	}

	if err := hardenProcess(); err != nil {
		t.Fatalf("hardenProcess() error = %v", err)
	}
	if len(options) != 2 || options[0] != unix.PR_SET_NO_NEW_PRIVS || options[1] != unix.PR_SET_DUMPABLE {
		t.Fatalf("prctl options = %v", options)
	}
	if resource != unix.RLIMIT_CORE || limit.Cur != 0 || limit.Max != 0 {
		t.Fatalf("setrlimit(%d, %+v), want RLIMIT_CORE 0/0", resource, limit)
	}
}
