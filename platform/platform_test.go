package platform

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// DependencyCheck tests
// ---------------------------------------------------------------------------

func TestDependencyCheckOK(t *testing.T) {
	tests := []struct {
		name  string
		check DependencyCheck
		want  bool
	}{
		{"empty", DependencyCheck{}, true},
		{"warnings only", DependencyCheck{Warnings: []string{"minor"}}, true},
		{"errors", DependencyCheck{Errors: []string{"missing"}}, false},
		{"errors and warnings", DependencyCheck{Errors: []string{"critical"}, Warnings: []string{"minor"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check.OK(); got != tt.want {
				t.Fatalf("OK() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ResourceLimits tests
// ---------------------------------------------------------------------------

func TestDefaultResourceLimits(t *testing.T) {
	rl := DefaultResourceLimits()
	if rl == nil {
		t.Fatal("DefaultResourceLimits() returned nil")
	}
	if rl.MaxProcesses != 256 {
		t.Fatalf("MaxProcesses: got %d, want 256", rl.MaxProcesses)
	}
	if rl.MaxMemoryBytes != 2*1024*1024*1024 {
		t.Fatalf("MaxMemoryBytes: got %d, want %d", rl.MaxMemoryBytes, int64(2*1024*1024*1024))
	}
	if rl.MaxFileDescriptors != 1024 {
		t.Fatalf("MaxFileDescriptors: got %d, want 1024", rl.MaxFileDescriptors)
	}
	if rl.MaxCPUSeconds != 0 {
		t.Fatalf("MaxCPUSeconds: got %d, want 0 (unlimited)", rl.MaxCPUSeconds)
	}
}

func TestDefaultResourceLimitsReturnsNewInstance(t *testing.T) {
	rl1 := DefaultResourceLimits()
	rl2 := DefaultResourceLimits()
	if rl1 == rl2 {
		t.Fatal("DefaultResourceLimits() should return a new instance each time")
	}
	rl1.MaxProcesses = 1
	if rl2.MaxProcesses == 1 {
		t.Fatal("instances should not share state")
	}
}

// ---------------------------------------------------------------------------
// Detect / Register tests
// ---------------------------------------------------------------------------

type fakePlatform struct{ unsupported }

func (fakePlatform) Name() string { return "fake" }

func saveRegistry(t *testing.T) {
	t.Helper()
	registryMu.RLock()
	orig := detectFn
	registryMu.RUnlock()
	t.Cleanup(func() { Register(orig) })
}

func TestDetectWithoutRegistration(t *testing.T) {
	saveRegistry(t)
	Register(nil)

	p := Detect()
	if p == nil {
		t.Fatal("Detect() returned nil")
	}
	if p.Name() != unsupportedName {
		t.Fatalf("Name() = %q, want %q", p.Name(), unsupportedName)
	}
}

func TestDetectUsesRegisteredPlatform(t *testing.T) {
	saveRegistry(t)
	Register(func() Platform { return fakePlatform{} })

	if got := Detect().Name(); got != "fake" {
		t.Fatalf("Name() = %q, want fake", got)
	}
}

func TestDetectRegisteredNil(t *testing.T) {
	saveRegistry(t)
	Register(func() Platform { return nil })

	if got := Detect().Name(); got != unsupportedName {
		t.Fatalf("Name() = %q, want %q", got, unsupportedName)
	}
}

// ---------------------------------------------------------------------------
// Unsupported platform tests
// ---------------------------------------------------------------------------

func TestUnsupportedPlatform(t *testing.T) {
	p := NewUnsupported("no landlock")
	if p.Available() {
		t.Fatal("Available() should be false")
	}
	check := p.CheckDependencies()
	if check.OK() || check.Errors[0] != "no landlock" {
		t.Fatalf("CheckDependencies() = %+v, want the reason as its error", check)
	}
	if p.Capabilities() != (Capabilities{}) {
		t.Fatal("Capabilities() should be the zero value")
	}
	err := p.WrapCommand(context.Background(), exec.Command("true"), &WrapConfig{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("WrapCommand() error = %v, want ErrUnsupported", err)
	}
	if !strings.Contains(err.Error(), "no landlock") {
		t.Errorf("WrapCommand() error %q does not carry the reason", err)
	}
	if got := NewUnsupported("").CheckDependencies().Errors; len(got) != 1 || got[0] == "" {
		t.Errorf("empty reason not defaulted: %v", got)
	}
	if err := p.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}
