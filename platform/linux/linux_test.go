//go:build linux

package linux

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhangyunhao116/taskjail/internal/envutil"
	"github.com/zhangyunhao116/taskjail/platform"
)

// TestMain lets the test binary act as the sandbox helper when re-executed
// by WrapCommand.
func TestMain(m *testing.M) {
	if MaybeSandboxInit() {
		return
	}
	os.Exit(m.Run())
}

func saveSysctl(t *testing.T, values map[string]string) {
	t.Helper()
	orig := readSysctlFn
	t.Cleanup(func() { readSysctlFn = orig })
	readSysctlFn = func(path string) (string, error) {
		if v, ok := values[path]; ok {
			return v, nil
		}
		return "", os.ErrNotExist
	}
}

func TestName(t *testing.T) {
	if got := New().Name(); got != "linux-namespace" {
		t.Errorf("Name() = %q, want %q", got, "linux-namespace")
	}
}

func TestRegistered(t *testing.T) {
	if got := platform.Detect().Name(); got != "linux-namespace" {
		t.Errorf("Detect().Name() = %q, want linux-namespace", got)
	}
}

func TestAvailable(t *testing.T) {
	saveSysctl(t, map[string]string{maxUserNamespacesPath: "15000"})
	if !(&Platform{landlockABI: 3}).Available() {
		t.Error("Available() = false with Landlock and user namespaces")
	}
	if (&Platform{landlockABI: 0}).Available() {
		t.Error("Available() = true without Landlock")
	}

	saveSysctl(t, map[string]string{maxUserNamespacesPath: "0"})
	if (&Platform{landlockABI: 3}).Available() {
		t.Error("Available() = true with user namespaces disabled")
	}
}

func TestCheckDependencies(t *testing.T) {
	saveSysctl(t, map[string]string{maxUserNamespacesPath: "0", apparmorRestrictNSPath: "1"})
	check := (&Platform{kernelVersion: KernelVersion{Major: 5, Minor: 4}}).CheckDependencies()
	if check.OK() {
		t.Fatal("CheckDependencies() should fail without Landlock")
	}
	joined := strings.Join(check.Errors, "\n")
	if !strings.Contains(joined, "5.4.0 < 5.13") || !strings.Contains(joined, "user namespaces") {
		t.Fatalf("Errors = %v", check.Errors)
	}
	if len(check.Warnings) != 1 || !strings.Contains(check.Warnings[0], "AppArmor") {
		t.Fatalf("Warnings = %v", check.Warnings)
	}

	saveSysctl(t, map[string]string{maxUserNamespacesPath: "100"})
	check = (&Platform{kernelVersion: KernelVersion{Major: 6, Minor: 8}, landlockABI: 4}).CheckDependencies()
	if !check.OK() {
		t.Fatalf("CheckDependencies() errors = %v", check.Errors)
	}
}

func TestCapabilities(t *testing.T) {
	caps := (&Platform{landlockABI: 3}).Capabilities()
	if !caps.FileReadDeny || !caps.FileWriteAllow || !caps.RemoveDeny {
		t.Errorf("filesystem capabilities missing: %+v", caps)
	}
	if !caps.NetworkDeny || !caps.PIDIsolation || !caps.ProcessHarden {
		t.Errorf("process capabilities missing: %+v", caps)
	}
	if caps := (&Platform{}).Capabilities(); caps.RemoveDeny {
		t.Error("RemoveDeny without Landlock")
	}
}

func TestCleanup(t *testing.T) {
	if err := New().Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}

func TestWrapCommand_RequiresJail(t *testing.T) {
	for _, cfg := range []*platform.WrapConfig{nil, {}} {
		err := New().WrapCommand(context.Background(), exec.Command("true"), cfg)
		if !errors.Is(err, ErrNoJail) {
			t.Fatalf("WrapCommand(%v) error = %v, want ErrNoJail", cfg, err)
		}
	}
}

func TestWrapCommand_LookupError(t *testing.T) {
	cmd := exec.Command("taskjail-definitely-missing-binary")
	err := New().WrapCommand(context.Background(), cmd, &platform.WrapConfig{JailRoot: "/data"})
	if err == nil || !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("WrapCommand() error = %v, want exec.ErrNotFound", err)
	}
}

func TestWrapCommand_Rewrites(t *testing.T) {
	orig := executableFn
	t.Cleanup(func() { executableFn = orig })
	executableFn = func() (string, error) { return "/opt/taskjail/bin/taskjail", nil }

	cmd := exec.Command("/bin/echo", "hello", "world")
	cmd.Env = []string{"PATH=/usr/bin"}
	cfg := &platform.WrapConfig{
		JailRoot:      "/data",
		ReadableRoots: []string{"/definitely/not/here"},
		BlockNetwork:  true,
	}
	if err := New().WrapCommand(context.Background(), cmd, cfg); err != nil {
		t.Fatalf("WrapCommand() error = %v", err)
	}

	if cmd.Path != "/opt/taskjail/bin/taskjail" {
		t.Errorf("Path = %q", cmd.Path)
	}
	want := []string{"/opt/taskjail/bin/taskjail", "/bin/echo", "hello", "world"}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Errorf("Args = %v, want %v", cmd.Args, want)
	}
	encoded, ok := envutil.Get(cmd.Env, reExecEnvKey)
	if !ok {
		t.Fatal("sandbox config missing from environment")
	}
	decoded, err := decodeConfig(encoded)
	if err != nil || decoded.JailRoot != "/data" {
		t.Fatalf("decoded config = %+v, %v", decoded, err)
	}
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Cloneflags&unix.CLONE_NEWNET == 0 {
		t.Error("network namespace not requested")
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "/definitely/not/here") {
		t.Errorf("Warnings = %v", cfg.Warnings)
	}
}

// TestWrapCommand_Integration runs a shell inside the real sandbox: writes
// to the jail succeed, removal and escapes fail.
func TestWrapCommand_Integration(t *testing.T) {
	p := New()
	if !p.Available() {
		t.Skip("sandbox unavailable: ", strings.Join(p.CheckDependencies().Errors, "; "))
	}
	jail := t.TempDir()
	scratch := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(jail, "keep.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	script := `
echo written > out.txt || echo FAIL-write
echo replaced > keep.txt || echo FAIL-truncate
rm -f keep.txt 2>/dev/null && echo FAIL-rm
mv out.txt moved.txt 2>/dev/null && echo FAIL-mv
echo x > "$OUTSIDE/x.txt" 2>/dev/null && echo FAIL-escape
echo tmp > "$HOME/t" && rm "$HOME/t" || echo FAIL-scratch
echo done
`
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Dir = jail
	cmd.Env = []string{"PATH=/usr/bin:/bin", "HOME=" + scratch, "OUTSIDE=" + outside}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := p.WrapCommand(ctx, cmd, &platform.WrapConfig{JailRoot: jail, ScratchDir: scratch, BlockNetwork: true}); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "operation not permitted") || errors.Is(err, unix.EPERM) {
			t.Skipf("user namespaces refused: %v %s", err, stderr.String())
		}
		t.Fatalf("run: %v\nstderr: %s", err, stderr.String())
	}

	out := stdout.String()
	if strings.Contains(out, "FAIL") || !strings.Contains(out, "done") {
		t.Fatalf("stdout:\n%s\nstderr:\n%s", out, stderr.String())
	}
	if b, err := os.ReadFile(filepath.Join(jail, "keep.txt")); err != nil || string(b) != "replaced\n" {
		t.Fatalf("keep.txt = %q, %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(outside, "x.txt")); err == nil {
		t.Fatal("write escaped the jail")
	}
}
