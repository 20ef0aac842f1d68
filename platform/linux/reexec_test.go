//go:build linux

package linux

import (
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/zhangyunhao116/taskjail/internal/envutil"
	"github.com/zhangyunhao116/taskjail/platform"
)

func saveSandboxFnVars(t *testing.T) {
	t.Helper()
	origHarden := hardenProcessFn
	origLandlock := applyLandlockFn
	origLimits := applyResourceLimFn
	origSeccomp := applySeccompFn
	origExec := syscallExecFn
	origExit := osExitFn
	origArgs := os.Args
	t.Cleanup(func() {
		hardenProcessFn = origHarden
		applyLandlockFn = origLandlock
		applyResourceLimFn = origLimits
		applySeccompFn = origSeccomp
		syscallExecFn = origExec
		osExitFn = origExit
		os.Args = origArgs
	})
}

// sandboxSteps records which setup steps ran, in order.
type sandboxSteps struct {
	order       []string
	landlockCfg *platform.WrapConfig
	denyPerms   bool
	execArgv    []string
	execEnv     []string
}

func stubAllSandboxFns(t *testing.T) *sandboxSteps {
	t.Helper()
	saveSandboxFnVars(t)
	s := &sandboxSteps{}
	hardenProcessFn = func() error {
		s.order = append(s.order, "harden")
		return nil
	}
	applyLandlockFn = func(cfg *platform.WrapConfig) error {
		s.order = append(s.order, "landlock")
		s.landlockCfg = cfg
		return nil
	}
	applyResourceLimFn = func(*platform.ResourceLimits) error {
		s.order = append(s.order, "rlimit")
		return nil
	}
	applySeccompFn = func(deny bool) error {
		s.order = append(s.order, "seccomp")
		s.denyPerms = deny
		return nil
	}
	syscallExecFn = func(argv0 string, argv []string, envv []string) error {
		s.order = append(s.order, "exec")
		s.execArgv = argv
		s.execEnv = envv
		return nil
	}
	return s
}

func mustEncode(t *testing.T, cfg *platform.WrapConfig) string {
	t.Helper()
	encoded, err := encodeConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return encoded
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := &platform.WrapConfig{
		JailRoot:              "/data",
		ScratchDir:            "/tmp/taskjail-1",
		ReadableRoots:         []string{"/usr/local/bin"},
		DenyRead:              []string{"/etc"},
		DenyPermissionChanges: true,
		ResourceLimits:        &platform.ResourceLimits{MaxProcesses: 8},
		Warnings:              []string{"not carried"},
	}
	got, err := decodeConfig(mustEncode(t, cfg))
	if err != nil {
		t.Fatalf("decodeConfig() error = %v", err)
	}
	want := &reExecConfig{
		JailRoot:              "/data",
		ScratchDir:            "/tmp/taskjail-1",
		ReadableRoots:         []string{"/usr/local/bin"},
		DenyRead:              []string{"/etc"},
		DenyPermissionChanges: true,
		ResourceLimits:        &platform.ResourceLimits{MaxProcesses: 8},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("decodeConfig() = %+v, want %+v", got, want)
	}
}

func TestDecodeConfig_Errors(t *testing.T) {
	tests := map[string]string{
		"not base64": "!!!",
		"not json":   "bm90IGpzb24=", // "not json"
		"no jail":    "e30=",         // "{}"
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeConfig(in); err == nil {
				t.Fatal("decodeConfig() expected error")
			}
		})
	}
}

func TestMaybeSandboxInit_NoEnvVar(t *testing.T) {
	t.Setenv(reExecEnvKey, "")
	if MaybeSandboxInit() {
		t.Error("MaybeSandboxInit() returned true without env var set")
	}
}

func TestMaybeSandboxInit_WithEnvVar(t *testing.T) {
	steps := stubAllSandboxFns(t)
	var exitCode = -1
	osExitFn = func(code int) { exitCode = code }

	t.Setenv(reExecEnvKey, mustEncode(t, &platform.WrapConfig{JailRoot: "/data"}))
	os.Args = []string{"taskjail", "/usr/bin/python3", "artifact.py"}

	if !MaybeSandboxInit() {
		t.Fatal("MaybeSandboxInit() returned false")
	}
	if exitCode != 0 {
		t.Fatalf("exit code = %d, want 0", exitCode)
	}
	if !reflect.DeepEqual(steps.execArgv, []string{"/usr/bin/python3", "artifact.py"}) {
		t.Fatalf("exec argv = %v", steps.execArgv)
	}
	if _, ok := envutil.Get(steps.execEnv, reExecEnvKey); ok {
		t.Fatal("sandbox config leaked into the exec'd environment")
	}
}

func TestSandboxInit_Order(t *testing.T) {
	steps := stubAllSandboxFns(t)
	os.Args = []string{"taskjail", "/bin/true"}

	code := sandboxInit(mustEncode(t, &platform.WrapConfig{
		JailRoot:              "/data",
		ScratchDir:            "/scratch",
		DenyPermissionChanges: true,
	}))
	if code != 0 {
		t.Fatalf("sandboxInit() = %d, want 0", code)
	}
	want := []string{"harden", "landlock", "rlimit", "seccomp", "exec"}
	if !reflect.DeepEqual(steps.order, want) {
		t.Fatalf("order = %v, want %v", steps.order, want)
	}
	if steps.landlockCfg.JailRoot != "/data" || steps.landlockCfg.ScratchDir != "/scratch" {
		t.Fatalf("landlock config = %+v", steps.landlockCfg)
	}
	if !steps.denyPerms {
		t.Fatal("DenyPermissionChanges not passed to seccomp")
	}
}

func TestSandboxInit_Failures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		args     []string
		encoded  string
		override func()
		want     int
		stopped  string // last step that ran
	}{
		{name: "bad config", args: []string{"taskjail", "/bin/true"}, encoded: "!!!", want: 1},
		{name: "no args", args: []string{"taskjail"}, want: 1},
		{name: "harden", args: []string{"taskjail", "/bin/true"}, override: func() { hardenProcessFn = func() error { return boom } }, want: 1},
		{name: "landlock", args: []string{"taskjail", "/bin/true"}, override: func() {
			applyLandlockFn = func(*platform.WrapConfig) error { return boom }
		}, want: 1, stopped: "harden"},
		{name: "rlimit", args: []string{"taskjail", "/bin/true"}, override: func() {
			applyResourceLimFn = func(*platform.ResourceLimits) error { return boom }
		}, want: 1, stopped: "landlock"},
		{name: "seccomp", args: []string{"taskjail", "/bin/true"}, override: func() {
			applySeccompFn = func(bool) error { return boom }
		}, want: 1, stopped: "rlimit"},
		{name: "exec", args: []string{"taskjail", "/missing"}, override: func() {
			syscallExecFn = func(string, []string, []string) error { return boom }
		}, want: 127, stopped: "seccomp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps := stubAllSandboxFns(t)
			if tt.override != nil {
				tt.override()
			}
			os.Args = tt.args
			encoded := tt.encoded
			if encoded == "" {
				encoded = mustEncode(t, &platform.WrapConfig{JailRoot: "/data"})
			}

			if code := sandboxInit(encoded); code != tt.want {
				t.Fatalf("sandboxInit() = %d, want %d", code, tt.want)
			}
			last := ""
			if len(steps.order) > 0 {
				last = steps.order[len(steps.order)-1]
			}
			if last != tt.stopped {
				t.Fatalf("steps = %v, want last %q", steps.order, tt.stopped)
			}
		})
	}
}
