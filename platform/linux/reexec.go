//go:build linux

package linux

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/zhangyunhao116/taskjail/internal/envutil"
	"github.com/zhangyunhao116/taskjail/platform"
)

// reExecEnvKey marks a process started in sandbox-init mode. Its value is
// the base64-encoded JSON reExecConfig.
const reExecEnvKey = "_TASKJAIL_SANDBOX"

// Function variables for dependency injection in tests.
var (
	hardenProcessFn    = hardenProcess
	applyLandlockFn    = applyLandlock
	applyResourceLimFn = applyResourceLimits
	applySeccompFn     = ApplySeccomp
	syscallExecFn      = syscall.Exec
	osExitFn           = os.Exit
)

// reExecConfig is the configuration passed to the re-exec child.
type reExecConfig struct {
	JailRoot              string                   `json:"jail_root"`
	ScratchDir            string                   `json:"scratch_dir,omitempty"`
	ReadableRoots         []string                 `json:"readable_roots,omitempty"`
	DenyRead              []string                 `json:"deny_read,omitempty"`
	DenyPermissionChanges bool                     `json:"deny_permission_changes,omitempty"`
	ResourceLimits        *platform.ResourceLimits `json:"resource_limits,omitempty"`
}

func encodeConfig(cfg *platform.WrapConfig) (string, error) {
	b, err := json.Marshal(reExecConfig{
		JailRoot:              cfg.JailRoot,
		ScratchDir:            cfg.ScratchDir,
		ReadableRoots:         cfg.ReadableRoots,
		DenyRead:              cfg.DenyRead,
		DenyPermissionChanges: cfg.DenyPermissionChanges,
		ResourceLimits:        cfg.ResourceLimits,
	})
	if err != nil {
		return "", fmt.Errorf("linux-namespace: encode config: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeConfig(encoded string) (*reExecConfig, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	var cfg reExecConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.JailRoot == "" {
		return nil, fmt.Errorf("decode config: %w", ErrNoJail)
	}
	return &cfg, nil
}

// withConfig returns env (or the current environment when env is nil) with
// the sandbox config set.
func withConfig(env []string, encoded string) []string {
	if env == nil {
		env = os.Environ()
	}
	return envutil.Set(env, reExecEnvKey, encoded)
}

// MaybeSandboxInit checks if the current process was launched in re-exec
// sandbox-init mode. If so, it applies the sandbox and execs the target
// program; the process never returns to the caller. Otherwise it returns
// false and the caller continues normally.
func MaybeSandboxInit() bool {
	encoded := os.Getenv(reExecEnvKey)
	if encoded == "" {
		return false
	}

	code := sandboxInit(encoded)
	osExitFn(code)
	return true // unreachable, but satisfies the compiler
}

// sandboxInit is the entry point for the re-exec sandbox helper. It returns
// an exit code only when the sandbox could not be set up or exec failed.
func sandboxInit(encoded string) int {
	// Landlock and prctl are per-thread. This process never unlocks: it
	// either execs or exits.
	runtime.LockOSThread()

	cfg, err := decodeConfig(encoded)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskjail: %v\n", err)
		return 1
	}

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "taskjail: no command to exec\n")
		return 1
	}

	if err := hardenProcessFn(); err != nil {
		fmt.Fprintf(os.Stderr, "taskjail: harden: %v\n", err)
		return 1
	}

	wrapCfg := &platform.WrapConfig{
		JailRoot:              cfg.JailRoot,
		ScratchDir:            cfg.ScratchDir,
		ReadableRoots:         cfg.ReadableRoots,
		DenyRead:              cfg.DenyRead,
		DenyPermissionChanges: cfg.DenyPermissionChanges,
		ResourceLimits:        cfg.ResourceLimits,
	}
	if err := applyLandlockFn(wrapCfg); err != nil {
		fmt.Fprintf(os.Stderr, "taskjail: landlock: %v\n", err)
		return 1
	}

	if err := applyResourceLimFn(cfg.ResourceLimits); err != nil {
		fmt.Fprintf(os.Stderr, "taskjail: resource limits: %v\n", err)
		return 1
	}

	if err := applySeccompFn(cfg.DenyPermissionChanges); err != nil {
		fmt.Fprintf(os.Stderr, "taskjail: seccomp: %v\n", err)
		return 1
	}

	env := envutil.Remove(os.Environ(), reExecEnvKey)
	if err := syscallExecFn(args[0], args, env); err != nil {
		fmt.Fprintf(os.Stderr, "taskjail: exec %s: %v\n", args[0], err)
		return 127
	}
	return 0 // unreachable
}
