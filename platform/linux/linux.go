//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/zhangyunhao116/taskjail/platform"
)

// ErrNoJail is returned by WrapCommand when the config names no jail root.
var ErrNoJail = errors.New("linux-namespace: jail root is required")

func init() {
	platform.Register(func() platform.Platform { return New() })
}

// readSysctlFn reads a /proc/sys entry, overridden in tests.
var readSysctlFn = func(path string) (string, error) {
	b, err := os.ReadFile(path)
	return strings.TrimSpace(string(b)), err
}

// executableFn resolves the binary re-executed as the sandbox helper.
var executableFn = os.Executable

const (
	maxUserNamespacesPath  = "/proc/sys/user/max_user_namespaces"
	apparmorRestrictNSPath = "/proc/sys/kernel/apparmor_restrict_unprivileged_userns"
)

// Platform implements the platform.Platform interface using Linux namespaces,
// Landlock filesystem restrictions, and seccomp BPF filters.
type Platform struct {
	kernelVersion KernelVersion
	landlockABI   int
}

// New creates a new Platform, detecting kernel version and Landlock
// support at construction time.
func New() *Platform {
	// On uname failure the zero version only drops the kernel release from
	// dependency messages.
	kv, _ := DetectKernelVersion()
	ll := DetectLandlock()
	return &Platform{
		kernelVersion: kv,
		landlockABI:   ll.ABIVersion,
	}
}

// Name returns the platform identifier.
func (l *Platform) Name() string {
	return "linux-namespace"
}

// Available reports whether the jail can be enforced: Landlock must be
// supported and unprivileged user namespaces enabled.
func (l *Platform) Available() bool {
	return l.landlockABI >= 1 && userNamespacesEnabled()
}

func userNamespacesEnabled() bool {
	v, err := readSysctlFn(maxUserNamespacesPath)
	return err != nil || v != "0"
}

// CheckDependencies inspects the system for required and optional sandbox
// dependencies.
func (l *Platform) CheckDependencies() *platform.DependencyCheck {
	check := &platform.DependencyCheck{}

	errs, warnings := missingFeatures(l.kernelVersion, l.landlockABI)
	check.Errors = append(check.Errors, errs...)
	check.Warnings = append(check.Warnings, warnings...)
	if !userNamespacesEnabled() {
		check.Errors = append(check.Errors, maxUserNamespacesPath+" is 0: unprivileged user namespaces are disabled")
	}
	if v, err := readSysctlFn(apparmorRestrictNSPath); err == nil && v == "1" {
		check.Warnings = append(check.Warnings,
			"AppArmor restricts unprivileged user namespaces; sandboxed runs may fail to start")
	}
	if _, err := seccompSyscallsFor(runtime.GOARCH); err != nil {
		check.Errors = append(check.Errors, err.Error())
	}
	return check
}

// Capabilities returns the set of isolation features supported by the Linux
// namespace + Landlock platform.
func (l *Platform) Capabilities() platform.Capabilities {
	_, err := seccompSyscallsFor(runtime.GOARCH)
	return platform.Capabilities{
		FileReadDeny:   l.landlockABI >= 1,
		FileWriteAllow: l.landlockABI >= 1,
		RemoveDeny:     l.landlockABI >= 1,
		NetworkDeny:    true, // via CLONE_NEWNET
		PIDIsolation:   true, // via CLONE_NEWPID
		SyscallFilter:  err == nil,
		ProcessHarden:  true, // via prctl
	}
}

// WrapCommand rewrites cmd to start the current executable as the sandbox
// helper inside fresh namespaces. The helper applies hardening, Landlock,
// rlimits and seccomp from the config carried in its environment, then
// execs the original program. The binary must call MaybeSandboxInit first
// thing in main.
func (l *Platform) WrapCommand(_ context.Context, cmd *exec.Cmd, cfg *platform.WrapConfig) error {
	if cfg == nil || cfg.JailRoot == "" {
		return ErrNoJail
	}
	if cmd.Err != nil {
		return cmd.Err
	}

	self, err := executableFn()
	if err != nil {
		return fmt.Errorf("linux-namespace: resolve executable: %w", err)
	}
	for _, p := range cfg.ReadableRoots {
		if _, err := statPathFn(p); err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("readable root %q skipped: %v", p, err))
		}
	}
	encoded, err := encodeConfig(cfg)
	if err != nil {
		return err
	}

	args := []string{self, cmd.Path}
	if len(cmd.Args) > 1 {
		args = append(args, cmd.Args[1:]...)
	}
	cmd.Path = self
	cmd.Args = args
	cmd.Env = withConfig(cmd.Env, encoded)

	configureNamespaces(cmd, cfg)
	return nil
}

// Cleanup releases platform-specific resources. Namespaces disappear with
// the sandboxed process, so there is nothing to release.
func (l *Platform) Cleanup(_ context.Context) error {
	return nil
}
