//go:build linux

package linux

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/zhangyunhao116/taskjail/platform"
)

// configureNamespaces sets up Linux namespace isolation on the command.
// User, mount, PID, IPC and UTS namespaces are always created; a network
// namespace is added when the network is blocked.
func configureNamespaces(cmd *exec.Cmd, cfg *platform.WrapConfig) {
	flags := unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS
	if cfg.BlockNetwork {
		flags |= unix.CLONE_NEWNET
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = uintptr(flags)
	// The helper must not outlive the executor that started it.
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL

	// Map the current user to root inside the user namespace.
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getuid(), Size: 1},
	}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getgid(), Size: 1},
	}
}

// rlimitEntry pairs a resource type with its limit value.
type rlimitEntry struct {
	resource int
	name     string
	rlimit   unix.Rlimit
}

// applyResourceLimits sets resource limits on the current process. It runs
// in the re-exec child so that the executor itself is never limited.
func applyResourceLimits(limits *platform.ResourceLimits) error {
	if limits == nil {
		return nil
	}

	var entries []rlimitEntry
	add := func(resource int, name string, v uint64) {
		entries = append(entries, rlimitEntry{resource: resource, name: name, rlimit: unix.Rlimit{Cur: v, Max: v}})
	}
	if limits.MaxProcesses > 0 {
		add(unix.RLIMIT_NPROC, "RLIMIT_NPROC", uint64(limits.MaxProcesses))
	}
	if limits.MaxFileDescriptors > 0 {
		add(unix.RLIMIT_NOFILE, "RLIMIT_NOFILE", uint64(limits.MaxFileDescriptors))
	}
	if limits.MaxMemoryBytes > 0 {
		add(unix.RLIMIT_AS, "RLIMIT_AS", uint64(limits.MaxMemoryBytes))
	}
	if limits.MaxCPUSeconds > 0 {
		add(unix.RLIMIT_CPU, "RLIMIT_CPU", uint64(limits.MaxCPUSeconds))
	}

	for _, e := range entries {
		if err := setrlimitFunc(e.resource, &e.rlimit); err != nil {
			return fmt.Errorf("setrlimit(%s): %w", e.name, err)
		}
	}
	return nil
}
