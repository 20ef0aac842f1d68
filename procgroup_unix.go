//go:build linux || darwin

package taskjail

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// processGroupWaitDelay is the time to wait for a killed artifact's pipes to
// close before giving up on them.
const processGroupWaitDelay = 3 * time.Second

// killFn is swapped in tests.
var killFn = syscall.Kill

// setupProcessGroup configures cmd to run in its own session and sets up a
// Cancel function that kills the whole process group when the context is
// done, so that tools started by the artifact die with it. Existing
// SysProcAttr fields (namespaces set by the platform) are preserved.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Pgid = 0

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// killProcessGroup sends SIGKILL to the process group led by pid.
func killProcessGroup(pid int) error {
	// kill(-1) would hit every process of the user and kill(0) our own group.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := killFn(-pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
