//go:build linux

package linux

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	seccompRetAllow = 0x7fff0000 // SECCOMP_RET_ALLOW
	seccompRetErrno = 0x00050000 // SECCOMP_RET_ERRNO
	seccompRetKill  = 0x00000000 // SECCOMP_RET_KILL_THREAD

	// Offsets into struct seccomp_data.
	seccompDataNrOffset   = 0
	seccompDataArchOffset = 4
	seccompDataArg0Offset = 16

	// seccomp(2) operation and flag.
	seccompSetModeFilter   = 1
	seccompFilterFlagTsync = 1

	// fchmodat2 shares its number across architectures.
	sysFchmodat2 = 452
)

// Architecture constants for GOARCH strings.
const (
	archAMD64 = "amd64"
	archARM64 = "arm64"
)

// seccompSyscalls holds architecture-specific syscall numbers used by the
// seccomp BPF filter. A zero number means the architecture lacks the call.
type seccompSyscalls struct {
	auditArch uint32
	socket    uint32

	// privileged are always denied.
	privileged []uint32

	// permission change the mode or owner of a file.
	permission []uint32
}

// seccompSyscallsFor returns the syscall numbers for the given GOARCH string.
// Both tables live in one file so that tests cover them on any host.
func seccompSyscallsFor(goarch string) (seccompSyscalls, error) {
	switch goarch {
	case archAMD64:
		return seccompSyscalls{
			auditArch: unix.AUDIT_ARCH_X86_64,
			socket:    41,
			// ptrace, mount, umount2, swapon, swapoff, reboot, mknod, mknodat
			privileged: []uint32{101, 165, 166, 167, 168, 169, 133, 259},
			// chmod, fchmod, chown, fchown, lchown, fchownat, fchmodat, fchmodat2
			permission: []uint32{90, 91, 92, 93, 94, 260, 268, sysFchmodat2},
		}, nil
	case archARM64:
		return seccompSyscalls{
			auditArch: unix.AUDIT_ARCH_AARCH64,
			socket:    198,
			// ptrace, mount, umount2, swapon, swapoff, reboot, mknodat
			privileged: []uint32{117, 40, 39, 224, 225, 142, 33},
			// fchmod, fchmodat, fchownat, fchown, fchmodat2
			permission: []uint32{52, 53, 54, 55, sysFchmodat2},
		}, nil
	default:
		return seccompSyscalls{}, fmt.Errorf("unsupported architecture for seccomp: %s", goarch)
	}
}

// seccompSyscallsFn is a function variable for syscall lookup, allowing
// tests to override it.
var seccompSyscallsFn = func() (seccompSyscalls, error) {
	return seccompSyscallsFor(runtime.GOARCH)
}

// seccompInstallFn installs a filter program on every thread of the process.
// Tests override it to avoid irreversible process changes.
var seccompInstallFn = func(prog *unix.SockFprog) error {
	_, _, errno := unix.Syscall(unix.SYS_SECCOMP,
		seccompSetModeFilter,
		seccompFilterFlagTsync,
		uintptr(unsafe.Pointer(prog)))
	if errno != 0 {
		return errno
	}
	return nil
}

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// buildSeccompFilter constructs the BPF program:
//
//	[0]        load arch
//	[1]        arch mismatch -> KILL
//	[2]        load syscall nr
//	[3]        socket -> socket domain check
//	[4..4+n)   denied syscalls -> EPERM
//	[4+n]      ALLOW
//	[4+n+1]    load args[0]
//	[4+n+2]    AF_UNIX -> EPERM
//	[4+n+3]    ALLOW
//	[4+n+4]    EPERM
//	[4+n+5]    KILL
func buildSeccompFilter(sc seccompSyscalls, denyPermissions bool) []unix.SockFilter {
	var denied []uint32
	for _, nr := range sc.privileged {
		if nr != 0 {
			denied = append(denied, nr)
		}
	}
	if denyPermissions {
		for _, nr := range sc.permission {
			if nr != 0 {
				denied = append(denied, nr)
			}
		}
	}

	n := len(denied)
	socketArgIdx := 4 + n + 1
	epermIdx := 4 + n + 4
	killIdx := 4 + n + 5

	const (
		ldAbs = unix.BPF_LD | unix.BPF_W | unix.BPF_ABS
		jeq   = unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K
		ret   = unix.BPF_RET | unix.BPF_K
	)

	filter := make([]unix.SockFilter, 0, killIdx+1)
	filter = append(filter,
		bpfStmt(ldAbs, seccompDataArchOffset),
		bpfJump(jeq, sc.auditArch, 0, uint8(killIdx-1-1)), //nolint:gosec
		bpfStmt(ldAbs, seccompDataNrOffset),
		bpfJump(jeq, sc.socket, uint8(socketArgIdx-3-1), 0), //nolint:gosec
	)
	for i, nr := range denied {
		filter = append(filter, bpfJump(jeq, nr, uint8(epermIdx-(4+i)-1), 0)) //nolint:gosec
	}
	filter = append(filter,
		bpfStmt(ret, seccompRetAllow),
		bpfStmt(ldAbs, seccompDataArg0Offset),
		bpfJump(jeq, unix.AF_UNIX, 1, 0),
		bpfStmt(ret, seccompRetAllow),
		bpfStmt(ret, seccompRetErrno|uint32(unix.EPERM)),
		bpfStmt(ret, seccompRetKill),
	)
	return filter
}

// ApplySeccomp installs a seccomp BPF filter that denies AF_UNIX socket
// creation and privileged syscalls (ptrace, mount, umount2, reboot, swapon,
// swapoff, mknod, mknodat) with EPERM. With denyPermissions the chmod and
// chown families are denied as well.
func ApplySeccomp(denyPermissions bool) error {
	sc, err := seccompSyscallsFn()
	if err != nil {
		return fmt.Errorf("seccomp: %w", err)
	}

	filter := buildSeccompFilter(sc, denyPermissions)
	prog := unix.SockFprog{
		Len:    uint16(len(filter)), //nolint:gosec // filter length is bounded by seccomp BPF limits
		Filter: &filter[0],
	}
	if err := seccompInstallFn(&prog); err != nil {
		return fmt.Errorf("seccomp: install filter: %w", err)
	}
	runtime.KeepAlive(filter)
	return nil
}
