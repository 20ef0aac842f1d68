//go:build linux

package linux

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zhangyunhao116/taskjail/platform"
)

// Function variables for Landlock syscalls, overridden in tests.
var landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, unix.Errno) {
	return unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, attr, size, flags)
}

var landlockAddRuleFn = func(rulesetFd, ruleType, ruleAttr, flags uintptr) (uintptr, uintptr, unix.Errno) {
	return unix.Syscall6(unix.SYS_LANDLOCK_ADD_RULE, rulesetFd, ruleType, ruleAttr, flags, 0, 0)
}

var landlockRestrictSelfFn = func(rulesetFd, flags uintptr) (uintptr, uintptr, unix.Errno) {
	return unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, rulesetFd, flags, 0)
}

var openPathFn = unix.Open

var closePathFn = unix.Close

var statPathFn = os.Stat

// Access right sets. Rights newer than ABI v1 are added by handledAccess
// and the rule builders according to the running kernel.
const (
	readAccess = unix.LANDLOCK_ACCESS_FS_EXECUTE |
		unix.LANDLOCK_ACCESS_FS_READ_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_DIR

	// jailAccess lets the artifact read, create and overwrite files in the
	// jail. Removal rights are withheld, which also denies rename.
	jailAccess = unix.LANDLOCK_ACCESS_FS_READ_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_DIR |
		unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG

	scratchAccess = readAccess |
		unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG |
		unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM

	deviceAccess = unix.LANDLOCK_ACCESS_FS_READ_FILE |
		unix.LANDLOCK_ACCESS_FS_WRITE_FILE

	handledAccessV1 = readAccess |
		unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
		unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG |
		unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
		unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM
)

// systemReadPaths are readable and executable in every sandbox so that
// interpreters and their libraries load.
var systemReadPaths = []string{"/usr", "/lib", "/lib64", "/etc", "/bin", "/sbin", "/opt", "/proc", "/dev"}

// devicePaths are writable pseudo devices. Shell redirections to /dev/null
// open with O_TRUNC, so they also receive the truncate right.
var devicePaths = []string{"/dev/null", "/dev/zero", "/dev/full"}

// landlockRulesetAttr is the attribute structure for landlock_create_ruleset.
type landlockRulesetAttr struct {
	handledAccessFS uint64
}

// landlockPathBeneathAttr is the attribute structure for LANDLOCK_RULE_PATH_BENEATH.
type landlockPathBeneathAttr struct {
	allowedAccess uint64
	parentFd      int32
	_             [4]byte // padding
}

// LandlockInfo describes Landlock support on the current kernel.
type LandlockInfo struct {
	// Supported indicates whether Landlock is available.
	Supported bool

	// ABIVersion is the Landlock ABI version supported by the kernel.
	ABIVersion int

	// Features is a human-readable description of supported features.
	Features string
}

// DetectLandlock checks Landlock support on the running kernel.
func DetectLandlock() LandlockInfo {
	version, _, errno := landlockCreateRulesetFn(0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION)
	if errno != 0 {
		return LandlockInfo{
			Supported: false,
			Features:  "landlock not available: " + errno.Error(),
		}
	}

	abi := int(version)
	features := fmt.Sprintf("ABI v%d", abi)
	switch {
	case abi >= 3:
		features += " (fs access, refer, truncate)"
	case abi >= 2:
		features += " (fs access, refer)"
	case abi >= 1:
		features += " (fs access)"
	}

	return LandlockInfo{
		Supported:  true,
		ABIVersion: abi,
		Features:   features,
	}
}

// handledAccess returns every filesystem right the ruleset governs for abi.
// Refer stays handled and is never granted, so cross-directory renames are
// denied everywhere.
func handledAccess(abi int) uint64 {
	access := uint64(handledAccessV1)
	if abi >= 2 {
		access |= unix.LANDLOCK_ACCESS_FS_REFER
	}
	if abi >= 3 {
		access |= unix.LANDLOCK_ACCESS_FS_TRUNCATE
	}
	return access
}

// landlockRule grants access beneath path. Optional rules are skipped when
// the path is missing or cannot be opened.
type landlockRule struct {
	path     string
	access   uint64
	optional bool
}

// landlockRules computes the ruleset for cfg: system paths and readable roots
// are read-only, the jail is writable without removal, the scratch directory
// is fully writable. DenyRead entries drop matching read-only rules; Landlock
// cannot carve an exception beneath a granted directory.
func landlockRules(cfg *platform.WrapConfig, abi int) []landlockRule {
	truncate := uint64(0)
	if abi >= 3 {
		truncate = unix.LANDLOCK_ACCESS_FS_TRUNCATE
	}

	denyRead := make(map[string]bool, len(cfg.DenyRead))
	for _, p := range cfg.DenyRead {
		denyRead[p] = true
	}

	var rules []landlockRule
	for _, p := range systemReadPaths {
		if !denyRead[p] {
			rules = append(rules, landlockRule{path: p, access: readAccess, optional: true})
		}
	}
	for _, p := range devicePaths {
		rules = append(rules, landlockRule{path: p, access: deviceAccess | truncate, optional: true})
	}
	for _, p := range cfg.ReadableRoots {
		if !denyRead[p] {
			rules = append(rules, landlockRule{path: p, access: readAccess, optional: true})
		}
	}
	if cfg.JailRoot != "" {
		rules = append(rules, landlockRule{path: cfg.JailRoot, access: jailAccess | truncate})
	}
	if cfg.ScratchDir != "" {
		rules = append(rules, landlockRule{path: cfg.ScratchDir, access: scratchAccess | truncate})
	}
	return rules
}

// applyLandlock restricts the current process to the ruleset computed from
// cfg. Failing to grant the jail or scratch directory is fatal.
func applyLandlock(cfg *platform.WrapConfig) error {
	info := DetectLandlock()
	if !info.Supported {
		return fmt.Errorf("landlock not available: filesystem restrictions cannot be enforced (requires kernel >= 5.13)")
	}

	attr := landlockRulesetAttr{handledAccessFS: handledAccess(info.ABIVersion)}
	rulesetFd, _, errno := landlockCreateRulesetFn(
		uintptr(unsafe.Pointer(&attr)),
		unsafe.Sizeof(attr),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("landlock_create_ruleset: %w", errno)
	}
	defer func() { _ = closePathFn(int(rulesetFd)) }()

	for _, r := range landlockRules(cfg, info.ABIVersion) {
		if r.optional {
			if _, err := statPathFn(r.path); err != nil {
				continue
			}
		}
		if err := landlockAddPathRule(int(rulesetFd), r.path, r.access); err != nil {
			if r.optional {
				continue
			}
			return fmt.Errorf("landlock rule for %q: %w", r.path, err)
		}
	}

	if _, _, errno = landlockRestrictSelfFn(rulesetFd, 0); errno != 0 {
		return fmt.Errorf("landlock_restrict_self: %w", errno)
	}
	return nil
}

// landlockAddPathRule adds a path-beneath rule to the given Landlock ruleset.
func landlockAddPathRule(rulesetFd int, path string, allowedAccess uint64) error {
	fd, err := openPathFn(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer func() { _ = closePathFn(fd) }()

	pathAttr := landlockPathBeneathAttr{
		allowedAccess: allowedAccess,
		parentFd:      int32(fd), //nolint:gosec // fd is a small file descriptor, no overflow risk
	}

	_, _, errno := landlockAddRuleFn(
		uintptr(rulesetFd),
		unix.LANDLOCK_RULE_PATH_BENEATH,
		uintptr(unsafe.Pointer(&pathAttr)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("landlock_add_rule: %w", errno)
	}
	return nil
}
