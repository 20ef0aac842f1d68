//go:build linux

package linux

import (
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/zhangyunhao116/taskjail/platform"
)

// saveLandlockFns saves all function variables and restores them on cleanup.
func saveLandlockFns(t *testing.T) {
	t.Helper()
	origCreate := landlockCreateRulesetFn
	origAddRule := landlockAddRuleFn
	origRestrict := landlockRestrictSelfFn
	origOpen := openPathFn
	origClose := closePathFn
	origStat := statPathFn
	t.Cleanup(func() {
		landlockCreateRulesetFn = origCreate
		landlockAddRuleFn = origAddRule
		landlockRestrictSelfFn = origRestrict
		openPathFn = origOpen
		closePathFn = origClose
		statPathFn = origStat
	})
}

// mockAllSuccess simulates a successful Landlock environment and records the
// paths opened for rules, in order.
func mockAllSuccess(t *testing.T, abiVersion uintptr) *[]string {
	t.Helper()
	var opened []string
	landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, unix.Errno) {
		if flags == unix.LANDLOCK_CREATE_RULESET_VERSION {
			return abiVersion, 0, 0
		}
		return 42, 0, 0
	}
	landlockAddRuleFn = func(rulesetFd, ruleType, ruleAttr, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return 0, 0, 0
	}
	landlockRestrictSelfFn = func(rulesetFd, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return 0, 0, 0
	}
	openPathFn = func(path string, flags int, mode uint32) (int, error) {
		opened = append(opened, path)
		return 10, nil
	}
	closePathFn = func(fd int) error { return nil }
	statPathFn = func(path string) (os.FileInfo, error) { return nil, nil }
	return &opened
}

func ruleFor(rules []landlockRule, path string) (landlockRule, bool) {
	for _, r := range rules {
		if r.path == path {
			return r, true
		}
	}
	return landlockRule{}, false
}

// ---------------------------------------------------------------------------
// DetectLandlock tests
// ---------------------------------------------------------------------------

func TestDetectLandlock(t *testing.T) {
	tests := []struct {
		abi      uintptr
		contains string
		excludes string
	}{
		{1, "fs access", "refer"},
		{2, "refer", "truncate"},
		{3, "truncate", ""},
	}
	for _, tt := range tests {
		t.Run(tt.contains, func(t *testing.T) {
			saveLandlockFns(t)
			landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, unix.Errno) {
				return tt.abi, 0, 0
			}
			info := DetectLandlock()
			if !info.Supported || info.ABIVersion != int(tt.abi) {
				t.Fatalf("DetectLandlock() = %+v", info)
			}
			if !strings.Contains(info.Features, tt.contains) {
				t.Fatalf("Features %q should contain %q", info.Features, tt.contains)
			}
			if tt.excludes != "" && strings.Contains(info.Features, tt.excludes) {
				t.Fatalf("Features %q should not contain %q", info.Features, tt.excludes)
			}
		})
	}
}

func TestDetectLandlock_NotSupported(t *testing.T) {
	saveLandlockFns(t)
	landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return 0, 0, unix.ENOSYS
	}
	info := DetectLandlock()
	if info.Supported {
		t.Fatal("expected Supported=false")
	}
	if !strings.Contains(info.Features, "not available") {
		t.Fatalf("Features = %q", info.Features)
	}
}

// ---------------------------------------------------------------------------
// Ruleset tests
// ---------------------------------------------------------------------------

func TestHandledAccess(t *testing.T) {
	if handledAccess(1)&unix.LANDLOCK_ACCESS_FS_REFER != 0 {
		t.Fatal("ABI v1 must not handle refer")
	}
	if handledAccess(2)&unix.LANDLOCK_ACCESS_FS_REFER == 0 {
		t.Fatal("ABI v2 must handle refer")
	}
	if handledAccess(2)&unix.LANDLOCK_ACCESS_FS_TRUNCATE != 0 {
		t.Fatal("ABI v2 must not handle truncate")
	}
	if handledAccess(3)&unix.LANDLOCK_ACCESS_FS_TRUNCATE == 0 {
		t.Fatal("ABI v3 must handle truncate")
	}
	for _, r := range []uint64{unix.LANDLOCK_ACCESS_FS_REMOVE_FILE, unix.LANDLOCK_ACCESS_FS_REMOVE_DIR} {
		if handledAccess(1)&r == 0 {
			t.Fatalf("right %#x must be handled", r)
		}
	}
}

func TestLandlockRules_JailCannotRemove(t *testing.T) {
	cfg := &platform.WrapConfig{JailRoot: "/data", ScratchDir: "/tmp/taskjail-1"}
	for _, abi := range []int{1, 2, 3} {
		rules := landlockRules(cfg, abi)

		jail, ok := ruleFor(rules, "/data")
		if !ok {
			t.Fatalf("abi %d: no jail rule", abi)
		}
		if jail.optional {
			t.Fatalf("abi %d: jail rule must be mandatory", abi)
		}
		for _, r := range []uint64{
			unix.LANDLOCK_ACCESS_FS_REMOVE_FILE,
			unix.LANDLOCK_ACCESS_FS_REMOVE_DIR,
			unix.LANDLOCK_ACCESS_FS_REFER,
			unix.LANDLOCK_ACCESS_FS_MAKE_SYM,
			unix.LANDLOCK_ACCESS_FS_EXECUTE,
		} {
			if jail.access&r != 0 {
				t.Errorf("abi %d: jail access %#x includes %#x", abi, jail.access, r)
			}
		}
		for _, r := range []uint64{
			unix.LANDLOCK_ACCESS_FS_READ_FILE,
			unix.LANDLOCK_ACCESS_FS_WRITE_FILE,
			unix.LANDLOCK_ACCESS_FS_MAKE_REG,
			unix.LANDLOCK_ACCESS_FS_MAKE_DIR,
		} {
			if jail.access&r == 0 {
				t.Errorf("abi %d: jail access %#x missing %#x", abi, jail.access, r)
			}
		}
		if got := jail.access&unix.LANDLOCK_ACCESS_FS_TRUNCATE != 0; got != (abi >= 3) {
			t.Errorf("abi %d: jail truncate = %v", abi, got)
		}

		scratch, ok := ruleFor(rules, "/tmp/taskjail-1")
		if !ok || scratch.optional {
			t.Fatalf("abi %d: scratch rule = %+v, %v", abi, scratch, ok)
		}
		if scratch.access&unix.LANDLOCK_ACCESS_FS_REMOVE_FILE == 0 {
			t.Errorf("abi %d: scratch must allow removal", abi)
		}
		if scratch.access&^handledAccess(abi) != 0 {
			t.Errorf("abi %d: scratch grants unhandled rights %#x", abi, scratch.access&^handledAccess(abi))
		}
	}
}

func TestLandlockRules_ReadableRootsAndDenyRead(t *testing.T) {
	cfg := &platform.WrapConfig{
		JailRoot:      "/data",
		ReadableRoots: []string{"/usr/local/bin", "/home/me/tools"},
		DenyRead:      []string{"/etc", "/home/me/tools"},
	}
	rules := landlockRules(cfg, 3)

	if _, ok := ruleFor(rules, "/etc"); ok {
		t.Error("/etc is in DenyRead and must not be granted")
	}
	if _, ok := ruleFor(rules, "/home/me/tools"); ok {
		t.Error("/home/me/tools is in DenyRead and must not be granted")
	}
	r, ok := ruleFor(rules, "/usr/local/bin")
	if !ok || r.access != readAccess || !r.optional {
		t.Errorf("readable root rule = %+v, %v", r, ok)
	}
	if _, ok := ruleFor(rules, "/usr"); !ok {
		t.Error("system path /usr missing")
	}
	dn, ok := ruleFor(rules, "/dev/null")
	if !ok || dn.access&unix.LANDLOCK_ACCESS_FS_WRITE_FILE == 0 || dn.access&unix.LANDLOCK_ACCESS_FS_TRUNCATE == 0 {
		t.Errorf("/dev/null rule = %+v, %v", dn, ok)
	}
}

// ---------------------------------------------------------------------------
// applyLandlock tests
// ---------------------------------------------------------------------------

func TestApplyLandlock_UnsupportedKernel(t *testing.T) {
	saveLandlockFns(t)
	landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return 0, 0, unix.ENOSYS
	}
	err := applyLandlock(&platform.WrapConfig{JailRoot: "/data"})
	if err == nil || !strings.Contains(err.Error(), "landlock not available") {
		t.Fatalf("applyLandlock() error = %v", err)
	}
}

func TestApplyLandlock_Success(t *testing.T) {
	saveLandlockFns(t)
	opened := mockAllSuccess(t, 3)
	var restricted atomic.Bool
	landlockRestrictSelfFn = func(rulesetFd, flags uintptr) (uintptr, uintptr, unix.Errno) {
		if rulesetFd != 42 {
			t.Errorf("restrict_self fd = %d, want 42", rulesetFd)
		}
		restricted.Store(true)
		return 0, 0, 0
	}

	err := applyLandlock(&platform.WrapConfig{JailRoot: "/data", ScratchDir: "/scratch"})
	if err != nil {
		t.Fatalf("applyLandlock() error = %v", err)
	}
	if !restricted.Load() {
		t.Fatal("landlock_restrict_self was not called")
	}
	got := strings.Join(*opened, ",")
	if !strings.Contains(got, "/data") || !strings.Contains(got, "/scratch") {
		t.Fatalf("opened paths = %v", *opened)
	}
}

func TestApplyLandlock_CreateRulesetError(t *testing.T) {
	saveLandlockFns(t)
	mockAllSuccess(t, 3)
	landlockCreateRulesetFn = func(attr, size, flags uintptr) (uintptr, uintptr, unix.Errno) {
		if flags == unix.LANDLOCK_CREATE_RULESET_VERSION {
			return 3, 0, 0
		}
		return 0, 0, unix.EINVAL
	}
	err := applyLandlock(&platform.WrapConfig{JailRoot: "/data"})
	if !errors.Is(err, unix.EINVAL) {
		t.Fatalf("applyLandlock() error = %v, want EINVAL", err)
	}
}

func TestApplyLandlock_OptionalPathsSkipped(t *testing.T) {
	saveLandlockFns(t)
	opened := mockAllSuccess(t, 3)
	statPathFn = func(path string) (os.FileInfo, error) {
		if path == "/opt" {
			return nil, os.ErrNotExist
		}
		return nil, nil
	}
	openPathFn = func(path string, flags int, mode uint32) (int, error) {
		if path == "/lib64" {
			return -1, unix.ENOENT
		}
		*opened = append(*opened, path)
		return 10, nil
	}

	if err := applyLandlock(&platform.WrapConfig{JailRoot: "/data"}); err != nil {
		t.Fatalf("applyLandlock() error = %v", err)
	}
	for _, p := range *opened {
		if p == "/opt" || p == "/lib64" {
			t.Fatalf("optional path %s should have been skipped", p)
		}
	}
}

func TestApplyLandlock_JailRuleFailureIsFatal(t *testing.T) {
	saveLandlockFns(t)
	mockAllSuccess(t, 3)
	openPathFn = func(path string, flags int, mode uint32) (int, error) {
		if path == "/data" {
			return -1, unix.EACCES
		}
		return 10, nil
	}
	err := applyLandlock(&platform.WrapConfig{JailRoot: "/data"})
	if err == nil || !strings.Contains(err.Error(), `"/data"`) {
		t.Fatalf("applyLandlock() error = %v", err)
	}
}

func TestApplyLandlock_RestrictSelfError(t *testing.T) {
	saveLandlockFns(t)
	mockAllSuccess(t, 3)
	landlockRestrictSelfFn = func(rulesetFd, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return 0, 0, unix.EPERM
	}
	err := applyLandlock(&platform.WrapConfig{JailRoot: "/data"})
	if err == nil || !strings.Contains(err.Error(), "landlock_restrict_self") {
		t.Fatalf("applyLandlock() error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// landlockAddPathRule tests
// ---------------------------------------------------------------------------

func TestLandlockAddPathRule(t *testing.T) {
	saveLandlockFns(t)
	mockAllSuccess(t, 3)
	var closed []int
	closePathFn = func(fd int) error {
		closed = append(closed, fd)
		return nil
	}
	var ruleType uintptr
	landlockAddRuleFn = func(rulesetFd, rt, ruleAttr, flags uintptr) (uintptr, uintptr, unix.Errno) {
		ruleType = rt
		return 0, 0, 0
	}

	if err := landlockAddPathRule(42, "/data", jailAccess); err != nil {
		t.Fatalf("landlockAddPathRule() error = %v", err)
	}
	if ruleType != unix.LANDLOCK_RULE_PATH_BENEATH {
		t.Fatalf("rule type = %d", ruleType)
	}
	if len(closed) != 1 || closed[0] != 10 {
		t.Fatalf("closed fds = %v, want [10]", closed)
	}
}

func TestLandlockAddPathRule_Errors(t *testing.T) {
	saveLandlockFns(t)
	mockAllSuccess(t, 3)

	openPathFn = func(path string, flags int, mode uint32) (int, error) { return -1, unix.ENOENT }
	if err := landlockAddPathRule(42, "/missing", readAccess); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("open failure: %v", err)
	}

	openPathFn = func(path string, flags int, mode uint32) (int, error) { return 10, nil }
	landlockAddRuleFn = func(rulesetFd, rt, ruleAttr, flags uintptr) (uintptr, uintptr, unix.Errno) {
		return 0, 0, unix.EINVAL
	}
	err := landlockAddPathRule(42, "/data", readAccess)
	if !errors.Is(err, unix.EINVAL) || !strings.Contains(err.Error(), "landlock_add_rule") {
		t.Fatalf("add rule failure: %v", err)
	}
}
