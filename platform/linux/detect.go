//go:build linux

package linux

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// KernelVersion is the major.minor.patch triple of a kernel release.
type KernelVersion struct {
	Major, Minor, Patch int
}

// unameFn is swapped in tests.
var unameFn = unix.Uname

// DetectKernelVersion returns the version of the running kernel.
func DetectKernelVersion() (KernelVersion, error) {
	var u unix.Utsname
	if err := unameFn(&u); err != nil {
		return KernelVersion{}, fmt.Errorf("uname: %w", err)
	}
	return ParseKernelVersion(unix.ByteSliceToString(u.Release[:]))
}

// ParseKernelVersion parses a release string such as "6.1.52-1-lts" or
// "5.15.0+". Distribution suffixes are ignored and a missing patch level
// reads as zero.
func ParseKernelVersion(release string) (KernelVersion, error) {
	core := release
	if i := strings.IndexAny(core, "-+ _"); i >= 0 {
		core = core[:i]
	}
	fields := strings.Split(core, ".")
	if len(fields) < 2 || len(fields) > 3 {
		return KernelVersion{}, fmt.Errorf("invalid kernel release %q", release)
	}
	nums := make([]int, 3)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return KernelVersion{}, fmt.Errorf("invalid kernel release %q: field %d is %q", release, i+1, f)
		}
		nums[i] = n
	}
	return KernelVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// AtLeast reports whether v is major.minor or newer.
func (v KernelVersion) AtLeast(major, minor int) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// jailFeature is a kernel facility the jail relies on.
type jailFeature struct {
	name         string
	major, minor int
	landlockABI  int
	required     bool
	consequence  string
}

// jailFeatures lists what the jail needs from the kernel, oldest first.
var jailFeatures = []jailFeature{
	{
		name: "landlock", major: 5, minor: 13, landlockABI: 1, required: true,
		consequence: "the jail cannot be enforced",
	},
	{
		name: "landlock refer", major: 5, minor: 19, landlockABI: 2,
		consequence: "links and renames across directories inside the jail are denied",
	},
	{
		name: "landlock truncate", major: 6, minor: 2, landlockABI: 3,
		consequence: "truncating jail files is blocked by the guard only",
	},
}

// missingFeatures checks jailFeatures against the kernel version and the
// probed Landlock ABI. Missing required features become errors, the rest
// warnings.
func missingFeatures(kv KernelVersion, abi int) (errs, warnings []string) {
	for _, f := range jailFeatures {
		if abi >= f.landlockABI {
			continue
		}
		msg := fmt.Sprintf("%s unavailable (Landlock ABI v%d): %s", f.name, abi, f.consequence)
		if kv != (KernelVersion{}) && !kv.AtLeast(f.major, f.minor) {
			msg = fmt.Sprintf("kernel %s < %d.%d: %s unavailable, %s", kv, f.major, f.minor, f.name, f.consequence)
		}
		if f.required {
			errs = append(errs, msg)
			// Nothing newer matters without the base feature.
			return errs, warnings
		}
		warnings = append(warnings, msg)
	}
	return errs, warnings
}
