package platform

import (
	"context"
	"os/exec"
	"runtime"
	"sync"
)

// Platform defines the interface for OS-specific sandbox implementations.
// A platform confines one artifact run to its jail: the child may read the
// system and the jail, write inside the jail without removing anything, and
// use a per-run scratch directory freely.
type Platform interface {
	// Name returns a human-readable identifier for this platform
	// (e.g., "linux-namespace").
	Name() string

	// Available reports whether this platform's sandbox mechanism is
	// functional on the current system.
	Available() bool

	// CheckDependencies inspects the system for required and optional
	// dependencies needed by this platform.
	CheckDependencies() *DependencyCheck

	// WrapCommand modifies an *exec.Cmd in-place to execute within the
	// platform's sandbox, applying the restrictions described by cfg.
	WrapCommand(ctx context.Context, cmd *exec.Cmd, cfg *WrapConfig) error

	// Cleanup releases all platform-specific resources.
	Cleanup(ctx context.Context) error

	// Capabilities returns the set of isolation features this platform supports.
	Capabilities() Capabilities
}

// DependencyCheck holds the result of a dependency check.
type DependencyCheck struct {
	// Errors lists critical missing dependencies that prevent sandboxing.
	Errors []string

	// Warnings lists non-critical issues that may degrade functionality.
	Warnings []string
}

// OK returns true if no critical dependency errors were found.
func (d *DependencyCheck) OK() bool {
	return len(d.Errors) == 0
}

// Capabilities describes what isolation features a platform supports.
type Capabilities struct {
	// FileReadDeny indicates the platform can hide paths outside the
	// readable set.
	FileReadDeny bool

	// FileWriteAllow indicates the platform can restrict writes to the jail
	// and the scratch directory.
	FileWriteAllow bool

	// RemoveDeny indicates the platform can withhold unlink, rmdir and
	// rename inside the jail while still allowing writes.
	RemoveDeny bool

	// NetworkDeny indicates the platform can block all network access.
	NetworkDeny bool

	// PIDIsolation indicates the platform can isolate process IDs.
	PIDIsolation bool

	// SyscallFilter indicates the platform can filter system calls (e.g., seccomp).
	SyscallFilter bool

	// ProcessHarden indicates the platform can apply process hardening measures.
	ProcessHarden bool
}

// WrapConfig is the configuration passed to Platform.WrapCommand.
// It describes the confinement of a single artifact run.
type WrapConfig struct {
	// JailRoot is the directory the artifact works in. It is readable and
	// writable, but files and directories under it cannot be removed or
	// renamed.
	JailRoot string

	// ScratchDir holds the artifact source and serves as HOME and TMPDIR.
	// It is fully writable.
	ScratchDir string

	// ReadableRoots lists additional read-only, executable directories
	// (interpreter installs, the taskjail binary itself).
	ReadableRoots []string

	// DenyRead lists paths the sandboxed process must not read from even
	// when they sit under a readable root.
	DenyRead []string

	// BlockNetwork isolates the child in an empty network namespace.
	BlockNetwork bool

	// DenyPermissionChanges filters the chmod and chown family of syscalls.
	DenyPermissionChanges bool

	// ResourceLimits specifies resource constraints for the sandboxed process.
	ResourceLimits *ResourceLimits

	// Warnings collects non-fatal issues detected during config building.
	// For example, a readable root that does not exist on disk.
	Warnings []string
}

// ResourceLimits specifies resource constraints for sandboxed processes.
type ResourceLimits struct {
	// MaxProcesses is the maximum number of processes the sandbox may spawn.
	MaxProcesses int `yaml:"max_processes" json:"max_processes"`

	// MaxMemoryBytes is the maximum memory in bytes the sandbox may use.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`

	// MaxFileDescriptors is the maximum number of open file descriptors.
	MaxFileDescriptors int `yaml:"max_file_descriptors" json:"max_file_descriptors"`

	// MaxCPUSeconds is the maximum CPU time in seconds.
	MaxCPUSeconds int `yaml:"max_cpu_seconds" json:"max_cpu_seconds"`
}

// DefaultResourceLimits returns the default resource limits for sandboxed processes.
func DefaultResourceLimits() *ResourceLimits {
	return &ResourceLimits{
		MaxProcesses:       256,
		MaxMemoryBytes:     2 * 1024 * 1024 * 1024, // 2 GB
		MaxFileDescriptors: 1024,
		MaxCPUSeconds:      0, // unlimited; the attempt timeout bounds wall time
	}
}

var (
	registryMu sync.RWMutex
	detectFn   func() Platform
)

// Register installs the constructor Detect uses for the current OS.
// OS-specific packages call it from init.
func Register(fn func() Platform) {
	registryMu.Lock()
	defer registryMu.Unlock()
	detectFn = fn
}

// Detect returns the registered Platform for the current OS, or an
// unsupported stub when no platform package was linked in.
func Detect() Platform {
	registryMu.RLock()
	fn := detectFn
	registryMu.RUnlock()
	if fn == nil {
		return NewUnsupported("no sandbox platform for " + runtime.GOOS)
	}
	if p := fn(); p != nil {
		return p
	}
	return NewUnsupported("sandbox platform detection failed")
}
