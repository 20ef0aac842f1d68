package taskjail

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
	"github.com/zhangyunhao116/taskjail/platform"
)

const (
	// DefaultJailRoot is the data directory tasks operate on.
	DefaultJailRoot = "/data"

	// DefaultMaxAttempts is the synthesis budget per task: one attempt and
	// one repair round.
	DefaultMaxAttempts = 2

	// DefaultAttemptTimeout bounds one artifact execution.
	DefaultAttemptTimeout = 60 * time.Second

	// DefaultOracleTimeout bounds one oracle round trip.
	DefaultOracleTimeout = 20 * time.Second

	// defaultMaxOutputBytes limits captured stdout/stderr per stream.
	defaultMaxOutputBytes = 10 << 20
)

// FallbackPolicy determines behavior when the sandbox platform is unavailable.
type FallbackPolicy int

const (
	// FallbackStrict refuses to execute artifacts if sandboxing is unavailable.
	FallbackStrict FallbackPolicy = iota

	// FallbackWarn executes artifacts without the platform sandbox but logs
	// a warning. The Guard still vets every artifact.
	FallbackWarn
)

// String returns the string representation of a FallbackPolicy.
func (f FallbackPolicy) String() string {
	switch f {
	case FallbackStrict:
		return "strict"
	case FallbackWarn:
		return "warn"
	default:
		return unknownStr
	}
}

// ParseFallbackPolicy parses "strict" or "warn".
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return FallbackStrict, nil
	case "warn":
		return FallbackWarn, nil
	}
	return FallbackStrict, fmt.Errorf("%w: unknown fallback policy %q", ErrConfigInvalid, s)
}

// ResourceLimits specifies resource constraints for sandboxed processes.
// It is an alias for platform.ResourceLimits.
type ResourceLimits = platform.ResourceLimits

// DependencyCheck holds the result of a dependency check.
// It is an alias for platform.DependencyCheck.
type DependencyCheck = platform.DependencyCheck

// DefaultResourceLimits returns sensible default resource limits.
func DefaultResourceLimits() *ResourceLimits {
	return platform.DefaultResourceLimits()
}

// SandboxConfig defines how the executor isolates an artifact.
type SandboxConfig struct {
	// FallbackPolicy determines behavior when sandboxing is unavailable.
	FallbackPolicy FallbackPolicy

	// ReadableRoots lists extra directories the artifact may read and
	// execute from, such as a virtualenv or a node installation.
	ReadableRoots []string

	// DenyRead lists system directories to withhold from the artifact.
	DenyRead []string

	// BlockNetwork places the artifact in an empty network namespace.
	BlockNetwork bool

	// DenyPermissionChanges blocks chmod/chown family syscalls at run time.
	DenyPermissionChanges bool

	// ResourceLimits defines resource constraints for the artifact.
	// If nil, DefaultResourceLimits() is used.
	ResourceLimits *ResourceLimits

	// ScratchRoot is the directory per-attempt scratch directories are
	// created in. It must lie outside the jail. Empty means os.TempDir().
	ScratchRoot string
}

// Interpreters names the programs that run python and bash artifacts. Bare
// names are looked up in PATH.
type Interpreters struct {
	Python string
	Shell  string
}

// Config holds the complete configuration of an Orchestrator and its
// Executor. It is passed explicitly at construction and never read from
// global state.
type Config struct {
	// JailRoot is the directory tasks may read and write.
	JailRoot string

	// MaxAttempts bounds synthesis rounds per task.
	MaxAttempts int

	// AttemptTimeout bounds one artifact execution.
	AttemptTimeout time.Duration

	// OracleTimeout bounds one oracle call.
	OracleTimeout time.Duration

	// AllowedTools is the external executable allow-list. Nil or empty
	// disables the check.
	AllowedTools []string

	// Sandbox defines process isolation.
	Sandbox SandboxConfig

	// Interpreters names the python and shell programs.
	Interpreters Interpreters

	// MaxOutputBytes limits the size of captured stdout/stderr.
	// 0 means no limit.
	MaxOutputBytes int

	// Logger receives one structured line per state transition and
	// sandbox fallback warnings. If nil, zap.NewNop() is used.
	Logger *zap.Logger
}

// DefaultAllowedTools returns the executables generated code commonly needs
// for data tasks: text utilities, formatters, SQL engines, OCR, media and
// version control.
func DefaultAllowedTools() []string {
	return []string{
		// text and files
		"cat", "head", "tail", "wc", "sort", "uniq", "cut", "tr", "paste",
		"grep", "egrep", "fgrep", "sed", "awk", "gawk", "jq", "diff", "comm",
		"ls", "find", "mkdir", "cp", "touch", "tee", "xargs", "date", "basename",
		"dirname", "realpath", "stat", "file", "md5sum", "sha256sum", "base64",
		"gzip", "gunzip", "zcat", "tar", "unzip", "seq", "expr", "env",
		// interpreters and package runners
		"python", "python3", "uv", "uvx", "pip", "node", "npx", "npm",
		// formatters, engines and converters
		"prettier", "sqlite3", "duckdb", "tesseract", "convert", "magick",
		"ffmpeg", "ffprobe", "pandoc", "curl", "wget", "git",
	}
}

// DefaultConfig returns a Config with the defaults used by the service.
func DefaultConfig() *Config {
	return &Config{
		JailRoot:       DefaultJailRoot,
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		OracleTimeout:  DefaultOracleTimeout,
		AllowedTools:   DefaultAllowedTools(),
		Sandbox: SandboxConfig{
			FallbackPolicy: FallbackStrict,
			ResourceLimits: DefaultResourceLimits(),
		},
		Interpreters: Interpreters{
			Python: "python3",
			Shell:  "bash",
		},
		MaxOutputBytes: defaultMaxOutputBytes,
	}
}

// DevelopmentConfig returns a Config suitable for local development: it
// falls back to unsandboxed execution when the platform sandbox is missing.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sandbox.FallbackPolicy = FallbackWarn
	return cfg
}

// Validate checks the configuration for errors and returns a descriptive error
// if any field is invalid. The returned error wraps ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	if c.JailRoot == "" {
		errs = append(errs, "JailRoot: must not be empty")
	} else if pathutil.ContainsNullByte(c.JailRoot) {
		errs = append(errs, "JailRoot: must not contain null bytes")
	} else if !filepath.IsAbs(c.JailRoot) {
		errs = append(errs, fmt.Sprintf("JailRoot: %q must be an absolute path", c.JailRoot))
	} else if filepath.Clean(c.JailRoot) == string(filepath.Separator) {
		errs = append(errs, "JailRoot: must not be the filesystem root")
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, "MaxAttempts: must be >= 1")
	}
	if c.AttemptTimeout <= 0 {
		errs = append(errs, "AttemptTimeout: must be > 0")
	}
	if c.OracleTimeout <= 0 {
		errs = append(errs, "OracleTimeout: must be > 0")
	}
	if c.MaxOutputBytes < 0 {
		errs = append(errs, "MaxOutputBytes: must be >= 0")
	}

	errs = c.validateTools(errs)
	errs = c.validateSandbox(errs)

	if c.Interpreters.Python == "" {
		errs = append(errs, "Interpreters.Python: must not be empty")
	}
	if c.Interpreters.Shell == "" {
		errs = append(errs, "Interpreters.Shell: must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// validateTools checks the allow-list entries are bare program names.
func (c *Config) validateTools(errs []string) []string {
	for i, tool := range c.AllowedTools {
		switch {
		case strings.TrimSpace(tool) == "":
			errs = append(errs, fmt.Sprintf("AllowedTools[%d]: must not be empty", i))
		case strings.ContainsRune(tool, '/'):
			errs = append(errs, fmt.Sprintf("AllowedTools[%d]: %q must be a program name, not a path", i, tool))
		}
	}
	return errs
}

// validateSandbox checks sandbox fields and appends any validation errors
// to errs.
func (c *Config) validateSandbox(errs []string) []string {
	s := &c.Sandbox
	if s.FallbackPolicy < FallbackStrict || s.FallbackPolicy > FallbackWarn {
		errs = append(errs, "Sandbox.FallbackPolicy: invalid value")
	}

	for i, root := range s.ReadableRoots {
		switch {
		case root == "":
			errs = append(errs, fmt.Sprintf("Sandbox.ReadableRoots[%d]: must not be empty", i))
		case pathutil.ContainsNullByte(root):
			errs = append(errs, fmt.Sprintf("Sandbox.ReadableRoots[%d]: must not contain null bytes", i))
		case !filepath.IsAbs(root):
			errs = append(errs, fmt.Sprintf("Sandbox.ReadableRoots[%d]: %q must be an absolute path", i, root))
		}
	}
	for i, p := range s.DenyRead {
		if p == "" {
			errs = append(errs, fmt.Sprintf("Sandbox.DenyRead[%d]: must not be empty", i))
			continue
		}
		if pathutil.ContainsNullByte(p) {
			errs = append(errs, fmt.Sprintf("Sandbox.DenyRead[%d]: must not contain null bytes", i))
		}
	}

	if s.ScratchRoot != "" {
		if !filepath.IsAbs(s.ScratchRoot) {
			errs = append(errs, fmt.Sprintf("Sandbox.ScratchRoot: %q must be an absolute path", s.ScratchRoot))
		} else if c.JailRoot != "" && pathutil.IsWithin(c.JailRoot, s.ScratchRoot) {
			errs = append(errs, fmt.Sprintf("Sandbox.ScratchRoot: %q must lie outside the jail", s.ScratchRoot))
		}
	}

	if rl := s.ResourceLimits; rl != nil {
		if rl.MaxProcesses < 0 {
			errs = append(errs, "Sandbox.ResourceLimits.MaxProcesses: must be >= 0")
		}
		if rl.MaxMemoryBytes < 0 {
			errs = append(errs, "Sandbox.ResourceLimits.MaxMemoryBytes: must be >= 0")
		}
		if rl.MaxFileDescriptors < 0 {
			errs = append(errs, "Sandbox.ResourceLimits.MaxFileDescriptors: must be >= 0")
		}
		if rl.MaxCPUSeconds < 0 {
			errs = append(errs, "Sandbox.ResourceLimits.MaxCPUSeconds: must be >= 0")
		}
	}
	return errs
}

// deepCopyConfig returns a copy of cfg with all slice and pointer fields
// deep-copied to prevent aliasing. Logger is shared by reference.
func deepCopyConfig(cfg *Config) Config {
	cfgCopy := *cfg
	cfgCopy.AllowedTools = append([]string(nil), cfg.AllowedTools...)
	cfgCopy.Sandbox.ReadableRoots = append([]string(nil), cfg.Sandbox.ReadableRoots...)
	cfgCopy.Sandbox.DenyRead = append([]string(nil), cfg.Sandbox.DenyRead...)
	if cfg.Sandbox.ResourceLimits != nil {
		rl := *cfg.Sandbox.ResourceLimits
		cfgCopy.Sandbox.ResourceLimits = &rl
	}
	return cfgCopy
}

// loggerOrNop returns l, or a no-op logger when l is nil.
func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
