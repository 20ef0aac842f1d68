package taskjail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhangyunhao116/taskjail/internal/envutil"
	"github.com/zhangyunhao116/taskjail/internal/pathutil"
	"github.com/zhangyunhao116/taskjail/platform"
)

// goRunnerArg is the first argument that switches the taskjail binary into
// the go artifact interpreter. See MaybeChildInit.
const goRunnerArg = "__taskjail_gorun"

// Function variables for dependency injection in tests.
var (
	// detectPlatformFn is the function used to detect the sandbox platform.
	detectPlatformFn = platform.Detect

	// executableFn resolves the binary that interprets go artifacts.
	executableFn = os.Executable

	// environFn supplies the environment the child's is built from.
	environFn = os.Environ
)

// Executor runs one approved artifact in an isolated child process.
// Implementations must be safe for concurrent use by multiple goroutines.
type Executor interface {
	// Run executes artifact once with the jail root as working directory
	// and returns how it went. Artifact failures (non-zero exit, timeout,
	// failing tool) are reported through the outcome; the error is non-nil
	// only when the artifact could not be run at all or ctx was cancelled.
	Run(ctx context.Context, artifact CandidateArtifact, jailRoot string, timeout time.Duration) (ExecutionOutcome, error)

	// Available reports whether artifacts run inside the platform sandbox.
	Available() bool

	// CheckDependencies inspects the system for sandbox dependencies.
	CheckDependencies() *DependencyCheck

	// Cleanup releases all resources held by the executor. After Cleanup
	// is called, Run returns ErrExecutorClosed.
	Cleanup(ctx context.Context) error

	// UpdateConfig validates cfg and applies it to subsequent runs.
	UpdateConfig(cfg *Config) error
}

// NewExecutor creates an Executor for cfg. The configuration is validated
// and copied.
//
// If the platform sandbox is unavailable, behavior depends on FallbackPolicy:
//   - FallbackStrict (default): returns ErrUnsupportedPlatform.
//   - FallbackWarn: returns an executor that runs artifacts unsandboxed.
func NewExecutor(cfg *Config) (Executor, error) {
	cfgCopy, err := prepareConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := loggerOrNop(cfgCopy.Logger)

	plat := detectPlatformFn()
	if !plat.Available() {
		if cfgCopy.Sandbox.FallbackPolicy != FallbackWarn {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, plat.Name())
		}
		logger.Warn("sandbox platform unavailable, running artifacts without sandboxing",
			zap.String("platform", plat.Name()))
		return &executor{cfg: cfgCopy}, nil
	}

	return &executor{cfg: cfgCopy, platform: plat}, nil
}

// prepareConfig validates cfg and returns a private copy with defaults
// filled in.
func prepareConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfgCopy := deepCopyConfig(cfg)
	if cfgCopy.Sandbox.ResourceLimits == nil {
		cfgCopy.Sandbox.ResourceLimits = DefaultResourceLimits()
	}
	return &cfgCopy, nil
}

// executor is the Executor implementation. A nil platform runs artifacts
// without the platform sandbox.
type executor struct {
	mu       sync.RWMutex
	closed   bool
	cfg      *Config
	platform platform.Platform
}

// snapshotConfig returns a shallow copy of the current config under the
// read lock. UpdateConfig replaces the pointer, never the data behind it.
func (e *executor) snapshotConfig() (Config, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return Config{}, ErrExecutorClosed
	}
	return *e.cfg, nil
}

func (e *executor) Run(ctx context.Context, artifact CandidateArtifact, jailRoot string, timeout time.Duration) (ExecutionOutcome, error) {
	cfg, err := e.snapshotConfig()
	if err != nil {
		return ExecutionOutcome{}, err
	}
	logger := loggerOrNop(cfg.Logger)
	if !artifact.Language.Valid() {
		return ExecutionOutcome{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, artifact.Language)
	}
	jail, err := checkJail(jailRoot)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	if timeout <= 0 {
		timeout = cfg.AttemptTimeout
	}

	scratch, err := newScratchDir(cfg.Sandbox.ScratchRoot, jail)
	if err != nil {
		return ExecutionOutcome{}, err
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logger.Debug("scratch cleanup failed", zap.String("dir", scratch), zap.Error(rmErr))
		}
	}()

	src := filepath.Join(scratch, "artifact"+artifact.Language.extension())
	if err := os.WriteFile(src, []byte(artifact.Source), 0o600); err != nil {
		return ExecutionOutcome{}, fmt.Errorf("write artifact: %w", err)
	}

	argv, err := interpreterArgs(&cfg, artifact.Language, src)
	if err != nil {
		return ExecutionOutcome{}, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(attemptCtx, argv[0], argv[1:]...)
	if cmd.Err != nil {
		return ExecutionOutcome{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, argv[0], cmd.Err)
	}
	cmd.Dir = jail
	cmd.Env = childEnv(jail, scratch)

	sandboxed, err := e.wrap(attemptCtx, cmd, &cfg, logger, jail, scratch)
	if err != nil {
		return ExecutionOutcome{}, err
	}

	res, err := execHelper(cmd, cfg.MaxOutputBytes)
	if err != nil {
		return ExecutionOutcome{}, fmt.Errorf("start artifact: %w", err)
	}

	out := classifyOutcome(res, artifact, sandboxed, errors.Is(attemptCtx.Err(), context.DeadlineExceeded))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	return out, nil
}

// wrap confines cmd with the platform sandbox. It reports whether the
// sandbox was applied; a wrapping failure is fatal under FallbackStrict.
func (e *executor) wrap(ctx context.Context, cmd *exec.Cmd, cfg *Config, logger *zap.Logger, jail, scratch string) (bool, error) {
	if e.platform == nil {
		return false, nil
	}
	roots := append([]string(nil), cfg.Sandbox.ReadableRoots...)
	roots = append(roots, filepath.Dir(cmd.Path))
	wcfg := &platform.WrapConfig{
		JailRoot:              jail,
		ScratchDir:            scratch,
		ReadableRoots:         roots,
		DenyRead:              cfg.Sandbox.DenyRead,
		BlockNetwork:          cfg.Sandbox.BlockNetwork,
		DenyPermissionChanges: cfg.Sandbox.DenyPermissionChanges,
		ResourceLimits:        cfg.Sandbox.ResourceLimits,
	}
	if err := e.platform.WrapCommand(ctx, cmd, wcfg); err != nil {
		if cfg.Sandbox.FallbackPolicy == FallbackWarn {
			logger.Warn("sandbox wrapping failed, running without sandbox", zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("sandbox wrapping failed: %w", err)
	}
	for _, w := range wcfg.Warnings {
		logger.Debug("sandbox warning", zap.String("warning", w))
	}
	return true, nil
}

// checkJail returns the symlink-resolved jail root, which must be an
// existing absolute directory.
func checkJail(jailRoot string) (string, error) {
	if jailRoot == "" || !filepath.IsAbs(jailRoot) || pathutil.ContainsNullByte(jailRoot) {
		return "", fmt.Errorf("%w: jail root %q must be an absolute path", ErrInvalidRequest, jailRoot)
	}
	jail, err := filepath.EvalSymlinks(filepath.Clean(jailRoot))
	if err != nil {
		return "", fmt.Errorf("%w: jail root: %w", ErrInvalidRequest, err)
	}
	info, err := os.Stat(jail)
	if err != nil {
		return "", fmt.Errorf("%w: jail root: %w", ErrInvalidRequest, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: jail root %q is not a directory", ErrInvalidRequest, jailRoot)
	}
	return jail, nil
}

// newScratchDir creates the per-attempt directory holding the artifact
// source, HOME and TMPDIR. It never lies inside the jail.
func newScratchDir(root, jail string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "taskjail-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	if pathutil.IsWithin(jail, resolved) {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("%w: scratch dir %q lies inside the jail", ErrConfigInvalid, resolved)
	}
	return resolved, nil
}

// interpreterArgs returns the argv that runs src.
func interpreterArgs(cfg *Config, lang Language, src string) ([]string, error) {
	switch lang {
	case LanguagePython:
		return []string{cfg.Interpreters.Python, src}, nil
	case LanguageBash:
		return []string{cfg.Interpreters.Shell, src}, nil
	case LanguageGo:
		self, err := executableFn()
		if err != nil {
			return nil, fmt.Errorf("resolve go runner: %w", err)
		}
		return []string{self, goRunnerArg, src}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
}

// childEnv is the parent environment without credentials, with HOME and
// TMPDIR moved to the scratch directory.
func childEnv(jail, scratch string) []string {
	return envutil.Merge(envutil.Scrub(environFn()), []string{
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"PWD=" + jail,
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	})
}

func (e *executor) Available() bool {
	return e.platform != nil && e.platform.Available()
}

func (e *executor) CheckDependencies() *DependencyCheck {
	if e.platform == nil {
		plat := detectPlatformFn()
		check := plat.CheckDependencies()
		check.Warnings = append(check.Warnings, "artifacts run without the platform sandbox")
		return check
	}
	return e.platform.CheckDependencies()
}

func (e *executor) Cleanup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if e.platform == nil {
		return nil
	}
	return e.platform.Cleanup(ctx)
}

// UpdateConfig replaces the configuration used by subsequent runs. Runs in
// flight keep the snapshot they started with. An executor created without
// a sandbox platform stays unsandboxed whatever the new fallback policy.
func (e *executor) UpdateConfig(cfg *Config) error {
	cfgCopy, err := prepareConfig(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrExecutorClosed
	}
	if cfgCopy.Logger == nil {
		cfgCopy.Logger = e.cfg.Logger
	}
	if e.platform == nil && cfgCopy.Sandbox.FallbackPolicy == FallbackStrict {
		loggerOrNop(cfgCopy.Logger).Warn("strict fallback policy ignored: executor was created without a sandbox platform")
		cfgCopy.Sandbox.FallbackPolicy = FallbackWarn
	}
	e.cfg = cfgCopy
	return nil
}
