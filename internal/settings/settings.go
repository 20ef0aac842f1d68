// Package settings loads the service configuration from a YAML file and
// environment overrides, and watches the file for changes.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/zhangyunhao116/taskjail"
	"github.com/zhangyunhao116/taskjail/oracle"
)

// Environment variables that override the file.
const (
	EnvJailRoot     = "TASKJAIL_JAIL_ROOT"
	EnvMaxAttempts  = "TASKJAIL_MAX_ATTEMPTS"
	EnvAllowedTools = "TASKJAIL_ALLOWED_TOOLS"
	EnvFallback     = "TASKJAIL_FALLBACK"
	EnvAddr         = "TASKJAIL_ADDR"
	EnvBackend      = "TASKJAIL_ORACLE_BACKEND"
	EnvEndpoint     = "OPENAI_API_CHAT"
)

// Settings is the on-disk configuration.
type Settings struct {
	JailRoot       string        `yaml:"jail_root"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	OracleTimeout  time.Duration `yaml:"oracle_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`

	// AllowedTools replaces the default allow-list when present. An empty
	// list disables the allow-list.
	AllowedTools []string `yaml:"allowed_tools"`

	Sandbox      Sandbox       `yaml:"sandbox"`
	Interpreters Interpreters  `yaml:"interpreters"`
	Oracle       oracle.Config `yaml:"oracle"`
	Server       Server        `yaml:"server"`
}

// Sandbox mirrors taskjail.SandboxConfig.
type Sandbox struct {
	Fallback              string                   `yaml:"fallback"`
	ReadableRoots         []string                 `yaml:"readable_roots"`
	DenyRead              []string                 `yaml:"deny_read"`
	BlockNetwork          bool                     `yaml:"block_network"`
	DenyPermissionChanges bool                     `yaml:"deny_permission_changes"`
	ScratchRoot           string                   `yaml:"scratch_root"`
	ResourceLimits        *taskjail.ResourceLimits `yaml:"resource_limits"`
}

// Interpreters mirrors taskjail.Interpreters.
type Interpreters struct {
	Python string `yaml:"python"`
	Shell  string `yaml:"shell"`
}

// Server configures the HTTP transport.
type Server struct {
	Addr string `yaml:"addr"`

	// MaxConcurrent bounds tasks running at once; more wait.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// MaxConnections bounds open client connections.
	MaxConnections int `yaml:"max_connections"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in settings.
func Default() *Settings {
	cfg := taskjail.DefaultConfig()
	return &Settings{
		JailRoot:       cfg.JailRoot,
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
		OracleTimeout:  cfg.OracleTimeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
		AllowedTools:   cfg.AllowedTools,
		Sandbox: Sandbox{
			Fallback:       cfg.Sandbox.FallbackPolicy.String(),
			ResourceLimits: cfg.Sandbox.ResourceLimits,
		},
		Interpreters: Interpreters{
			Python: cfg.Interpreters.Python,
			Shell:  cfg.Interpreters.Shell,
		},
		Oracle: oracle.DefaultConfig(),
		Server: Server{
			Addr:              ":8000",
			MaxConcurrent:     4,
			MaxConnections:    64,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path or a missing file yields the defaults. Unknown keys are
// rejected.
func Load(path string) (*Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read settings: %w", err)
		default:
			if err := s.decode(data); err != nil {
				return nil, err
			}
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) decode(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment seen through lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvJailRoot); ok {
		s.JailRoot = v
	}
	if v, ok := get(EnvMaxAttempts); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", taskjail.ErrConfigInvalid, EnvMaxAttempts, v)
		}
		s.MaxAttempts = n
	}
	if v, ok := lookup(EnvAllowedTools); ok {
		s.AllowedTools = splitList(v)
	}
	if v, ok := get(EnvFallback); ok {
		s.Sandbox.Fallback = v
	}
	if v, ok := get(EnvAddr); ok {
		s.Server.Addr = v
	}
	if v, ok := get(EnvBackend); ok {
		s.Oracle.Backend = v
	}
	if v, ok := get(EnvEndpoint); ok {
		s.Oracle.Endpoint = v
	}
	return nil
}

func splitList(v string) []string {
	out := []string{}
	for _, f := range strings.Split(v, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Config converts the settings into a validated taskjail.Config.
func (s *Settings) Config(logger *zap.Logger) (*taskjail.Config, error) {
	fallback, err := taskjail.ParseFallbackPolicy(s.Sandbox.Fallback)
	if err != nil {
		return nil, err
	}
	cfg := &taskjail.Config{
		JailRoot:       s.JailRoot,
		MaxAttempts:    s.MaxAttempts,
		AttemptTimeout: s.AttemptTimeout,
		OracleTimeout:  s.OracleTimeout,
		AllowedTools:   append([]string(nil), s.AllowedTools...),
		Sandbox: taskjail.SandboxConfig{
			FallbackPolicy:        fallback,
			ReadableRoots:         append([]string(nil), s.Sandbox.ReadableRoots...),
			DenyRead:              append([]string(nil), s.Sandbox.DenyRead...),
			BlockNetwork:          s.Sandbox.BlockNetwork,
			DenyPermissionChanges: s.Sandbox.DenyPermissionChanges,
			ScratchRoot:           s.Sandbox.ScratchRoot,
			ResourceLimits:        s.Sandbox.ResourceLimits,
		},
		Interpreters: taskjail.Interpreters{
			Python: s.Interpreters.Python,
			Shell:  s.Interpreters.Shell,
		},
		MaxOutputBytes: s.MaxOutputBytes,
		Logger:         logger,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OracleConfig returns the oracle configuration with the oracle timeout
// applied when the oracle section sets none.
func (s *Settings) OracleConfig(logger *zap.Logger) oracle.Config {
	oc := s.Oracle
	if oc.Timeout <= 0 {
		oc.Timeout = s.OracleTimeout
	}
	oc.Logger = logger
	return oc
}
