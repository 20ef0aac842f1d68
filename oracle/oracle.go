// Package oracle provides the language-model backends that write task
// artifacts: an OpenAI-compatible chat completions client, a Google GenAI
// (Gemini) client, and Script, a deterministic double for tests.
//
// Every backend satisfies taskjail.Oracle.
package oracle

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhangyunhao116/taskjail"
)

// Backend names.
const (
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// Defaults for the OpenAI-compatible backend.
const (
	DefaultEndpoint    = "https://aiproxy.sanand.workers.dev/openai/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.2
	DefaultTokenEnv    = "AIPROXY_TOKEN"
	DefaultGeminiModel = "gemini-2.0-flash"
	DefaultGeminiEnv   = "GEMINI_API_KEY"
)

var (
	// ErrNoToken is returned when the credential is not configured.
	ErrNoToken = errors.New("oracle: credential not configured")

	// ErrEmptyReply is returned when the model answered with no text.
	ErrEmptyReply = errors.New("oracle: empty reply")
)

// Config selects and configures a backend.
type Config struct {
	// Backend is "openai" (default) or "gemini".
	Backend string `yaml:"backend"`

	// Endpoint is the API base URL. For openai, "/chat/completions" is
	// appended unless already present.
	Endpoint string `yaml:"endpoint"`

	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`

	// TokenEnv names the environment variable holding the credential.
	TokenEnv string `yaml:"token_env"`

	// Token is the credential. When empty it is read from TokenEnv.
	Token string `yaml:"-"`

	// Timeout bounds one HTTP round trip. The caller's context still
	// applies.
	Timeout time.Duration `yaml:"timeout"`

	// HTTPClient overrides the HTTP client. Tests use it.
	HTTPClient *http.Client `yaml:"-"`

	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns the openai backend configuration the service uses.
func DefaultConfig() Config {
	return Config{
		Backend:     BackendOpenAI,
		Endpoint:    DefaultEndpoint,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		TokenEnv:    DefaultTokenEnv,
		Timeout:     taskjail.DefaultOracleTimeout,
	}
}

// New builds the backend cfg names.
func New(cfg Config) (taskjail.Oracle, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendOpenAI:
		return NewOpenAI(cfg)
	case BackendGemini:
		return NewGemini(cfg)
	}
	return nil, fmt.Errorf("%w: unknown oracle backend %q", taskjail.ErrConfigInvalid, cfg.Backend)
}

// token returns the configured credential.
func (c *Config) token(fallbackEnv string) (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	env := c.TokenEnv
	if env == "" {
		env = fallbackEnv
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: set %s", ErrNoToken, env)
}

func (c *Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = taskjail.DefaultOracleTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
