package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	chatPath = "/chat/completions"

	// maxRetries bounds retries after a 429 or 5xx answer.
	maxRetries = 2

	// maxErrorBody bounds how much of an error response is quoted.
	maxErrorBody = 512
)

// retryBackoff is the first retry delay; it doubles on each retry.
var retryBackoff = 500 * time.Millisecond

// OpenAI talks to an OpenAI-compatible /chat/completions endpoint with a
// bearer token.
type OpenAI struct {
	url         string
	token       string
	model       string
	temperature float64
	client      *http.Client
	logger      *zap.Logger
}

// NewOpenAI returns an OpenAI backend. The credential must be available.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	token, err := cfg.token(DefaultTokenEnv)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasSuffix(endpoint, chatPath) {
		endpoint += chatPath
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{
		url:         endpoint,
		token:       token,
		model:       model,
		temperature: cfg.Temperature,
		client:      cfg.httpClient(),
		logger:      cfg.logger(),
	}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return BackendOpenAI }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one system and one user message and returns the reply.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: o.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			if err := sleep(ctx, retryBackoff<<(i-1)); err != nil {
				return "", err
			}
		}
		reply, retry, err := o.post(ctx, body)
		if err == nil {
			o.logger.Debug("oracle reply",
				zap.String("model", o.model),
				zap.Duration("elapsed", time.Since(start)),
				zap.Int("reply_len", len(reply)))
			return reply, nil
		}
		if !retry {
			return "", err
		}
		lastErr = err
		o.logger.Debug("oracle retry", zap.Int("attempt", i+1), zap.Error(err))
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// post performs one request. retry reports whether the failure is worth
// another try.
func (o *OpenAI) post(ctx context.Context, body []byte) (reply string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.token)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return "", true, fmt.Errorf("status %d: %s", resp.StatusCode, clip(data))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("status %d: %s", resp.StatusCode, clip(data))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", false, fmt.Errorf("parse response: %w", err)
	}
	if cr.Error != nil {
		return "", false, fmt.Errorf("api error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", false, ErrEmptyReply
	}
	text := strings.TrimSpace(cr.Choices[0].Message.Content)
	if text == "" {
		return "", false, ErrEmptyReply
	}
	return text, false, nil
}

func clip(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
