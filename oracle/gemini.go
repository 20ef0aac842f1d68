package oracle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Gemini talks to the Google GenAI API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

// NewGemini returns a Gemini backend. The key is read from
// GEMINI_API_KEY unless configured.
func NewGemini(cfg Config) (*Gemini, error) {
	key, err := cfg.token(DefaultGeminiEnv)
	if err != nil {
		return nil, err
	}
	cc := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient(),
	}
	if cfg.Endpoint != "" && cfg.Endpoint != DefaultEndpoint {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	model := cfg.Model
	if model == "" || model == DefaultModel {
		model = DefaultGeminiModel
	}
	return &Gemini{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		logger:      cfg.logger(),
	}, nil
}

// Name returns "gemini".
func (g *Gemini) Name() string { return BackendGemini }

// Complete sends the system instruction and user message and returns the
// reply text.
func (g *Gemini) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(user, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			Temperature:       genai.Ptr(g.temperature),
		})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	g.logger.Debug("oracle reply", zap.String("model", g.model), zap.Int("reply_len", len(text)))
	return text, nil
}
