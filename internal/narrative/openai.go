package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// Config holds OpenAI-compatible backend settings. BaseURL allows pointing
// at any compatible endpoint (proxy, local model).
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	TimeoutSec int
	MaxRetries int
}

// OpenAIGenerator generates chapters through a chat-completion API.
type OpenAIGenerator struct {
	client     *openai.Client
	model      string
	timeout    time.Duration
	maxRetries int
}

// NewOpenAIGenerator creates a generator from config. Zero-valued knobs get
// workable defaults.
func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	return &OpenAIGenerator{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		timeout:    timeout,
		maxRetries: retries,
	}
}

// Generate produces one chapter. Retries transient failures with backoff;
// returns an error only when every attempt failed.
func (g *OpenAIGenerator) Generate(ctx context.Context, kind Kind, gc Context) (string, error) {
	prompt := buildPrompt(kind, gc)

	var lastErr error
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			MaxTokens: 1500,
		})
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				lastErr = fmt.Errorf("chat completion returned no choices")
			} else if text := strings.TrimSpace(resp.Choices[0].Message.Content); text != "" {
				if gc.ChapterIndex == gc.TotalChapters {
					text = ensureFinal(text)
				}
				return text, nil
			} else {
				lastErr = fmt.Errorf("chat completion returned empty content")
			}
		} else {
			lastErr = err
		}

		log.Warn().Err(lastErr).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Msg("chapter generation attempt failed")
		if attempt < g.maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
	}
	return "", fmt.Errorf("generate chapter (%s): %w", kind, lastErr)
}
