package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"gwi.com/study-assistant/internal/core"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

// NewOpenAIProvider builds a provider. An empty baseURL targets api.openai.com.
func NewOpenAIProvider(apiKey, baseURL, model string, log zerolog.Logger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key must be provided")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.With().Str("component", "openai").Logger(),
	}, nil
}

func (p *OpenAIProvider) GenerateResponse(ctx context.Context, prompt string, history []core.Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: chatSystemInstruction})
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == core.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	return p.complete(ctx, openai.ChatCompletionRequest{Model: p.model, Messages: messages})
}

func (p *OpenAIProvider) GenerateThreadTitle(ctx context.Context, firstMessage string) (string, error) {
	return p.complete(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titleSystemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: titlePrompt(firstMessage)},
		},
		MaxTokens:   20,
		Temperature: 0.3,
	})
}

func (p *OpenAIProvider) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			p.log.Warn().Int("status", apiErr.HTTPStatusCode).Str("model", req.Model).Msg("chat completion rejected")
		}
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai returned an empty message")
	}
	return text, nil
}
