package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"gwi.com/study-assistant/internal/core"
)

const (
	defaultGeminiChatModel  = "gemini-1.5-flash-latest"
	defaultGeminiTitleModel = "gemini-1.5-flash-latest"

	chatSystemInstruction = "You are a friendly study assistant. Help the student understand the material, " +
		"explain concepts step by step and ask a short follow-up question when it helps learning. " +
		"Keep answers concise and accurate. If you are not sure, say so instead of guessing."

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

// GeminiProvider answers and titles conversations with Google Gemini.
type GeminiProvider struct {
	client     *genai.Client
	chatModel  string
	titleModel string
	log        zerolog.Logger
}

func NewGeminiProvider(ctx context.Context, apiKey, chatModel, titleModel string, log zerolog.Logger) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key must be provided")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if chatModel == "" {
		chatModel = defaultGeminiChatModel
	}
	if titleModel == "" {
		titleModel = defaultGeminiTitleModel
	}
	return &GeminiProvider{
		client:     client,
		chatModel:  chatModel,
		titleModel: titleModel,
		log:        log.With().Str("component", "gemini").Logger(),
	}, nil
}

func (p *GeminiProvider) Close() error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close GenAI client: %w", err)
	}
	p.log.Info().Msg("GenAI client closed")
	return nil
}

func (p *GeminiProvider) GenerateResponse(ctx context.Context, prompt string, history []core.Turn) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is empty for chat completion")
	}

	model := p.client.GenerativeModel(p.chatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	session := model.StartChat()
	session.History = geminiHistory(history)

	resp, err := session.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}

func (p *GeminiProvider) GenerateThreadTitle(ctx context.Context, firstMessage string) (string, error) {
	model := p.client.GenerativeModel(p.titleModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}

	temp := float32(0.3)
	maxTokens := int32(20)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(titlePrompt(firstMessage)))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}

	title := responseText(resp)
	if title == "" {
		return "", fmt.Errorf("gemini generated an empty title")
	}
	return title, nil
}

func geminiHistory(turns []core.Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == core.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}
	return history
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}
