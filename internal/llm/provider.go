package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/core"
)

// Settings selects and configures a provider.
type Settings struct {
	Provider      string // gemini, openai or echo
	GeminiAPIKey  string
	GeminiModel   string
	TitleModel    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
}

// New returns the configured provider and a close function.
func New(ctx context.Context, s Settings, log zerolog.Logger) (core.Provider, func() error, error) {
	noop := func() error { return nil }
	switch s.Provider {
	case "gemini", "":
		p, err := NewGeminiProvider(ctx, s.GeminiAPIKey, s.GeminiModel, s.TitleModel, log)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case "openai":
		p, err := NewOpenAIProvider(s.OpenAIAPIKey, s.OpenAIBaseURL, s.OpenAIModel, log)
		if err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	case "echo":
		return EchoProvider{}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown AI provider %q", s.Provider)
	}
}
