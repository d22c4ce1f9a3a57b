package llm

import (
	"context"
	"fmt"
	"strings"

	"gwi.com/study-assistant/internal/core"
)

// EchoProvider answers without a model. Used for local development.
type EchoProvider struct{}

func (EchoProvider) GenerateResponse(ctx context.Context, prompt string, history []core.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("You said: %s (%d earlier messages)", prompt, len(history)), nil
}

func (EchoProvider) GenerateThreadTitle(ctx context.Context, firstMessage string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	words := strings.Fields(firstMessage)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " "), nil
}
