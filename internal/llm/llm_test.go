package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/study-assistant/internal/core"
)

func TestEchoProvider(t *testing.T) {
	p := EchoProvider{}
	ctx := context.Background()

	out, err := p.GenerateResponse(ctx, "hello", []core.Turn{{Role: core.RoleUser, Content: "earlier"}})
	require.NoError(t, err)
	assert.Equal(t, "You said: hello (1 earlier messages)", out)

	title, err := p.GenerateThreadTitle(ctx, "how do plants turn light into energy")
	require.NoError(t, err)
	assert.Equal(t, "how do plants turn light", title)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.GenerateResponse(cancelled, "hello", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeminiHistoryRoles(t *testing.T) {
	history := geminiHistory([]core.Turn{
		{Role: core.RoleUser, Content: "q"},
		{Role: core.RoleAssistant, Content: "a"},
	})
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
}

func TestNewProviderSelection(t *testing.T) {
	ctx := context.Background()

	p, closeFn, err := New(ctx, Settings{Provider: "echo"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, EchoProvider{}, p)
	assert.NoError(t, closeFn())

	_, _, err = New(ctx, Settings{Provider: "openai"}, zerolog.Nop())
	assert.Error(t, err, "openai needs a key")

	_, _, err = New(ctx, Settings{Provider: "gemini"}, zerolog.Nop())
	assert.Error(t, err, "gemini needs a key")

	_, _, err = New(ctx, Settings{Provider: "nope"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestOpenAIProvider(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "  Diffusion of water.  "},
			}},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider("key", srv.URL, "test-model", zerolog.Nop())
	require.NoError(t, err)

	out, err := p.GenerateResponse(context.Background(), "What is osmosis?", []core.Turn{
		{Role: core.RoleUser, Content: "hi"},
		{Role: core.RoleAssistant, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Diffusion of water.", out)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, got.Messages[2].Role)
	assert.Equal(t, "What is osmosis?", got.Messages[3].Content)

	_, err = p.GenerateThreadTitle(context.Background(), "What is osmosis?")
	require.NoError(t, err)
	assert.Equal(t, 20, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[1].Content, "What is osmosis?")
}

func TestOpenAIProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider("key", srv.URL, "", zerolog.Nop())
	require.NoError(t, err)

	_, err = p.GenerateResponse(context.Background(), "q", nil)
	require.Error(t, err)
	var apiErr *openai.APIError
	assert.ErrorAs(t, err, &apiErr)
}
