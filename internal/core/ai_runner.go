package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/observability"
)

// TaskOp selects which provider capability a task runs.
type TaskOp string

const (
	OpRespond TaskOp = "respond"
	OpTitle   TaskOp = "title"
)

const (
	DefaultResponseTimeout = 90 * time.Second
	DefaultTitleTimeout    = 45 * time.Second
	DefaultMaxAttempts     = 2
	DefaultRetryDelay      = time.Second

	maxTitleLength = 50
)

// TaskInput carries the frozen conversation a task works on.
type TaskInput struct {
	Prompt       string
	History      []Turn
	FirstMessage string
}

// RunnerConfig tunes timeouts and the retry loop.
type RunnerConfig struct {
	ResponseTimeout time.Duration
	TitleTimeout    time.Duration
	MaxAttempts     int
	// RetryDelay is multiplied by the attempt number before a retry.
	RetryDelay time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.TitleTimeout <= 0 {
		c.TitleTimeout = DefaultTitleTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	} else if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// TaskRunner calls the AI provider behind a hard timeout and retries timeouts.
type TaskRunner struct {
	provider Provider
	cfg      RunnerConfig
	log      zerolog.Logger
}

// NewTaskRunner creates a runner for provider.
func NewTaskRunner(provider Provider, cfg RunnerConfig, log zerolog.Logger) *TaskRunner {
	return &TaskRunner{
		provider: provider,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "ai-runner").Logger(),
	}
}

// Run executes op. Only timeouts are retried; any other failure is returned at once.
func (r *TaskRunner) Run(ctx context.Context, op TaskOp, in TaskInput) (string, error) {
	start := time.Now()
	timeout := r.timeoutFor(op)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		out, err := r.call(ctx, op, in, timeout)
		if err == nil {
			if op == OpTitle {
				out = CleanTitle(out)
				if out == "" {
					observability.RecordAITask(string(op), "error", time.Since(start))
					return "", errors.New("provider returned an empty title")
				}
			}
			if attempt > 1 {
				r.log.Info().Str("op", string(op)).Int("attempt", attempt).Msg("task succeeded after retry")
			}
			observability.RecordAITask(string(op), "ok", time.Since(start))
			return out, nil
		}
		lastErr = err

		if !IsTimeout(err) || ctx.Err() != nil {
			r.log.Debug().Err(err).Str("op", string(op)).Int("attempt", attempt).Msg("non-retryable error, aborting")
			observability.RecordAITask(string(op), "error", time.Since(start))
			return "", fmt.Errorf("%s task failed: %w", op, err)
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.cfg.RetryDelay * time.Duration(attempt)
		r.log.Warn().
			Err(err).
			Str("op", string(op)).
			Int("attempt", attempt).
			Int("max_attempts", r.cfg.MaxAttempts).
			Dur("retry_delay", delay).
			Msg("task timed out, retrying")

		select {
		case <-ctx.Done():
			observability.RecordAITask(string(op), "error", time.Since(start))
			return "", fmt.Errorf("%s task cancelled: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}

	observability.RecordAITask(string(op), "timeout", time.Since(start))
	return "", fmt.Errorf("%s task failed after %d attempts: %w: %w", op, r.cfg.MaxAttempts, ErrProviderTimeout, lastErr)
}

type callResult struct {
	out string
	err error
}

// call runs one provider request. The deadline is enforced here even when the
// provider ignores its context.
func (r *TaskRunner) call(ctx context.Context, op TaskOp, in TaskInput, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		var res callResult
		switch op {
		case OpTitle:
			res.out, res.err = r.provider.GenerateThreadTitle(callCtx, in.FirstMessage)
		default:
			res.out, res.err = r.provider.GenerateResponse(callCtx, in.Prompt, in.History)
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-callCtx.Done():
		return "", callCtx.Err()
	}
}

func (r *TaskRunner) timeoutFor(op TaskOp) time.Duration {
	if op == OpTitle {
		return r.cfg.TitleTimeout
	}
	return r.cfg.ResponseTimeout
}

// CleanTitle trims whitespace and wrapping quotes and caps the title at 50
// characters, ellipsis included.
func CleanTitle(title string) string {
	title = strings.Trim(strings.TrimSpace(title), "\"'`")
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLength-3])) + "..."
}
