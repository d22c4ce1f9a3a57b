package core

import "context"

// Auth is the session capability of the host application.
type Auth interface {
	CurrentUser(ctx context.Context) (User, error)
	SessionValid(ctx context.Context) bool
	// SessionExpired starts the re-auth flow; preserved is restored afterwards.
	SessionExpired(preserved string)
}

// DurableStore is the authoritative message and thread storage.
type DurableStore interface {
	InsertMessage(ctx context.Context, threadID string, role Role, content, userID string) (Confirmed, error)
	UpdateThreadTitle(ctx context.Context, threadID, title string) error
	// FetchMessages returns the thread's messages ordered by created_at.
	FetchMessages(ctx context.Context, threadID string) ([]Confirmed, error)
	GetThread(ctx context.Context, threadID string) (Thread, error)
}

// Provider generates AI content for a conversation.
type Provider interface {
	GenerateResponse(ctx context.Context, prompt string, history []Turn) (string, error)
	GenerateThreadTitle(ctx context.Context, firstMessage string) (string, error)
}

// QuotaStore owns the durable per-user message counter and subscription flag.
type QuotaStore interface {
	MessageCount(ctx context.Context, userID string) (int, error)
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
	IncrementMessageCount(ctx context.Context, userID string) (int, error)
}

// Notifier surfaces toast-style notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NoticeLevel is the severity of a Notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a user-facing message describing the outcome of an action.
type Notice struct {
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
	Kind      string      `json:"kind,omitempty"`
	Retryable bool        `json:"retryable"`
}
