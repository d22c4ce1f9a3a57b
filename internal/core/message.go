package core

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SentinelTitle is the placeholder title every new thread starts with.
// A thread still carrying it is eligible for automatic title generation.
const SentinelTitle = "New Chat"

// MessageFields holds what optimistic and confirmed messages have in common.
type MessageFields struct {
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is either an Optimistic or a Confirmed message.
type Message interface {
	// Key is unique within a store: the local id or the server id.
	Key() string
	Fields() MessageFields
	isMessage()
}

// Optimistic is a message shown locally before the durable store confirms it.
type Optimistic struct {
	LocalID string `json:"local_id"`
	MessageFields
}

// Confirmed is a message acknowledged by the durable store.
type Confirmed struct {
	ServerID string `json:"id"`
	MessageFields
}

func (m Optimistic) Key() string            { return "local:" + m.LocalID }
func (m Optimistic) Fields() MessageFields { return m.MessageFields }
func (Optimistic) isMessage()              {}

func (m Confirmed) Key() string            { return "server:" + m.ServerID }
func (m Confirmed) Fields() MessageFields { return m.MessageFields }
func (Confirmed) isMessage()              {}

// NewOptimistic builds an optimistic message with a fresh local id.
func NewOptimistic(threadID, userID string, role Role, content string, at time.Time) Optimistic {
	return Optimistic{
		LocalID: uuid.NewString(),
		MessageFields: MessageFields{
			ThreadID:  threadID,
			Role:      role,
			Content:   content,
			UserID:    userID,
			CreatedAt: at,
		},
	}
}

// Thread is a persistent conversation.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HasSentinelTitle reports whether the thread still needs a generated title.
func (t Thread) HasSentinelTitle() bool {
	return t.Title == "" || t.Title == SentinelTitle
}

// User is the authenticated account sending messages.
type User struct {
	ID string `json:"id"`
}

// Turn is one entry of the conversation history handed to an AI provider.
type Turn struct {
	Role    Role
	Content string
}

// HistoryFrom converts a snapshot into provider turns, dropping system messages.
func HistoryFrom(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		f := m.Fields()
		if f.Role == RoleSystem {
			continue
		}
		turns = append(turns, Turn{Role: f.Role, Content: f.Content})
	}
	return turns
}
