package core

import (
	"time"

	"gwi.com/study-assistant/internal/realtime"
)

// MessageView is a rendered message. Optimistic messages carry their local id.
type MessageView struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	Optimistic bool      `json:"optimistic"`
}

// View is the reactive state a UI renders from.
type View struct {
	ThreadID          string                   `json:"thread_id"`
	Title             string                   `json:"title"`
	Messages          []MessageView            `json:"messages"`
	IsGenerating      bool                     `json:"is_generating"`
	IsTitleGenerating bool                     `json:"is_title_generating"`
	ShowPaywall       bool                     `json:"show_paywall"`
	MessageCount      int                      `json:"message_count"`
	MessageLimit      int                      `json:"message_limit"`
	PreservedMessage  string                   `json:"preserved_message,omitempty"`
	Notice            *Notice                  `json:"notice,omitempty"`
	Connection        realtime.ConnectionState `json:"connection"`
}

// View builds the current view. System messages are not rendered.
func (s *ChatService) View() View {
	thread, _ := s.ActiveThread()

	snapshot := s.store.Snapshot()
	msgs := make([]MessageView, 0, len(snapshot))
	for _, m := range snapshot {
		f := m.Fields()
		if f.Role == RoleSystem {
			continue
		}
		mv := MessageView{
			ThreadID:  f.ThreadID,
			Role:      f.Role,
			Content:   f.Content,
			UserID:    f.UserID,
			CreatedAt: f.CreatedAt,
		}
		switch v := m.(type) {
		case Optimistic:
			mv.ID = v.LocalID
			mv.Optimistic = true
		case Confirmed:
			mv.ID = v.ServerID
		}
		msgs = append(msgs, mv)
	}

	v := View{
		ThreadID:          thread.ID,
		Title:             thread.Title,
		Messages:          msgs,
		IsGenerating:      s.orchestrator.IsGenerating(),
		IsTitleGenerating: s.orchestrator.IsTitleGenerating(),
		Notice:            s.notices.latest(),
		Connection:        s.connectionState(),
	}
	if s.quota != nil {
		v.ShowPaywall = s.quota.ShowPaywall()
		v.MessageCount, v.MessageLimit = s.quota.Usage()
	}
	v.PreservedMessage = s.PreservedMessage()
	return v
}
