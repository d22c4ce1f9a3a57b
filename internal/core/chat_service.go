package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/realtime"
)

const (
	DefaultPollInterval     = 5 * time.Second
	messagesTable           = "messages"
	reconnectRefreshTimeout = 10 * time.Second
)

// ChannelManager is the part of the realtime manager a ChatService uses.
type ChannelManager interface {
	Subscribe(name string, filter realtime.Filter, h realtime.Handlers)
	Teardown(name string)
	ForceReconnect(name string)
	State(name string) (realtime.ConnectionState, bool)
}

// ChatDeps are the collaborators of a ChatService.
type ChatDeps struct {
	ClientID        string
	Durable         DurableStore
	Channels        ChannelManager
	Auth            Auth
	Quota           *QuotaGate
	Runner          *TaskRunner
	ReconcileWindow time.Duration
	PollInterval    time.Duration
	OnTransition    func(SendState)
}

// ChatService is one client's view of the chat: the active thread, its
// message list, the push subscription and the send path.
type ChatService struct {
	clientID     string
	durable      DurableStore
	channels     ChannelManager
	quota        *QuotaGate
	store        *MessageStore
	orchestrator *Orchestrator
	notices      *noticeBoard
	pollInterval time.Duration
	log          zerolog.Logger

	mu        sync.RWMutex
	thread    Thread
	active    bool
	channel   string
	preserved string

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewChatService wires a ChatService and its orchestrator.
func NewChatService(deps ChatDeps, log zerolog.Logger) *ChatService {
	if deps.PollInterval <= 0 {
		deps.PollInterval = DefaultPollInterval
	}
	log = log.With().Str("client_id", deps.ClientID).Logger()

	s := &ChatService{
		clientID:     deps.ClientID,
		durable:      deps.Durable,
		channels:     deps.Channels,
		quota:        deps.Quota,
		store:        NewMessageStore(deps.ReconcileWindow, log),
		notices:      &noticeBoard{log: log},
		pollInterval: deps.PollInterval,
		log:          log.With().Str("component", "chat-service").Logger(),
		done:         make(chan struct{}),
	}
	s.orchestrator = NewOrchestrator(OrchestratorDeps{
		Store:        s.store,
		Threads:      s,
		Auth:         deps.Auth,
		Quota:        deps.Quota,
		Durable:      deps.Durable,
		Runner:       deps.Runner,
		Notifier:     s.notices,
		Drafts:       s,
		OnTransition: deps.OnTransition,
	}, log)
	return s
}

// Store exposes the message list of the active thread.
func (s *ChatService) Store() *MessageStore { return s.store }

// Orchestrator exposes the send path.
func (s *ChatService) Orchestrator() *Orchestrator { return s.orchestrator }

// Start runs the fallback poller until Close.
func (s *ChatService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.poll(ctx)
	})
}

// Close stops polling, tears down the subscription and waits for in-flight sends.
func (s *ChatService) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.mu.Lock()
		name := s.channel
		s.channel = ""
		s.mu.Unlock()
		if name != "" {
			s.channels.Teardown(name)
		}
		s.orchestrator.Wait()
		s.log.Info().Msg("chat service closed")
	})
}

// OpenThread makes threadID the active thread. The store is reset and the
// new channel subscribed before the old one is torn down, so events are never
// missed; the brief overlap is filtered by thread id.
func (s *ChatService) OpenThread(ctx context.Context, threadID string) error {
	name := fmt.Sprintf("thread:%s:%s", threadID, s.clientID)

	s.mu.Lock()
	prev := s.channel
	s.thread = Thread{ID: threadID, Title: SentinelTitle}
	s.active = true
	s.channel = name
	s.mu.Unlock()

	s.store.Reset(threadID)
	s.channels.Subscribe(name, realtime.Filter{Table: messagesTable, Column: "thread_id", Value: threadID}, realtime.Handlers{
		OnInsert: s.onInsert,
		OnUpdate: s.onUpdate,
		OnDelete: s.onDelete,
		OnState:  s.stateHandler(threadID),
	})
	if prev != "" && prev != name {
		s.channels.Teardown(prev)
	}

	thread, err := s.durable.GetThread(ctx, threadID)
	if err != nil {
		s.closeThread(threadID)
		return fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	s.mu.Lock()
	if s.active && s.thread.ID == threadID {
		s.thread = thread
	}
	s.mu.Unlock()

	return s.Refresh(ctx)
}

// CloseThread deactivates threadID if it is the active thread and reports
// whether it was.
func (s *ChatService) CloseThread(threadID string) bool {
	return s.closeThread(threadID)
}

func (s *ChatService) closeThread(threadID string) bool {
	s.mu.Lock()
	if !s.active || s.thread.ID != threadID {
		s.mu.Unlock()
		return false
	}
	name := s.channel
	s.active = false
	s.thread = Thread{}
	s.channel = ""
	s.mu.Unlock()

	s.store.Reset("")
	if name != "" {
		s.channels.Teardown(name)
	}
	return true
}

// Refresh fetches the active thread's messages and reconciles them.
func (s *ChatService) Refresh(ctx context.Context) error {
	thread, ok := s.ActiveThread()
	if !ok {
		return ErrNoActiveThread
	}
	msgs, err := s.durable.FetchMessages(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	if !s.IsActive(thread.ID) {
		return nil
	}
	for _, m := range msgs {
		s.store.ApplyServerInsert(m)
	}
	return nil
}

// Resume reconnects the push channel immediately and catches up on anything
// missed, e.g. after the host wakes from sleep.
func (s *ChatService) Resume(ctx context.Context) error {
	s.mu.RLock()
	name := s.channel
	s.mu.RUnlock()
	if name == "" {
		return ErrNoActiveThread
	}
	s.channels.ForceReconnect(name)
	return s.Refresh(ctx)
}

// SendMessage sends content on the active thread. It returns the optimistic
// message, or nil when the send was rejected.
func (s *ChatService) SendMessage(ctx context.Context, content string) *Optimistic {
	return s.orchestrator.Send(ctx, content)
}

// Submit is SendMessage that also returns the rejection reason.
func (s *ChatService) Submit(ctx context.Context, content string) (*Optimistic, error) {
	return s.orchestrator.Submit(ctx, content)
}

// DismissPaywall hides the paywall.
func (s *ChatService) DismissPaywall() {
	if s.quota != nil {
		s.quota.DismissPaywall()
	}
}

// TakePreserved returns and clears the draft kept across an interruption.
func (s *ChatService) TakePreserved() string {
	s.mu.Lock()
	p := s.preserved
	s.preserved = ""
	s.mu.Unlock()

	if s.quota != nil {
		s.quota.TakePreserved()
	}
	return p
}

// PreservedMessage returns the most recently kept draft.
func (s *ChatService) PreservedMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preserved
}

// PreserveDraft implements DraftKeeper. The newest draft replaces any older one.
func (s *ChatService) PreserveDraft(content string) {
	s.mu.Lock()
	s.preserved = content
	s.mu.Unlock()
}

// ClearDraft implements DraftKeeper.
func (s *ChatService) ClearDraft() {
	s.TakePreserved()
}

// ActiveThread implements ThreadTracker.
func (s *ChatService) ActiveThread() (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thread, s.active
}

// IsActive implements ThreadTracker.
func (s *ChatService) IsActive(threadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && s.thread.ID == threadID
}

// SetTitle implements ThreadTracker.
func (s *ChatService) SetTitle(threadID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.thread.ID == threadID {
		s.thread.Title = title
	}
}

func (s *ChatService) connectionState() realtime.ConnectionState {
	s.mu.RLock()
	name := s.channel
	s.mu.RUnlock()
	if name == "" {
		return realtime.ConnectionState{Status: realtime.ChannelClosed}
	}
	st, _ := s.channels.State(name)
	return st
}

// stateHandler logs channel health and catches up on anything pushed while
// the channel was down once it reconnects.
func (s *ChatService) stateHandler(threadID string) func(realtime.ConnectionState) {
	var dropped atomic.Bool
	return func(st realtime.ConnectionState) {
		s.log.Debug().Str("thread_id", threadID).Str("status", string(st.Status)).Bool("fallback", st.FallbackPolling).Msg("channel state")

		switch st.Status {
		case realtime.ChannelDisconnected:
			dropped.Store(true)
		case realtime.ChannelConnected:
			if !dropped.Swap(false) || !s.IsActive(threadID) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), reconnectRefreshTimeout)
			defer cancel()
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrNoActiveThread) {
				s.log.Warn().Err(err).Str("thread_id", threadID).Msg("refresh after reconnect failed")
			}
		}
	}
}

func (s *ChatService) poll(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if !s.connectionState().FallbackPolling {
				continue
			}
			if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrNoActiveThread) {
				s.log.Warn().Err(err).Msg("fallback refresh failed")
			}
		}
	}
}

func (s *ChatService) onInsert(ev realtime.Event) {
	var m Confirmed
	if err := json.Unmarshal(ev.New, &m); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed insert event")
		return
	}
	if s.IsActive(m.ThreadID) {
		s.store.ApplyServerInsert(m)
	}
}

func (s *ChatService) onUpdate(ev realtime.Event) {
	var m Confirmed
	if err := json.Unmarshal(ev.New, &m); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed update event")
		return
	}
	if s.IsActive(m.ThreadID) {
		s.store.ApplyServerUpdate(m)
	}
}

func (s *ChatService) onDelete(ev realtime.Event) {
	var m Confirmed
	if err := json.Unmarshal(ev.Old, &m); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed delete event")
		return
	}
	if s.IsActive(m.ThreadID) {
		s.store.ApplyServerDelete(m.ServerID)
	}
}

// noticeBoard keeps the latest notice for the view and logs every one.
type noticeBoard struct {
	log zerolog.Logger

	mu   sync.Mutex
	last *Notice
}

func (b *noticeBoard) Notify(n Notice) {
	b.mu.Lock()
	b.last = &n
	b.mu.Unlock()

	ev := b.log.Info()
	if n.Level == NoticeError {
		ev = b.log.Warn()
	}
	ev.Str("kind", n.Kind).Bool("retryable", n.Retryable).Msg(n.Message)
}

func (b *noticeBoard) latest() *Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return nil
	}
	n := *b.last
	return &n
}
