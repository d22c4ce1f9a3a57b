package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/auth"
	"gwi.com/study-assistant/internal/core"
)

// SessionDeps are shared by every user session.
type SessionDeps struct {
	Durable         core.DurableStore
	Quota           core.QuotaStore
	Channels        core.ChannelManager
	Runner          *core.TaskRunner
	Signer          *auth.Signer
	FreeLimit       int
	QuotaCacheTTL   time.Duration
	ReconcileWindow time.Duration
	PollInterval    time.Duration
}

type userSession struct {
	chat  *core.ChatService
	auth  *auth.TokenSession
	quota *core.QuotaGate
}

// Sessions keeps one ChatService per signed-in user. All of them share the
// process-wide connection manager.
type Sessions struct {
	deps   SessionDeps
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	byUser map[string]*userSession
}

func NewSessions(deps SessionDeps, log zerolog.Logger) *Sessions {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sessions{
		deps:   deps,
		log:    log.With().Str("component", "sessions").Logger(),
		ctx:    ctx,
		cancel: cancel,
		byUser: make(map[string]*userSession),
	}
}

// Get returns the user's ChatService, creating it on first use. The session
// token is refreshed to the one presented on this request.
func (s *Sessions) Get(userID, token string) (*core.ChatService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.byUser[userID]; ok {
		sess.auth.SetToken(token)
		return sess.chat, nil
	}

	log := s.log.With().Str("user_id", userID).Logger()
	gate, err := core.NewQuotaGate(s.deps.Quota, s.deps.FreeLimit, s.deps.QuotaCacheTTL, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota gate: %w", err)
	}
	tokenSession := auth.NewTokenSession(s.deps.Signer, userID, token, nil, log)

	chat := core.NewChatService(core.ChatDeps{
		ClientID:        uuid.NewString(),
		Durable:         s.deps.Durable,
		Channels:        s.deps.Channels,
		Auth:            tokenSession,
		Quota:           gate,
		Runner:          s.deps.Runner,
		ReconcileWindow: s.deps.ReconcileWindow,
		PollInterval:    s.deps.PollInterval,
	}, log)
	chat.Start(s.ctx)

	s.byUser[userID] = &userSession{chat: chat, auth: tokenSession, quota: gate}
	log.Info().Msg("chat session started")
	return chat, nil
}

// InvalidateQuota drops the cached quota reads of userID's session, if any,
// so a subscription change applies to the next send.
func (s *Sessions) InvalidateQuota(userID string) {
	s.mu.Lock()
	sess, ok := s.byUser[userID]
	s.mu.Unlock()
	if ok {
		sess.quota.Invalidate(userID)
	}
}

// Len is the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}

// Close stops every session and waits for in-flight sends.
func (s *Sessions) Close() {
	s.mu.Lock()
	sessions := make([]*userSession, 0, len(s.byUser))
	for id, sess := range s.byUser {
		sessions = append(sessions, sess)
		delete(s.byUser, id)
	}
	s.mu.Unlock()

	s.cancel()
	for _, sess := range sessions {
		sess.chat.Close()
	}
}
