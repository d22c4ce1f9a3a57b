package auth

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/core"
)

// TokenSession is the session of one signed-in user, backed by the token of
// their latest request.
type TokenSession struct {
	signer    *Signer
	log       zerolog.Logger
	onExpired func(preserved string)

	mu     sync.Mutex
	token  string
	userID string
}

// NewTokenSession binds a session to userID. onExpired may be nil.
func NewTokenSession(signer *Signer, userID, token string, onExpired func(string), log zerolog.Logger) *TokenSession {
	return &TokenSession{
		signer:    signer,
		userID:    userID,
		token:     token,
		onExpired: onExpired,
		log:       log.With().Str("component", "token-session").Str("user_id", userID).Logger(),
	}
}

// SetToken replaces the token, e.g. after the client re-authenticated.
func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *TokenSession) CurrentUser(ctx context.Context) (core.User, error) {
	s.mu.Lock()
	token, userID := s.token, s.userID
	s.mu.Unlock()

	sub, err := s.signer.ValidateJWT(token)
	if err != nil || sub != userID {
		return core.User{}, core.ErrSessionExpired
	}
	return core.User{ID: sub}, nil
}

func (s *TokenSession) SessionValid(ctx context.Context) bool {
	_, err := s.CurrentUser(ctx)
	return err == nil
}

func (s *TokenSession) SessionExpired(preserved string) {
	s.log.Info().Bool("draft_preserved", preserved != "").Msg("session expired, re-authentication required")
	if s.onExpired != nil {
		s.onExpired(preserved)
	}
}
