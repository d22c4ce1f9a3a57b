package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/auth"
	"gwi.com/study-assistant/internal/core"
	"gwi.com/study-assistant/internal/store"
)

type contextKey string

const (
	userIDKey  contextKey = "userID"
	tokenKey   contextKey = "token"
	expiredKey contextKey = "expired"

	billingSecretHeader = "X-Billing-Secret"
)

// Repository is the account and thread storage the handlers need.
type Repository interface {
	GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error)
	CreateUser(ctx context.Context, externalUserID, passwordHash string) (*store.User, error)
	CreateThread(ctx context.Context, userID, title string) (core.Thread, error)
	ListThreads(ctx context.Context, userID string) ([]core.Thread, error)
	GetThread(ctx context.Context, threadID string) (core.Thread, error)
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	UpsertSubscription(ctx context.Context, sub store.Subscription) error
}

type APIHandler struct {
	repo          Repository
	signer        *auth.Signer
	sessions      *Sessions
	billingSecret string
	log           zerolog.Logger
}

// NewAPIHandler builds the handlers. An empty billingSecret disables the
// billing webhook.
func NewAPIHandler(repo Repository, signer *auth.Signer, sessions *Sessions, billingSecret string, log zerolog.Logger) *APIHandler {
	return &APIHandler{
		repo:          repo,
		signer:        signer,
		sessions:      sessions,
		billingSecret: billingSecret,
		log:           log.With().Str("component", "api").Logger(),
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return h.jwtAuth(next, false)
}

// SendAuthMiddleware also admits tokens that are correctly signed but expired.
// The send path then rejects the message itself and keeps it as a draft.
func (h *APIHandler) SendAuthMiddleware(next http.Handler) http.Handler {
	return h.jwtAuth(next, true)
}

func (h *APIHandler) jwtAuth(next http.Handler, allowExpired bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		userID, err := h.signer.ValidateJWT(tokenString)
		expired := false
		if allowExpired && errors.Is(err, auth.ErrTokenExpired) {
			userID, err = h.signer.ExpiredSubject(tokenString)
			expired = err == nil
		}
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, tokenKey, tokenString)
		ctx = context.WithValue(ctx, expiredKey, expired)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.sessions.Len()})
}

type SignupRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	existing, err := h.repo.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("external_user_id", req.UserID).Msg("failed to look up user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		http.Error(w, "User already exists", http.StatusConflict)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error().Err(err).Str("external_user_id", req.UserID).Msg("failed to hash password")
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.repo.CreateUser(r.Context(), req.UserID, hashedPassword)
	if err != nil {
		h.log.Error().Err(err).Str("external_user_id", req.UserID).Msg("failed to create user")
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type LoginRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Password == "" {
		http.Error(w, "User ID and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.repo.GetUserByExternalID(r.Context(), req.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("external_user_id", req.UserID).Msg("failed to get user")
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.signer.GenerateJWT(user.ID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to generate JWT")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type CreateThreadRequest struct {
	Title string `json:"title,omitempty"`
}

func (h *APIHandler) CreateThreadHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	var req CreateThreadRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	thread, err := h.repo.CreateThread(r.Context(), userID, req.Title)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to create thread")
		http.Error(w, "Failed to create thread", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (h *APIHandler) ListThreadsHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	threads, err := h.repo.ListThreads(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to list threads")
		http.Error(w, "Failed to list threads", http.StatusInternalServerError)
		return
	}
	if threads == nil {
		threads = []core.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (h *APIHandler) OpenThreadHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatFor(w, r)
	if !ok {
		return
	}
	threadID := chi.URLParam(r, "threadID")
	if !h.ownsThread(w, r, threadID) {
		return
	}

	if err := chat.OpenThread(r.Context(), threadID); err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("failed to open thread")
		http.Error(w, "Failed to open thread", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chat.View())
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

type PostMessageResponse struct {
	Message *core.Optimistic `json:"message,omitempty"`
	View    core.View        `json:"view"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatFor(w, r)
	if !ok {
		return
	}
	threadID := chi.URLParam(r, "threadID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if expired, _ := r.Context().Value(expiredKey).(bool); expired {
		h.expiredSend(w, r, chat, threadID, req.Content)
		return
	}

	if !chat.IsActive(threadID) {
		if !h.ownsThread(w, r, threadID) {
			return
		}
		if err := chat.OpenThread(r.Context(), threadID); err != nil {
			h.log.Error().Err(err).Str("thread_id", threadID).Msg("failed to open thread")
			http.Error(w, "Failed to open thread", http.StatusInternalServerError)
			return
		}
	}

	opt, err := chat.Submit(r.Context(), req.Content)
	if opt == nil {
		writeJSON(w, rejectionStatus(err), PostMessageResponse{View: chat.View()})
		return
	}
	writeJSON(w, http.StatusAccepted, PostMessageResponse{Message: opt, View: chat.View()})
}

type ExpiredSessionResponse struct {
	Error            string `json:"error"`
	PreservedMessage string `json:"preserved_message,omitempty"`
}

// expiredSend keeps the message of a sender whose session ran out. Nothing but
// the draft is returned until they sign in again.
func (h *APIHandler) expiredSend(w http.ResponseWriter, r *http.Request, chat *core.ChatService, threadID, content string) {
	if !h.ownsThread(w, r, threadID) {
		return
	}
	if chat.IsActive(threadID) {
		// The session check rejects the send and keeps the draft.
		chat.Submit(r.Context(), content)
	} else if strings.TrimSpace(content) != "" {
		chat.PreserveDraft(content)
	}
	writeJSON(w, http.StatusUnauthorized, ExpiredSessionResponse{
		Error:            core.ErrSessionExpired.Error(),
		PreservedMessage: chat.PreservedMessage(),
	})
}

func (h *APIHandler) CloseThreadHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatFor(w, r)
	if !ok {
		return
	}
	threadID := chi.URLParam(r, "threadID")
	if !chat.CloseThread(threadID) {
		http.Error(w, "Thread is not active", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	messageID := chi.URLParam(r, "messageID")
	if !h.ownsThread(w, r, threadID) {
		return
	}

	if err := h.repo.DeleteMessage(r.Context(), threadID, messageID); err != nil {
		if errors.Is(err, core.ErrMessageNotFound) {
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("thread_id", threadID).Str("message_id", messageID).Msg("failed to delete message")
		http.Error(w, "Failed to delete message", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chat.View())
}

func (h *APIHandler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatFor(w, r)
	if !ok {
		return
	}
	if err := chat.Resume(r.Context()); err != nil {
		if errors.Is(err, core.ErrNoActiveThread) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.log.Error().Err(err).Msg("failed to resume")
		http.Error(w, "Failed to resume", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chat.View())
}

func (h *APIHandler) DismissPaywallHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatFor(w, r)
	if !ok {
		return
	}
	chat.DismissPaywall()
	w.WriteHeader(http.StatusNoContent)
}

// TakeDraftHandler returns the preserved draft and clears it.
func (h *APIHandler) TakeDraftHandler(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": chat.TakePreserved()})
}

type SubscriptionRequest struct {
	UserID           string    `json:"user_id"`
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// SubscriptionWebhookHandler records a subscription change reported by the
// billing provider.
func (h *APIHandler) SubscriptionWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.billingSecret == "" {
		http.NotFound(w, r)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(billingSecretHeader)), []byte(h.billingSecret)) != 1 {
		http.Error(w, "Invalid billing secret", http.StatusUnauthorized)
		return
	}

	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Status == "" {
		http.Error(w, "User ID and status are required", http.StatusBadRequest)
		return
	}

	sub := store.Subscription{UserID: req.UserID, Status: req.Status, CurrentPeriodEnd: req.CurrentPeriodEnd}
	if err := h.repo.UpsertSubscription(r.Context(), sub); err != nil {
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("failed to record subscription")
		http.Error(w, "Failed to record subscription", http.StatusInternalServerError)
		return
	}
	h.sessions.InvalidateQuota(req.UserID)
	h.log.Info().Str("user_id", req.UserID).Str("status", req.Status).Msg("subscription updated")
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) chatFor(w http.ResponseWriter, r *http.Request) (*core.ChatService, bool) {
	userID := userIDFrom(r)
	token, _ := r.Context().Value(tokenKey).(string)

	chat, err := h.sessions.Get(userID, token)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to start chat session")
		http.Error(w, "Failed to start chat session", http.StatusInternalServerError)
		return nil, false
	}
	return chat, true
}

func (h *APIHandler) ownsThread(w http.ResponseWriter, r *http.Request, threadID string) bool {
	thread, err := h.repo.GetThread(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, core.ErrThreadNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return false
		}
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("failed to get thread")
		http.Error(w, "Failed to get thread", http.StatusInternalServerError)
		return false
	}
	if thread.OwnerID != userIDFrom(r) {
		http.Error(w, "Thread not found", http.StatusNotFound)
		return false
	}
	return true
}

func rejectionStatus(err error) int {
	switch core.Classify(err) {
	case core.KindAuth:
		return http.StatusUnauthorized
	case core.KindQuota:
		return http.StatusPaymentRequired
	case core.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
