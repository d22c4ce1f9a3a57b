package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultFreeMessageLimit = 20
	DefaultQuotaCacheTTL    = 60 * time.Second
	defaultQuotaCacheSize   = 1024
)

// QuotaDecision is the outcome of a quota check.
type QuotaDecision struct {
	Blocked    bool
	Count      int
	Subscribed bool
}

// QuotaGate decides whether a user may send another message on the free tier.
// Reads go through a short TTL cache; a failed read never blocks the user.
type QuotaGate struct {
	store QuotaStore
	limit int
	cache *ttlCache
	log   zerolog.Logger

	mu          sync.Mutex
	preserved   string
	showPaywall bool
	lastCount   int
}

// NewQuotaGate builds a gate with the given free limit and cache TTL.
func NewQuotaGate(store QuotaStore, limit int, ttl time.Duration, log zerolog.Logger) (*QuotaGate, error) {
	if limit <= 0 {
		limit = DefaultFreeMessageLimit
	}
	if ttl <= 0 {
		ttl = DefaultQuotaCacheTTL
	}
	cache, err := newTTLCache(defaultQuotaCacheSize, ttl)
	if err != nil {
		return nil, err
	}
	return &QuotaGate{
		store: store,
		limit: limit,
		cache: cache,
		log:   log.With().Str("component", "quota-gate").Logger(),
	}, nil
}

// CheckLimit blocks the send when the free limit is reached without an active
// subscription. A blocked send preserves content and raises the paywall.
func (g *QuotaGate) CheckLimit(ctx context.Context, userID, content string) QuotaDecision {
	count, err := g.messageCount(ctx, userID)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("message count read failed, allowing send")
		return QuotaDecision{}
	}
	g.setLastCount(count)

	if count < g.limit {
		return QuotaDecision{Count: count}
	}

	subscribed, err := g.hasSubscription(ctx, userID)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("subscription read failed, allowing send")
		return QuotaDecision{Count: count}
	}
	if subscribed {
		return QuotaDecision{Count: count, Subscribed: true}
	}

	g.mu.Lock()
	g.preserved = content
	g.showPaywall = true
	g.mu.Unlock()

	g.log.Info().Str("user_id", userID).Int("count", count).Int("limit", g.limit).Msg("free message limit reached")
	return QuotaDecision{Blocked: true, Count: count}
}

// RecordSend increments the durable counter. On failure the cached count is
// bumped locally; the next read corrects any drift.
func (g *QuotaGate) RecordSend(ctx context.Context, userID string) {
	n, err := g.store.IncrementMessageCount(ctx, userID)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("message count increment failed")
		if v, ok := g.cache.get(countKey(userID)); ok {
			n = v.(int) + 1
		} else {
			g.mu.Lock()
			n = g.lastCount + 1
			g.mu.Unlock()
		}
	}
	g.cache.set(countKey(userID), n)
	g.setLastCount(n)
}

// Usage returns the last known message count and the free limit.
func (g *QuotaGate) Usage() (count, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCount, g.limit
}

// ShowPaywall reports whether the paywall should be displayed.
func (g *QuotaGate) ShowPaywall() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.showPaywall
}

// DismissPaywall hides the paywall; the preserved message is kept.
func (g *QuotaGate) DismissPaywall() {
	g.mu.Lock()
	g.showPaywall = false
	g.mu.Unlock()
}

// PreservedMessage returns the content kept for resubmission.
func (g *QuotaGate) PreservedMessage() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preserved
}

// TakePreserved returns and clears the preserved content.
func (g *QuotaGate) TakePreserved() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.preserved
	g.preserved = ""
	return p
}

// Invalidate drops cached reads for userID, e.g. after a checkout completes.
func (g *QuotaGate) Invalidate(userID string) {
	g.cache.remove(countKey(userID))
	g.cache.remove(subscriptionKey(userID))
}

func (g *QuotaGate) messageCount(ctx context.Context, userID string) (int, error) {
	if v, ok := g.cache.get(countKey(userID)); ok {
		return v.(int), nil
	}
	n, err := g.store.MessageCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	g.cache.set(countKey(userID), n)
	return n, nil
}

func (g *QuotaGate) hasSubscription(ctx context.Context, userID string) (bool, error) {
	if v, ok := g.cache.get(subscriptionKey(userID)); ok {
		return v.(bool), nil
	}
	active, err := g.store.HasActiveSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	g.cache.set(subscriptionKey(userID), active)
	return active, nil
}

func (g *QuotaGate) setLastCount(n int) {
	g.mu.Lock()
	g.lastCount = n
	g.mu.Unlock()
}

func countKey(userID string) string        { return "count:" + userID }
func subscriptionKey(userID string) string { return "sub:" + userID }
