package realtime

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/observability"
)

// ChannelStatus is the lifecycle position of a managed channel.
type ChannelStatus string

const (
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelConnected    ChannelStatus = "connected"
	ChannelClosed       ChannelStatus = "closed"
)

// ConnectionState is the health of one channel.
type ConnectionState struct {
	Status           ChannelStatus `json:"status"`
	IsConnected      bool          `json:"is_connected"`
	LastConnected    time.Time     `json:"last_connected,omitempty"`
	LastDisconnected time.Time     `json:"last_disconnected,omitempty"`
	RetryCount       int           `json:"retry_count"`
	FallbackPolling  bool          `json:"fallback_polling"`
}

// Handlers receive a channel's events. Nil handlers are skipped.
type Handlers struct {
	OnInsert func(Event)
	OnUpdate func(Event)
	OnDelete func(Event)
	OnState  func(ConnectionState)
}

type channel struct {
	name        string
	filter      Filter
	handlers    Handlers
	state       ConnectionState
	unsubscribe func()
	timer       Timer
	gen         uint64
	closed      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithBackoff replaces DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b.withDefaults() }
}

// WithJitter replaces the uniform [0,1) jitter source.
func WithJitter(fn func() float64) Option {
	return func(m *Manager) { m.jitter = fn }
}

// Manager owns one push subscription per logical channel and keeps it alive
// with exponential backoff. It never mutates messages; it only delivers events.
// Reconnection errors are logged and folded into the next retry.
type Manager struct {
	push    PushClient
	clock   Clock
	backoff Backoff
	jitter  func() float64
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

// NewManager creates the process-wide connection manager.
func NewManager(push PushClient, log zerolog.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		push:     push,
		clock:    SystemClock(),
		backoff:  DefaultBackoff(),
		jitter:   rand.Float64,
		log:      log.With().Str("component", "realtime-manager").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe opens channel name for filter. An existing channel with the same
// name is torn down first.
func (m *Manager) Subscribe(name string, filter Filter, h Handlers) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.log.Warn().Str("channel", name).Msg("subscribe after close ignored")
		return
	}
	old := m.channels[name]
	ch := &channel{
		name:     name,
		filter:   filter,
		handlers: h,
		state:    ConnectionState{Status: ChannelDisconnected},
	}
	m.channels[name] = ch
	m.mu.Unlock()

	if old != nil {
		m.closeChannel(old)
	}
	m.connect(ch)
}

// State returns the connection state of channel name.
func (m *Manager) State(name string) (ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return ConnectionState{Status: ChannelClosed}, false
	}
	return ch.state, true
}

// ForceReconnect resets the retry state of name and reconnects immediately,
// e.g. after the host returns from sleep.
func (m *Manager) ForceReconnect(name string) {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok || ch.closed {
		m.mu.Unlock()
		return
	}
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	ch.state.RetryCount = 0
	m.mu.Unlock()

	m.log.Info().Str("channel", name).Msg("forcing reconnect")
	m.connect(ch)
}

// Teardown removes channel name and its pending retry. Safe to call repeatedly.
func (m *Manager) Teardown(name string) {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if ok {
		delete(m.channels, name)
	}
	m.mu.Unlock()

	if ok {
		m.closeChannel(ch)
	}
}

// Close tears down every channel. Safe to call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	chs := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.channels = make(map[string]*channel)
	m.mu.Unlock()

	for _, ch := range chs {
		m.closeChannel(ch)
	}
	m.cancel()
	m.log.Info().Msg("realtime manager closed")
}

func (m *Manager) closeChannel(ch *channel) {
	m.mu.Lock()
	if ch.closed {
		m.mu.Unlock()
		return
	}
	ch.closed = true
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	if ch.state.FallbackPolling {
		observability.FallbackChannels.Dec()
	}
	ch.state.Status = ChannelClosed
	ch.state.IsConnected = false
	unsub := ch.unsubscribe
	ch.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.log.Debug().Str("channel", ch.name).Msg("channel torn down")
}

func (m *Manager) connect(ch *channel) {
	m.mu.Lock()
	if ch.closed {
		m.mu.Unlock()
		return
	}
	ch.gen++
	gen := ch.gen
	prev := ch.unsubscribe
	ch.unsubscribe = nil
	ch.state.Status = ChannelConnecting
	m.mu.Unlock()

	if prev != nil {
		prev()
	}

	unsub, err := m.push.Subscribe(m.ctx, ch.name, ch.filter,
		func(ev Event) { m.dispatch(ch, gen, ev) },
		func(st Status, err error) { m.handleStatus(ch, gen, st, err) },
	)
	if err != nil {
		m.log.Warn().Err(err).Str("channel", ch.name).Msg("subscribe failed")
		m.handleStatus(ch, gen, StatusChannelError, err)
		return
	}

	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		unsub()
		return
	}
	ch.unsubscribe = unsub
	m.mu.Unlock()
}

func (m *Manager) handleStatus(ch *channel, gen uint64, st Status, err error) {
	observability.ChannelStatus.WithLabelValues(string(st)).Inc()

	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	switch st {
	case StatusSubscribed:
		if ch.timer != nil {
			ch.timer.Stop()
			ch.timer = nil
		}
		if ch.state.FallbackPolling {
			observability.FallbackChannels.Dec()
		}
		ch.state.Status = ChannelConnected
		ch.state.IsConnected = true
		ch.state.LastConnected = now
		ch.state.RetryCount = 0
		ch.state.FallbackPolling = false
		m.log.Info().Str("channel", ch.name).Msg("channel connected")

	case StatusClosed, StatusTimedOut, StatusChannelError:
		if ch.timer != nil {
			// A retry is already pending for this attempt.
			m.mu.Unlock()
			return
		}
		ch.state.Status = ChannelDisconnected
		ch.state.IsConnected = false
		ch.state.LastDisconnected = now

		delay := m.backoff.Delay(ch.state.RetryCount, m.jitter())
		ch.state.RetryCount++
		if ch.state.RetryCount >= m.backoff.FallbackAfter && !ch.state.FallbackPolling {
			ch.state.FallbackPolling = true
			observability.FallbackChannels.Inc()
			m.log.Warn().Str("channel", ch.name).Int("retry_count", ch.state.RetryCount).Msg("push unreliable, enabling fallback polling")
		}
		ch.timer = m.clock.AfterFunc(delay, func() { m.retry(ch, gen) })
		observability.ReconnectAttempts.Inc()

		m.log.Warn().
			Err(err).
			Str("channel", ch.name).
			Str("status", string(st)).
			Int("retry_count", ch.state.RetryCount).
			Dur("retry_delay", delay).
			Msg("channel disconnected, scheduling reconnect")

	default:
		m.mu.Unlock()
		return
	}

	state := ch.state
	onState := ch.handlers.OnState
	m.mu.Unlock()

	if onState != nil {
		onState(state)
	}
}

func (m *Manager) retry(ch *channel, gen uint64) {
	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		return
	}
	ch.timer = nil
	m.mu.Unlock()

	m.connect(ch)
}

func (m *Manager) dispatch(ch *channel, gen uint64, ev Event) {
	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		return
	}
	h := ch.handlers
	m.mu.Unlock()

	observability.PushEvents.WithLabelValues(string(ev.Type)).Inc()

	var fn func(Event)
	switch ev.Type {
	case EventInsert:
		fn = h.OnInsert
	case EventUpdate:
		fn = h.OnUpdate
	case EventDelete:
		fn = h.OnDelete
	default:
		m.log.Debug().Str("channel", ch.name).Str("type", string(ev.Type)).Msg("unknown event type")
	}
	if fn != nil {
		fn(ev)
	}
}
