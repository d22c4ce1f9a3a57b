package core

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReconcileWindow bounds how far apart an optimistic message and its
// confirmed copy may be stamped and still be treated as the same message.
const DefaultReconcileWindow = 10 * time.Second

type entry struct {
	msg Message
	seq uint64
}

// MessageStore is the ordered, deduplicated message list of the active thread.
//
// It holds optimistic and confirmed messages side by side. Confirmed messages
// arriving over the push channel or from a direct insert replace the matching
// optimistic entry. Applying the same confirmed message twice is a no-op.
// The mutex only guards the slice; no I/O ever happens while it is held.
type MessageStore struct {
	mu        sync.Mutex
	threadID  string
	window    time.Duration
	entries   []entry
	seen      map[string]struct{}
	seq       uint64
	listeners map[int]func()
	nextLis   int
	log       zerolog.Logger
}

// NewMessageStore creates an empty store. A zero window uses DefaultReconcileWindow.
func NewMessageStore(window time.Duration, log zerolog.Logger) *MessageStore {
	if window <= 0 {
		window = DefaultReconcileWindow
	}
	return &MessageStore{
		window:    window,
		seen:      make(map[string]struct{}),
		listeners: make(map[int]func()),
		log:       log.With().Str("component", "message-store").Logger(),
	}
}

// ThreadID returns the thread the store currently holds.
func (s *MessageStore) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Reset drops every message and scopes the store to threadID.
func (s *MessageStore) Reset(threadID string) {
	s.mu.Lock()
	s.threadID = threadID
	s.entries = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	s.log.Debug().Str("thread_id", threadID).Msg("store reset")
	s.notify()
}

// ApplyOptimistic appends a locally-originated message.
// It returns false when the message belongs to another thread.
func (s *MessageStore) ApplyOptimistic(m Optimistic) bool {
	s.mu.Lock()
	if m.ThreadID != s.threadID || s.threadID == "" {
		s.mu.Unlock()
		return false
	}
	s.insertLocked(m)
	s.mu.Unlock()

	s.notify()
	return true
}

// ApplyServerInsert reconciles a confirmed message into the store.
// It returns false when nothing changed.
func (s *MessageStore) ApplyServerInsert(m Confirmed) bool {
	s.mu.Lock()
	if m.ThreadID != s.threadID || s.threadID == "" {
		s.mu.Unlock()
		s.log.Debug().
			Str("thread_id", m.ThreadID).
			Str("message_id", m.ServerID).
			Msg("ignoring message for inactive thread")
		return false
	}
	if _, ok := s.seen[m.ServerID]; ok {
		s.mu.Unlock()
		return false
	}

	if i := s.matchOptimisticLocked(m.MessageFields); i >= 0 {
		s.removeAtLocked(i)
	}
	s.removeKeyLocked(m.Key())
	s.insertLocked(m)
	s.seen[m.ServerID] = struct{}{}
	s.mu.Unlock()

	s.notify()
	return true
}

// ApplyServerUpdate replaces the content of a confirmed message already in the store.
// Unknown messages are reconciled as inserts.
func (s *MessageStore) ApplyServerUpdate(m Confirmed) bool {
	s.mu.Lock()
	if m.ThreadID != s.threadID || s.threadID == "" {
		s.mu.Unlock()
		return false
	}
	idx := s.indexLocked(m.Key())
	if idx < 0 {
		s.mu.Unlock()
		return s.ApplyServerInsert(m)
	}
	s.entries[idx].msg = m
	s.sortLocked()
	s.mu.Unlock()

	s.notify()
	return true
}

// ApplyServerDelete removes a confirmed message. The id stays in the seen set
// so a late duplicate insert cannot resurrect it.
func (s *MessageStore) ApplyServerDelete(serverID string) bool {
	s.mu.Lock()
	removed := s.removeKeyLocked(Confirmed{ServerID: serverID}.Key())
	s.seen[serverID] = struct{}{}
	s.mu.Unlock()

	if removed {
		s.notify()
	}
	return removed
}

// RemoveOptimistic rolls back a local message. It is a no-op once the
// message has been replaced by its confirmed copy.
func (s *MessageStore) RemoveOptimistic(localID string) bool {
	s.mu.Lock()
	removed := s.removeKeyLocked(Optimistic{LocalID: localID}.Key())
	s.mu.Unlock()

	if removed {
		s.notify()
	}
	return removed
}

// Snapshot returns the messages ordered by created_at.
func (s *MessageStore) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Subscribe registers fn to run after every change. The returned func removes it.
func (s *MessageStore) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextLis
	s.nextLis++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *MessageStore) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *MessageStore) matchOptimisticLocked(f MessageFields) int {
	for i, e := range s.entries {
		opt, ok := e.msg.(Optimistic)
		if !ok {
			continue
		}
		if opt.Role != f.Role || opt.Content != f.Content {
			continue
		}
		if absDuration(opt.CreatedAt.Sub(f.CreatedAt)) <= s.window {
			return i
		}
	}
	return -1
}

func (s *MessageStore) insertLocked(m Message) {
	s.seq++
	s.entries = append(s.entries, entry{msg: m, seq: s.seq})
	s.sortLocked()
}

func (s *MessageStore) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		a, b := s.entries[i].msg.Fields().CreatedAt, s.entries[j].msg.Fields().CreatedAt
		if a.Equal(b) {
			return s.entries[i].seq < s.entries[j].seq
		}
		return a.Before(b)
	})
}

func (s *MessageStore) indexLocked(key string) int {
	for i, e := range s.entries {
		if e.msg.Key() == key {
			return i
		}
	}
	return -1
}

func (s *MessageStore) removeKeyLocked(key string) bool {
	removed := false
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.msg.Key() == key {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

func (s *MessageStore) removeAtLocked(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
