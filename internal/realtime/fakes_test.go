package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and fires due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the delays of timers that have neither fired nor stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

type fakeSub struct {
	channel      string
	filter       Filter
	onEvent      func(Event)
	onStatus     func(Status, error)
	unsubscribed int
}

type fakePush struct {
	mu      sync.Mutex
	subs    []*fakeSub
	failErr error
}

func (p *fakePush) Subscribe(ctx context.Context, channel string, filter Filter, onEvent func(Event), onStatus func(Status, error)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return nil, p.failErr
	}
	s := &fakeSub{channel: channel, filter: filter, onEvent: onEvent, onStatus: onStatus}
	p.subs = append(p.subs, s)
	return func() {
		p.mu.Lock()
		s.unsubscribed++
		p.mu.Unlock()
	}, nil
}

func (p *fakePush) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *fakePush) sub(i int) *fakeSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[i]
}

func (p *fakePush) last() *fakeSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[len(p.subs)-1]
}

func (p *fakePush) setFail(err error) {
	p.mu.Lock()
	p.failErr = err
	p.mu.Unlock()
}

func (p *fakePush) unsubscribedCount(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[i].unsubscribed
}
