package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gwi.com/study-assistant/internal/realtime"
)

type fakeDurable struct {
	mu        sync.Mutex
	threads   map[string]Thread
	messages  map[string][]Confirmed
	next      int
	last      time.Time
	insertErr map[Role]error
	onInsert  func(Confirmed)
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		threads:   make(map[string]Thread),
		messages:  make(map[string][]Confirmed),
		insertErr: make(map[Role]error),
	}
}

func (d *fakeDurable) addThread(t Thread) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threads[t.ID] = t
}

func (d *fakeDurable) failInserts(role Role, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertErr[role] = err
}

func (d *fakeDurable) InsertMessage(ctx context.Context, threadID string, role Role, content, userID string) (Confirmed, error) {
	d.mu.Lock()
	if err := d.insertErr[role]; err != nil {
		d.mu.Unlock()
		return Confirmed{}, err
	}
	now := time.Now()
	if !now.After(d.last) {
		now = d.last.Add(time.Microsecond)
	}
	d.last = now
	d.next++
	m := Confirmed{
		ServerID: fmt.Sprintf("srv-%d", d.next),
		MessageFields: MessageFields{
			ThreadID:  threadID,
			Role:      role,
			Content:   content,
			UserID:    userID,
			CreatedAt: now,
		},
	}
	d.messages[threadID] = append(d.messages[threadID], m)
	hook := d.onInsert
	d.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (d *fakeDurable) UpdateThreadTitle(ctx context.Context, threadID, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	t.Title = title
	d.threads[threadID] = t
	return nil
}

func (d *fakeDurable) FetchMessages(ctx context.Context, threadID string) ([]Confirmed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Confirmed(nil), d.messages[threadID]...), nil
}

func (d *fakeDurable) GetThread(ctx context.Context, threadID string) (Thread, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[threadID]
	if !ok {
		return Thread{}, ErrThreadNotFound
	}
	return t, nil
}

func (d *fakeDurable) thread(id string) Thread {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threads[id]
}

func (d *fakeDurable) stored(threadID string) []Confirmed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Confirmed(nil), d.messages[threadID]...)
}

type fakeProvider struct {
	mu         sync.Mutex
	respond    func(ctx context.Context, prompt string, history []Turn) (string, error)
	title      func(ctx context.Context, first string) (string, error)
	respCalls  int
	titleCalls int
	histories  [][]Turn
}

func (p *fakeProvider) GenerateResponse(ctx context.Context, prompt string, history []Turn) (string, error) {
	p.mu.Lock()
	p.respCalls++
	p.histories = append(p.histories, history)
	fn := p.respond
	p.mu.Unlock()
	if fn == nil {
		return "answer to " + prompt, nil
	}
	return fn(ctx, prompt, history)
}

func (p *fakeProvider) GenerateThreadTitle(ctx context.Context, first string) (string, error) {
	p.mu.Lock()
	p.titleCalls++
	fn := p.title
	p.mu.Unlock()
	if fn == nil {
		return `"Title: ` + first + `"`, nil
	}
	return fn(ctx, first)
}

func (p *fakeProvider) calls() (respond, title int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.respCalls, p.titleCalls
}

type fakeAuth struct {
	mu      sync.Mutex
	userID  string
	valid   bool
	expired []string
}

func (a *fakeAuth) CurrentUser(ctx context.Context) (User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid {
		return User{}, ErrSessionExpired
	}
	return User{ID: a.userID}, nil
}

func (a *fakeAuth) SessionValid(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid
}

func (a *fakeAuth) setValid(valid bool) {
	a.mu.Lock()
	a.valid = valid
	a.mu.Unlock()
}

func (a *fakeAuth) SessionExpired(preserved string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expired = append(a.expired, preserved)
}

type fakeQuotaStore struct {
	mu         sync.Mutex
	count      int
	subscribed bool
	countErr   error
	incErr     error
	countReads int
}

func (q *fakeQuotaStore) MessageCount(ctx context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.countReads++
	return q.count, q.countErr
}

func (q *fakeQuotaStore) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.subscribed, nil
}

func (q *fakeQuotaStore) IncrementMessageCount(ctx context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.incErr != nil {
		return 0, q.incErr
	}
	q.count++
	return q.count, nil
}

func (q *fakeQuotaStore) setCount(n int) {
	q.mu.Lock()
	q.count = n
	q.mu.Unlock()
}

func (q *fakeQuotaStore) current() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

type fakeChannels struct {
	mu          sync.Mutex
	subscribed  []string
	torndown    []string
	reconnected []string
	handlers    map[string]realtime.Handlers
	fallback    bool
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{handlers: make(map[string]realtime.Handlers)}
}

func (c *fakeChannels) Subscribe(name string, filter realtime.Filter, h realtime.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, name)
	c.handlers[name] = h
}

func (c *fakeChannels) Teardown(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.torndown = append(c.torndown, name)
	delete(c.handlers, name)
}

func (c *fakeChannels) ForceReconnect(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnected = append(c.reconnected, name)
}

func (c *fakeChannels) State(name string) (realtime.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[name]; !ok {
		return realtime.ConnectionState{Status: realtime.ChannelClosed}, false
	}
	return realtime.ConnectionState{
		Status:          realtime.ChannelConnected,
		IsConnected:     !c.fallback,
		FallbackPolling: c.fallback,
	}, true
}

func (c *fakeChannels) setFallback(on bool) {
	c.mu.Lock()
	c.fallback = on
	c.mu.Unlock()
}

func (c *fakeChannels) handler(name string) (realtime.Handlers, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[name]
	return h, ok
}

var errBoom = errors.New("boom")
