package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/study-assistant/internal/realtime"
)

type chatEnv struct {
	chat     *ChatService
	durable  *fakeDurable
	provider *fakeProvider
	auth     *fakeAuth
	quota    *fakeQuotaStore
	channels *fakeChannels

	mu     sync.Mutex
	states []string
}

func newChatEnv(t *testing.T) *chatEnv {
	t.Helper()
	env := &chatEnv{
		durable:  newFakeDurable(),
		provider: &fakeProvider{},
		auth:     &fakeAuth{userID: "u1", valid: true},
		quota:    &fakeQuotaStore{},
		channels: newFakeChannels(),
	}
	env.durable.addThread(Thread{ID: "t1", Title: SentinelTitle, OwnerID: "u1"})
	env.durable.addThread(Thread{ID: "t2", Title: "Chemistry", OwnerID: "u1"})

	gate, err := NewQuotaGate(env.quota, 20, time.Minute, zerolog.Nop())
	require.NoError(t, err)

	env.chat = NewChatService(ChatDeps{
		ClientID: "client-1",
		Durable:  env.durable,
		Channels: env.channels,
		Auth:     env.auth,
		Quota:    gate,
		Runner: NewTaskRunner(env.provider, RunnerConfig{
			ResponseTimeout: time.Second,
			TitleTimeout:    time.Second,
			RetryDelay:      -1,
		}, zerolog.Nop()),
		PollInterval: 10 * time.Millisecond,
		OnTransition: func(s SendState) {
			env.mu.Lock()
			env.states = append(env.states, s.Name())
			env.mu.Unlock()
		},
	}, zerolog.Nop())
	t.Cleanup(env.chat.Close)
	return env
}

func (e *chatEnv) transitions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.states...)
}

func (e *chatEnv) open(t *testing.T, threadID string) {
	t.Helper()
	require.NoError(t, e.chat.OpenThread(context.Background(), threadID))
}

func (e *chatEnv) settled(t *testing.T) Settled {
	t.Helper()
	s, ok := e.chat.Orchestrator().LastState().(Settled)
	require.True(t, ok, "send should be settled")
	return s
}

func TestSendHappyPath(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")

	opt := env.chat.SendMessage(context.Background(), "What is osmosis?")
	require.NotNil(t, opt)
	assert.Equal(t, "t1", opt.ThreadID)
	assert.Equal(t, RoleUser, opt.Role)
	assert.Equal(t, "u1", opt.UserID)

	env.chat.Orchestrator().Wait()

	snap := env.chat.Store().Snapshot()
	require.Len(t, snap, 2)
	for _, m := range snap {
		_, ok := m.(Confirmed)
		assert.True(t, ok, "no optimistic message remains")
	}
	assert.Equal(t, RoleUser, snap[0].Fields().Role)
	assert.Equal(t, "answer to What is osmosis?", snap[1].Fields().Content)

	assert.Equal(t, "Title: What is osmosis?", env.durable.thread("t1").Title)
	active, _ := env.chat.ActiveThread()
	assert.Equal(t, "Title: What is osmosis?", active.Title)

	settled := env.settled(t)
	assert.Equal(t, OutcomeSuccess, settled.Outcome)
	assert.Equal(t, TaskSucceeded, settled.Title)
	assert.Equal(t, 1, env.quota.current())
	assert.False(t, env.chat.Orchestrator().IsGenerating())
	assert.False(t, env.chat.Orchestrator().IsTitleGenerating())

	assert.Equal(t, []string{"validating", "quota-check", "persisting-user-msg", "generating", "settled"}, env.transitions())
}

func TestSendHistoryExcludesOwnMessage(t *testing.T) {
	env := newChatEnv(t)
	_, err := env.durable.InsertMessage(context.Background(), "t2", RoleUser, "earlier question", "u1")
	require.NoError(t, err)
	_, err = env.durable.InsertMessage(context.Background(), "t2", RoleAssistant, "earlier answer", "u1")
	require.NoError(t, err)
	env.open(t, "t2")

	require.NotNil(t, env.chat.SendMessage(context.Background(), "follow up"))
	env.chat.Orchestrator().Wait()

	require.Len(t, env.provider.histories, 1)
	assert.Equal(t, []Turn{
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
	}, env.provider.histories[0])

	_, titles := env.provider.calls()
	assert.Zero(t, titles, "titled thread past its first message keeps its title")
	assert.Equal(t, "Chemistry", env.durable.thread("t2").Title)
}

func TestSendPersistFailureRollsBack(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")
	env.durable.failInserts(RoleUser, errBoom)

	require.NotNil(t, env.chat.SendMessage(context.Background(), "hello"))
	env.chat.Orchestrator().Wait()

	assert.Empty(t, env.chat.Store().Snapshot())
	respond, titles := env.provider.calls()
	assert.Zero(t, respond)
	assert.Zero(t, titles)

	settled := env.settled(t)
	assert.Equal(t, OutcomeRollback, settled.Outcome)
	assert.ErrorIs(t, settled.Err, errBoom)

	view := env.chat.View()
	require.NotNil(t, view.Notice)
	assert.Equal(t, NoticeError, view.Notice.Level)
	assert.True(t, view.Notice.Retryable)
	assert.False(t, view.IsGenerating)
	assert.Zero(t, env.quota.current(), "rejected sends are not counted")
}

func TestSendResponseFailureKeepsUserMessage(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")
	env.provider.respond = func(context.Context, string, []Turn) (string, error) { return "", errBoom }

	require.NotNil(t, env.chat.SendMessage(context.Background(), "hello"))
	env.chat.Orchestrator().Wait()

	snap := env.chat.Store().Snapshot()
	require.Len(t, snap, 1)
	_, ok := snap[0].(Confirmed)
	assert.True(t, ok, "persisted user message stays")
	assert.Len(t, env.durable.stored("t1"), 1)

	settled := env.settled(t)
	assert.Equal(t, OutcomeRollback, settled.Outcome)
	assert.Equal(t, TaskSucceeded, settled.Title, "title runs independently of the response")
	assert.True(t, env.chat.View().Notice.Retryable)
	assert.False(t, env.chat.Orchestrator().IsGenerating())
	assert.False(t, env.chat.Orchestrator().IsTitleGenerating())
}

func TestGeneratingClearsBeforeTitleSettles(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")

	release := make(chan struct{})
	env.provider.title = func(context.Context, string) (string, error) {
		<-release
		return "Osmosis", nil
	}

	require.NotNil(t, env.chat.SendMessage(context.Background(), "What is osmosis?"))
	require.Eventually(t, func() bool {
		return !env.chat.Orchestrator().IsGenerating()
	}, time.Second, 5*time.Millisecond)

	assert.True(t, env.chat.Orchestrator().IsTitleGenerating())
	view := env.chat.View()
	assert.False(t, view.IsGenerating)
	assert.True(t, view.IsTitleGenerating)
	assert.Len(t, view.Messages, 2, "the reply is shown while the title is pending")

	close(release)
	env.chat.Orchestrator().Wait()
	assert.False(t, env.chat.Orchestrator().IsTitleGenerating())
	assert.Equal(t, "Osmosis", env.durable.thread("t1").Title)
}

func TestGeneratingFlagsFollowActiveThread(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")

	started := make(chan struct{})
	release := make(chan struct{})
	env.provider.respond = func(context.Context, string, []Turn) (string, error) {
		close(started)
		<-release
		return "slow answer", nil
	}

	require.NotNil(t, env.chat.SendMessage(context.Background(), "question"))
	<-started
	assert.True(t, env.chat.View().IsGenerating)

	env.open(t, "t2")
	assert.False(t, env.chat.View().IsGenerating, "another thread's send does not mark this one busy")

	env.open(t, "t1")
	assert.True(t, env.chat.View().IsGenerating)

	close(release)
	env.chat.Orchestrator().Wait()
	assert.False(t, env.chat.View().IsGenerating)
}

func TestSendTitleFailureIsNotFatal(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")
	env.provider.title = func(context.Context, string) (string, error) { return "", errBoom }

	require.NotNil(t, env.chat.SendMessage(context.Background(), "hello"))
	env.chat.Orchestrator().Wait()

	settled := env.settled(t)
	assert.Equal(t, OutcomeSuccess, settled.Outcome)
	assert.Equal(t, TaskFailed, settled.Title)
	assert.Equal(t, SentinelTitle, env.durable.thread("t1").Title)
	assert.Len(t, env.chat.Store().Snapshot(), 2)
	assert.Nil(t, env.chat.View().Notice)
}

func TestSendBlockedByQuota(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")
	env.quota.setCount(20)

	opt, err := env.chat.Submit(context.Background(), "one more")
	assert.Nil(t, opt)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	assert.Empty(t, env.chat.Store().Snapshot())
	assert.Empty(t, env.durable.stored("t1"))

	view := env.chat.View()
	assert.True(t, view.ShowPaywall)
	assert.Equal(t, "one more", view.PreservedMessage)
	assert.Equal(t, 20, view.MessageCount)
	assert.Equal(t, 20, view.MessageLimit)

	env.chat.DismissPaywall()
	assert.False(t, env.chat.View().ShowPaywall)
	assert.Equal(t, "one more", env.chat.TakePreserved())
	assert.Empty(t, env.chat.View().PreservedMessage)
}

func TestSendWithExpiredSession(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")
	env.auth.valid = false

	opt, err := env.chat.Submit(context.Background(), "draft answer")
	assert.Nil(t, opt)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, []string{"draft answer"}, env.auth.expired)
	assert.Empty(t, env.chat.Store().Snapshot())

	view := env.chat.View()
	assert.Equal(t, "draft answer", view.PreservedMessage)
	require.NotNil(t, view.Notice)
	assert.Equal(t, KindAuth.String(), view.Notice.Kind)

	assert.Equal(t, "draft answer", env.chat.TakePreserved())
	assert.Empty(t, env.chat.TakePreserved())
}

func TestPreservedDraftKeepsNewestAndClearsOnSend(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")
	ctx := context.Background()

	env.auth.setValid(false)
	_, err := env.chat.Submit(ctx, "draft a")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, "draft a", env.chat.View().PreservedMessage)

	env.auth.setValid(true)
	env.quota.setCount(20)
	_, err = env.chat.Submit(ctx, "draft b")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, "draft b", env.chat.View().PreservedMessage, "the newer draft wins")

	env.quota.setCount(0)
	env.chat.quota.Invalidate("u1")
	require.NotNil(t, env.chat.SendMessage(ctx, "draft b"))
	env.chat.Orchestrator().Wait()

	assert.Empty(t, env.chat.View().PreservedMessage)
	assert.Empty(t, env.chat.quota.PreservedMessage())
	assert.Equal(t, OutcomeSuccess, env.settled(t).Outcome)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	env := newChatEnv(t)

	_, err := env.chat.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoActiveThread)

	env.open(t, "t1")
	_, err = env.chat.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, env.durable.stored("t1"))
}

func TestThreadSwitchDiscardsLateResults(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")

	started := make(chan struct{})
	release := make(chan struct{})
	env.provider.respond = func(context.Context, string, []Turn) (string, error) {
		close(started)
		<-release
		return "late answer", nil
	}

	require.NotNil(t, env.chat.SendMessage(context.Background(), "question"))
	<-started

	env.open(t, "t2")
	close(release)
	env.chat.Orchestrator().Wait()

	for _, m := range env.chat.Store().Snapshot() {
		assert.Equal(t, "t2", m.Fields().ThreadID)
	}
	active, _ := env.chat.ActiveThread()
	assert.Equal(t, "Chemistry", active.Title, "title of the old thread must not leak")

	stored := env.durable.stored("t1")
	require.Len(t, stored, 2, "the old thread still receives its reply durably")
	assert.Equal(t, "late answer", stored[1].Content)
	assert.Contains(t, env.channels.torndown, "thread:t1:client-1")
}

func TestPushEventsReconcile(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")

	h, ok := env.channels.handler("thread:t1:client-1")
	require.True(t, ok)

	m := confirmed("push-1", "t1", RoleAssistant, "pushed", time.Now())
	row, err := json.Marshal(m)
	require.NoError(t, err)

	h.OnInsert(realtime.Event{Type: realtime.EventInsert, New: row})
	h.OnInsert(realtime.Event{Type: realtime.EventInsert, New: row})
	require.Len(t, env.chat.Store().Snapshot(), 1)

	m.Content = "edited"
	row, err = json.Marshal(m)
	require.NoError(t, err)
	h.OnUpdate(realtime.Event{Type: realtime.EventUpdate, New: row})
	assert.Equal(t, "edited", env.chat.Store().Snapshot()[0].Fields().Content)

	h.OnDelete(realtime.Event{Type: realtime.EventDelete, Old: row})
	assert.Empty(t, env.chat.Store().Snapshot())

	h.OnInsert(realtime.Event{Type: realtime.EventInsert, New: []byte("{not json")})
	assert.Empty(t, env.chat.Store().Snapshot())
}

func TestPushAndDirectInsertDoNotDuplicate(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")

	env.durable.onInsert = func(m Confirmed) {
		h, ok := env.channels.handler("thread:t1:client-1")
		if !ok {
			return
		}
		row, _ := json.Marshal(m)
		h.OnInsert(realtime.Event{Type: realtime.EventInsert, New: row})
	}

	require.NotNil(t, env.chat.SendMessage(context.Background(), "hello"))
	env.chat.Orchestrator().Wait()

	assert.Len(t, env.chat.Store().Snapshot(), 2)
}

func TestReconnectRefreshesMissedMessages(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")

	h, ok := env.channels.handler("thread:t1:client-1")
	require.True(t, ok)

	_, err := env.durable.InsertMessage(context.Background(), "t1", RoleAssistant, "pushed while down", "u1")
	require.NoError(t, err)

	h.OnState(realtime.ConnectionState{Status: realtime.ChannelConnected, IsConnected: true})
	assert.Empty(t, env.chat.Store().Snapshot(), "a first connect does not refetch")

	h.OnState(realtime.ConnectionState{Status: realtime.ChannelDisconnected, RetryCount: 1})
	h.OnState(realtime.ConnectionState{Status: realtime.ChannelConnected, IsConnected: true})
	snap := env.chat.Store().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "pushed while down", snap[0].Fields().Content)
}

func TestFallbackPollingRefreshes(t *testing.T) {
	env := newChatEnv(t)
	env.open(t, "t1")
	env.chat.Start(context.Background())

	_, err := env.durable.InsertMessage(context.Background(), "t1", RoleAssistant, "missed while offline", "u1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.chat.Store().Snapshot(), "no polling while push is healthy")

	env.channels.setFallback(true)
	assert.Eventually(t, func() bool {
		return len(env.chat.Store().Snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestResumeReconnectsAndRefreshes(t *testing.T) {
	env := newChatEnv(t)
	assert.ErrorIs(t, env.chat.Resume(context.Background()), ErrNoActiveThread)

	env.open(t, "t1")
	_, err := env.durable.InsertMessage(context.Background(), "t1", RoleUser, "sent from another device", "u1")
	require.NoError(t, err)

	require.NoError(t, env.chat.Resume(context.Background()))
	assert.Equal(t, []string{"thread:t1:client-1"}, env.channels.reconnected)
	assert.Len(t, env.chat.Store().Snapshot(), 1)
}

func TestOpenUnknownThread(t *testing.T) {
	env := newChatEnv(t)
	err := env.chat.OpenThread(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)

	_, ok := env.chat.ActiveThread()
	assert.False(t, ok)
	assert.Contains(t, env.channels.torndown, "thread:missing:client-1")
}

func TestViewHidesSystemMessages(t *testing.T) {
	env := newChatEnv(t)
	_, err := env.durable.InsertMessage(context.Background(), "t1", RoleSystem, "be nice", "u1")
	require.NoError(t, err)
	_, err = env.durable.InsertMessage(context.Background(), "t1", RoleUser, "hi", "u1")
	require.NoError(t, err)
	env.open(t, "t1")

	env.chat.Store().ApplyOptimistic(NewOptimistic("t1", "u1", RoleUser, "pending", time.Now().Add(time.Minute)))

	view := env.chat.View()
	assert.Equal(t, "t1", view.ThreadID)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "hi", view.Messages[0].Content)
	assert.False(t, view.Messages[0].Optimistic)
	assert.True(t, view.Messages[1].Optimistic)
	assert.Equal(t, realtime.ChannelConnected, view.Connection.Status)
}

func TestShouldGenerateTitle(t *testing.T) {
	user := confirmed("m1", "t1", RoleUser, "q", baseTime)
	assistant := confirmed("m2", "t1", RoleAssistant, "a", baseTime)
	second := confirmed("m3", "t1", RoleUser, "q2", baseTime)

	tests := []struct {
		name     string
		title    string
		snapshot []Message
		want     bool
	}{
		{name: "sentinel title", title: SentinelTitle, snapshot: []Message{user, assistant, second}, want: true},
		{name: "empty title", title: "", snapshot: []Message{user, assistant, second}, want: true},
		{name: "first user message", title: "Custom", snapshot: []Message{user}, want: true},
		{name: "titled and ongoing", title: "Custom", snapshot: []Message{user, assistant, second}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldGenerateTitle(Thread{ID: "t1", Title: tt.title}, tt.snapshot))
		})
	}
}
