package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gwi.com/study-assistant/internal/observability"
)

// ThreadTracker knows which thread is active for the current client.
type ThreadTracker interface {
	ActiveThread() (Thread, bool)
	IsActive(threadID string) bool
	SetTitle(threadID, title string)
}

// DraftKeeper holds the content of a send that was stopped before it reached
// the durable store, so the user can resubmit it.
type DraftKeeper interface {
	PreserveDraft(content string)
	ClearDraft()
}

// OrchestratorDeps are the collaborators of the send path.
type OrchestratorDeps struct {
	Store    *MessageStore
	Threads  ThreadTracker
	Auth     Auth
	Quota    *QuotaGate
	Durable  DurableStore
	Runner   *TaskRunner
	Notifier Notifier
	Drafts   DraftKeeper
	Now      func() time.Time
	// OnTransition, when set, observes every state a send passes through.
	OnTransition func(SendState)
}

// Orchestrator runs sends: validation, optimistic insert, persistence and the
// parallel title and response generation.
type Orchestrator struct {
	deps OrchestratorDeps
	log  zerolog.Logger
	wg   sync.WaitGroup

	// In-flight generations keyed by thread id.
	mu              sync.Mutex
	generating      map[string]int
	titleGenerating map[string]int
	last            SendState
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(deps OrchestratorDeps, log zerolog.Logger) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		deps: deps,
		log:  log.With().Str("component", "send-orchestrator").Logger(),
		last: Idle{},

		generating:      make(map[string]int),
		titleGenerating: make(map[string]int),
	}
}

// Send shows content immediately as an optimistic message and finishes the
// send in the background. It returns nil when the send was rejected; failures
// are reported through the Notifier, never returned.
func (o *Orchestrator) Send(ctx context.Context, content string) *Optimistic {
	opt, _ := o.Submit(ctx, content)
	return opt
}

// Submit is Send that also returns why a send was rejected.
func (o *Orchestrator) Submit(ctx context.Context, content string) (*Optimistic, error) {
	run := &sendRun{o: o, content: content, state: Idle{}}

	for {
		next := run.step(ctx)
		run.transition(next)
		switch s := next.(type) {
		case Settled:
			return nil, s.Err
		case Persisting:
			bg := context.WithoutCancel(ctx)
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				run.finish(bg)
			}()
			opt := s.Attempt.Optimistic
			return &opt, nil
		}
	}
}

// Wait blocks until every in-flight send has settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// IsGenerating reports whether a response is being generated for the active
// thread.
func (o *Orchestrator) IsGenerating() bool {
	thread, ok := o.deps.Threads.ActiveThread()
	if !ok {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generating[thread.ID] > 0
}

// IsTitleGenerating reports whether a title is being generated for the active
// thread.
func (o *Orchestrator) IsTitleGenerating() bool {
	thread, ok := o.deps.Threads.ActiveThread()
	if !ok {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.titleGenerating[thread.ID] > 0
}

// LastState returns the most recent state any send moved into.
func (o *Orchestrator) LastState() SendState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) addGenerating(threadID string, delta int) {
	o.mu.Lock()
	adjust(o.generating, threadID, delta)
	o.mu.Unlock()
}

func (o *Orchestrator) addTitleGenerating(threadID string, delta int) {
	o.mu.Lock()
	adjust(o.titleGenerating, threadID, delta)
	o.mu.Unlock()
}

func adjust(counts map[string]int, key string, delta int) {
	if n := counts[key] + delta; n > 0 {
		counts[key] = n
	} else {
		delete(counts, key)
	}
}

func (o *Orchestrator) preserveDraft(content string) {
	if o.deps.Drafts != nil {
		o.deps.Drafts.PreserveDraft(content)
	}
}

func (o *Orchestrator) clearDraft() {
	if o.deps.Drafts != nil {
		o.deps.Drafts.ClearDraft()
	}
}

func (o *Orchestrator) notify(n Notice) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.Notify(n)
	}
}

// sendRun is one send moving through its states.
type sendRun struct {
	o       *Orchestrator
	content string
	state   SendState
}

func (r *sendRun) transition(next SendState) {
	r.state = next
	r.o.mu.Lock()
	r.o.last = next
	r.o.mu.Unlock()

	if hook := r.o.deps.OnTransition; hook != nil {
		hook(next)
	}
	if s, ok := next.(Settled); ok {
		observability.RecordSend(string(s.Outcome))
	}
}

// step advances the synchronous half of a send, up to the optimistic insert.
func (r *sendRun) step(ctx context.Context) SendState {
	switch s := r.state.(type) {
	case Idle:
		return r.validate()
	case Validating:
		return r.checkSession(ctx)
	case QuotaCheck:
		return r.checkQuota(ctx, s)
	default:
		return Settled{Outcome: OutcomeRejected, Err: ErrNoActiveThread}
	}
}

// finish runs the background half: persistence, generation and settlement.
func (r *sendRun) finish(ctx context.Context) {
	for {
		var next SendState
		switch s := r.state.(type) {
		case Persisting:
			next = r.persist(ctx, s)
		case Generating:
			next = r.generate(ctx, s)
		default:
			return
		}
		r.transition(next)
		if _, done := next.(Settled); done {
			return
		}
	}
}

func (r *sendRun) validate() SendState {
	if strings.TrimSpace(r.content) == "" {
		return Settled{Outcome: OutcomeRejected, Err: ErrEmptyContent}
	}
	if _, ok := r.o.deps.Threads.ActiveThread(); !ok {
		return Settled{Outcome: OutcomeRejected, Err: ErrNoActiveThread}
	}
	return Validating{}
}

func (r *sendRun) checkSession(ctx context.Context) SendState {
	auth := r.o.deps.Auth
	user, err := auth.CurrentUser(ctx)
	if err != nil || user.ID == "" || !auth.SessionValid(ctx) {
		r.o.log.Info().Err(err).Msg("session invalid, preserving message for re-auth")
		auth.SessionExpired(r.content)
		r.o.preserveDraft(r.content)
		r.o.notify(Notice{
			Level:   NoticeError,
			Kind:    KindAuth.String(),
			Message: "Your session has expired. Please sign in again; your message has been saved.",
		})
		return Settled{Outcome: OutcomeRejected, Err: ErrSessionExpired}
	}
	return QuotaCheck{User: user}
}

func (r *sendRun) checkQuota(ctx context.Context, s QuotaCheck) SendState {
	if r.o.deps.Quota != nil {
		if d := r.o.deps.Quota.CheckLimit(ctx, s.User.ID, r.content); d.Blocked {
			r.o.preserveDraft(r.content)
			r.o.notify(Notice{
				Level:   NoticeInfo,
				Kind:    KindQuota.String(),
				Message: "You've reached your free message limit. Upgrade to keep chatting.",
			})
			return Settled{Outcome: OutcomeRejected, Err: ErrQuotaExceeded}
		}
	}

	thread, ok := r.o.deps.Threads.ActiveThread()
	if !ok {
		return Settled{Outcome: OutcomeRejected, Err: ErrNoActiveThread}
	}

	opt := NewOptimistic(thread.ID, s.User.ID, RoleUser, r.content, r.o.deps.Now())
	if !r.o.deps.Store.ApplyOptimistic(opt) {
		return Settled{Outcome: OutcomeRejected, Err: ErrNoActiveThread}
	}
	r.o.addGenerating(thread.ID, 1)

	return Persisting{Attempt: &SendAttempt{
		Optimistic: opt,
		Snapshot:   r.o.deps.Store.Snapshot(),
		Thread:     thread,
		User:       s.User,
	}}
}

func (r *sendRun) persist(ctx context.Context, s Persisting) SendState {
	a := s.Attempt
	log := r.o.log.With().Str("thread_id", a.Thread.ID).Str("user_id", a.User.ID).Logger()

	confirmed, err := r.o.deps.Durable.InsertMessage(ctx, a.Thread.ID, RoleUser, r.content, a.User.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to persist user message")
		r.rollback(a, err)
		r.o.addGenerating(a.Thread.ID, -1)
		return Settled{Outcome: OutcomeRollback, Title: TaskSkipped, Err: err}
	}

	if r.o.deps.Threads.IsActive(a.Thread.ID) {
		r.o.deps.Store.ApplyServerInsert(confirmed)
	}
	if r.o.deps.Quota != nil {
		r.o.deps.Quota.RecordSend(ctx, a.User.ID)
	}
	r.o.clearDraft()

	title := TaskSkipped
	if ShouldGenerateTitle(a.Thread, a.Snapshot) {
		title = TaskPending
	}
	return Generating{Attempt: a, Title: title, Response: TaskPending}
}

func (r *sendRun) generate(ctx context.Context, s Generating) SendState {
	a := s.Attempt
	log := r.o.log.With().Str("thread_id", a.Thread.ID).Logger()

	var (
		wg          sync.WaitGroup
		titleErr    error
		responseErr error
	)

	if s.Title == TaskPending {
		r.o.addTitleGenerating(a.Thread.ID, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.o.addTitleGenerating(a.Thread.ID, -1)
			titleErr = r.generateTitle(ctx, a)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer r.o.addGenerating(a.Thread.ID, -1)
		responseErr = r.generateResponse(ctx, a)
	}()

	wg.Wait()

	if s.Title == TaskPending {
		s.Title = TaskSucceeded
		if titleErr != nil {
			s.Title = TaskFailed
			log.Warn().Err(titleErr).Msg("title generation failed, keeping previous title")
		}
	}

	if responseErr != nil {
		log.Error().Err(responseErr).Msg("response generation failed")
		r.rollback(a, responseErr)
		return Settled{Outcome: OutcomeRollback, Title: s.Title, Err: responseErr}
	}
	return Settled{Outcome: OutcomeSuccess, Title: s.Title}
}

func (r *sendRun) generateResponse(ctx context.Context, a *SendAttempt) error {
	history := make([]Message, 0, len(a.Snapshot))
	for _, m := range a.Snapshot {
		if m.Key() != a.Optimistic.Key() {
			history = append(history, m)
		}
	}

	reply, err := r.o.deps.Runner.Run(ctx, OpRespond, TaskInput{
		Prompt:  r.content,
		History: HistoryFrom(history),
	})
	if err != nil {
		return err
	}

	confirmed, err := r.o.deps.Durable.InsertMessage(ctx, a.Thread.ID, RoleAssistant, reply, a.User.ID)
	if err != nil {
		return err
	}
	if r.o.deps.Threads.IsActive(a.Thread.ID) {
		r.o.deps.Store.ApplyServerInsert(confirmed)
	}
	return nil
}

func (r *sendRun) generateTitle(ctx context.Context, a *SendAttempt) error {
	title, err := r.o.deps.Runner.Run(ctx, OpTitle, TaskInput{FirstMessage: firstUserContent(a.Snapshot, r.content)})
	if err != nil {
		return err
	}
	if err := r.o.deps.Durable.UpdateThreadTitle(ctx, a.Thread.ID, title); err != nil {
		return err
	}
	r.o.deps.Threads.SetTitle(a.Thread.ID, title)
	r.o.log.Info().Str("thread_id", a.Thread.ID).Str("title", title).Msg("thread title generated")
	return nil
}

// rollback removes the local optimistic artifact. A user message that already
// reached the durable store stays there.
func (r *sendRun) rollback(a *SendAttempt, cause error) {
	if r.o.deps.Threads.IsActive(a.Thread.ID) {
		r.o.deps.Store.RemoveOptimistic(a.Optimistic.LocalID)
	}
	r.o.notify(Notice{
		Level:     NoticeError,
		Kind:      Classify(cause).String(),
		Message:   "We couldn't get a response. Please try sending your message again.",
		Retryable: true,
	})
}

// ShouldGenerateTitle decides whether a send triggers title generation: on
// the first user message, or while the thread still has the sentinel title.
// The latter also recovers threads whose earlier title generation failed.
func ShouldGenerateTitle(thread Thread, snapshot []Message) bool {
	if thread.HasSentinelTitle() {
		return true
	}
	users := 0
	for _, m := range snapshot {
		if m.Fields().Role == RoleUser {
			users++
		}
	}
	return users == 1
}

func firstUserContent(snapshot []Message, fallback string) string {
	for _, m := range snapshot {
		if f := m.Fields(); f.Role == RoleUser {
			return f.Content
		}
	}
	return fallback
}
