package core

// SendState is the tagged state of one send. The concrete types are Idle,
// Validating, QuotaCheck, Persisting, Generating and Settled.
type SendState interface {
	Name() string
}

// TaskStatus is the outcome of one of the two generation tasks.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskSkipped
	TaskSucceeded
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskSkipped:
		return "skipped"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Outcome is how a send settled.
type Outcome string

const (
	// OutcomeRejected: aborted before anything was shown or written.
	OutcomeRejected Outcome = "rejected"
	OutcomeSuccess  Outcome = "success"
	// OutcomeRollback: the optimistic artifact was removed after a fatal failure.
	OutcomeRollback Outcome = "rollback"
)

// SendAttempt is the frozen context a send carries through its background half.
type SendAttempt struct {
	Optimistic Optimistic
	// Snapshot is the message list right after the optimistic insert.
	Snapshot []Message
	Thread   Thread
	User     User
}

type Idle struct{}

type Validating struct{}

type QuotaCheck struct {
	User User
}

type Persisting struct {
	Attempt *SendAttempt
}

type Generating struct {
	Attempt  *SendAttempt
	Title    TaskStatus
	Response TaskStatus
}

type Settled struct {
	Outcome Outcome
	Title   TaskStatus
	Err     error
}

func (Idle) Name() string       { return "idle" }
func (Validating) Name() string { return "validating" }
func (QuotaCheck) Name() string { return "quota-check" }
func (Persisting) Name() string { return "persisting-user-msg" }
func (Generating) Name() string { return "generating" }
func (Settled) Name() string    { return "settled" }
