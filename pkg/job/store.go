package job

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the job id is unknown.
	ErrNotFound = errors.New("job not found")

	// ErrNoResult indicates the job exists but has not reached a
	// terminal state yet.
	ErrNoResult = errors.New("job has no result yet")

	// ErrInvalidTransition indicates a requested state change that the
	// state machine forbids (backward move or illegal jump).
	ErrInvalidTransition = errors.New("invalid state transition")
)

// TransitionRequest asks the store to move a job to a new state. Error
// and Result are recorded only when the target state is terminal.
type TransitionRequest struct {
	JobID string
	To    State

	// Error annotates failed/cancelled transitions.
	Error *string

	// Result is persisted atomically with a terminal transition.
	// Ignored for non-terminal targets.
	Result *Result

	// ActualCost records backend execution time on terminal transitions.
	ActualCost int64
}

// Store persists jobs and their results.
//
// Transition must be atomic: the state check, the update and (for
// terminal states) the result write happen as one unit, so concurrent
// duplicate notifications can never double-apply. The returned bool
// reports whether the transition was applied; a duplicate (target state
// already reached or passed via a legal path) is a successful no-op
// with applied == false.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	Transition(ctx context.Context, req TransitionRequest) (*Job, bool, error)

	// GetResult returns the terminal result. ErrNotFound when the job
	// id is unknown, ErrNoResult while the job is still in flight.
	GetResult(ctx context.Context, jobID string) (*Result, error)

	// ListJobs returns jobs for a subscription, newest first.
	ListJobs(ctx context.Context, subscriptionID string) ([]Job, error)
}

// IsDuplicateTransition reports whether a request targeting to while
// the job is already at cur should be treated as an idempotent no-op
// rather than an error. Same-state repeats, late notifications for
// states the job has already moved past, and terminal requests against
// an already-terminal job (a cancel racing completion) all qualify.
func IsDuplicateTransition(cur, to State) bool {
	if cur == to {
		return true
	}
	if cur.Terminal() && to.Terminal() {
		return true
	}
	return stateRank[to] < stateRank[cur] && CanTransition(to, cur)
}
