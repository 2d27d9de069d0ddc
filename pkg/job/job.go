// Package job holds the job record, its state machine and the store
// contract the dispatcher drives.
//
// States move strictly forward: provisioning -> queued -> running ->
// one of completed, failed or cancelled. Terminal states never change.
package job

import (
	"encoding/json"
	"time"
)

// RunMode selects how a submission returns to the caller.
type RunMode string

const (
	// RunModeBlocking holds the request open until the job reaches a
	// terminal state or the wall-clock ceiling fires.
	RunModeBlocking RunMode = "blocking"

	// RunModeNonBlocking returns as soon as the job is queued.
	RunModeNonBlocking RunMode = "non_blocking"
)

// Valid reports whether m is a known run mode.
func (m RunMode) Valid() bool {
	return m == RunModeBlocking || m == RunModeNonBlocking
}

// State is a job lifecycle state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// stateRank orders states along the forward-only lifecycle. Terminal
// states share the highest rank; transitions between them are invalid.
var stateRank = map[State]int{
	StateProvisioning: 0,
	StateQueued:       1,
	StateRunning:      2,
	StateCompleted:    3,
	StateFailed:       3,
	StateCancelled:    3,
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// CanTransition reports whether moving from -> to is a legal forward
// step. Cancellation and failure may jump from any non-terminal state;
// completion is reachable from running or directly from queued, since a
// backend can finish inside one poll interval and the running
// observation is then never made. Other moves advance one rank at a
// time. Equal states are not a transition (the caller treats them as an
// idempotent duplicate).
func CanTransition(from, to State) bool {
	fr, ok := stateRank[from]
	if !ok {
		return false
	}
	tr, ok := stateRank[to]
	if !ok {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case StateCancelled, StateFailed:
		return true
	case StateCompleted:
		return from == StateQueued || from == StateRunning
	default:
		return tr == fr+1
	}
}

// Job is one admitted execution request.
type Job struct {
	ID             string  `json:"id"`
	SubscriptionID string  `json:"subscription_id"`
	KeyID          string  `json:"key_id"`
	Platform       string  `json:"platform"`
	DeviceID       string  `json:"device_id"`
	RunMode        RunMode `json:"run_mode"`
	Status         State   `json:"status"`

	// Seq counts applied transitions. Stores use it as the
	// compare-and-set guard that makes duplicates no-ops.
	Seq int64 `json:"seq"`

	Shots         int             `json:"shots"`
	Input         json.RawMessage `json:"input,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	EstimatedCost time.Duration   `json:"estimated_cost_ns"`
	ActualCost    time.Duration   `json:"actual_cost_ns"`
	Error         *string         `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
