// Package backend defines the execution backend boundary: the adapter
// contract every platform implements and the registry that maps
// platforms and devices to adapters.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Adapter error taxonomy. ErrRejected is definitive and must not be
// retried; ErrUnavailable is transient and safe to retry.
var (
	ErrRejected      = errors.New("backend rejected submission")
	ErrUnavailable   = errors.New("backend unavailable")
	ErrUnknownHandle = errors.New("unknown backend handle")
)

// Spec describes one execution request as the backend sees it.
type Spec struct {
	JobID    string
	DeviceID string
	Shots    int
	Input    json.RawMessage
}

// Handle identifies a submitted execution on the backend side.
type Handle string

// StatusKind is the backend's view of an execution's progress.
type StatusKind string

const (
	StatusQueued    StatusKind = "queued"
	StatusRunning   StatusKind = "running"
	StatusCompleted StatusKind = "completed"
	StatusFailed    StatusKind = "failed"
	StatusCancelled StatusKind = "cancelled"
)

// Terminal reports whether the backend is done with the execution.
func (k StatusKind) Terminal() bool {
	switch k {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Status is a poll snapshot. Data and ExecutionTime are meaningful only
// once Kind is terminal.
type Status struct {
	Kind          StatusKind
	Error         string
	Data          json.RawMessage
	ExecutionTime time.Duration
}

// Adapter is the contract a platform integration implements.
//
// Submit may fail with ErrRejected (invalid device, malformed input)
// or ErrUnavailable (transient; the dispatcher retries with backoff).
// Cancel is advisory; the authoritative state lives in the job store.
type Adapter interface {
	Submit(ctx context.Context, spec Spec) (Handle, error)
	Poll(ctx context.Context, h Handle) (*Status, error)
	Cancel(ctx context.Context, h Handle) error
}
