// Package simulator is an in-process execution backend. It runs jobs
// on a timer instead of real hardware: a submission sits in queue for
// QueueLatency, runs for ExecLatency, then completes with synthesized
// measurement counts. Failure hooks make it the default backend for
// tests and local serving.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumhub/execgate/pkg/backend"
)

// Config tunes the simulated lifecycle.
type Config struct {
	// QueueLatency is how long a submission stays queued.
	QueueLatency time.Duration

	// ExecLatency is how long a submission runs before completing.
	ExecLatency time.Duration

	// RejectDevices maps device ids to a rejection reason. Submissions
	// for them fail immediately with backend.ErrRejected.
	RejectDevices map[string]string

	// FailDevices maps device ids to an execution error. Submissions
	// for them run normally but finish failed.
	FailDevices map[string]string

	// UnavailableSubmits makes the first N Submit calls fail with
	// backend.ErrUnavailable, exercising dispatcher retry.
	UnavailableSubmits int
}

type execution struct {
	spec      backend.Spec
	startedAt time.Time
	failWith  string
	cancelled bool
}

// Simulator implements backend.Adapter.
type Simulator struct {
	cfg Config

	mu         sync.Mutex
	executions map[backend.Handle]*execution
	submits    int
}

var _ backend.Adapter = (*Simulator)(nil)

func New(cfg Config) *Simulator {
	return &Simulator{
		cfg:        cfg,
		executions: make(map[backend.Handle]*execution),
	}
}

func (s *Simulator) Submit(_ context.Context, spec backend.Spec) (backend.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submits++
	if s.submits <= s.cfg.UnavailableSubmits {
		return "", fmt.Errorf("%w: simulator warming up", backend.ErrUnavailable)
	}
	if reason, ok := s.cfg.RejectDevices[spec.DeviceID]; ok {
		return "", fmt.Errorf("%w: %s", backend.ErrRejected, reason)
	}

	h := backend.Handle("sim-" + uuid.NewString())
	exec := &execution{spec: spec, startedAt: time.Now()}
	if msg, ok := s.cfg.FailDevices[spec.DeviceID]; ok {
		exec.failWith = msg
	}
	s.executions[h] = exec
	return h, nil
}

func (s *Simulator) Poll(_ context.Context, h backend.Handle) (*backend.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[h]
	if !ok {
		return nil, backend.ErrUnknownHandle
	}
	if exec.cancelled {
		return &backend.Status{Kind: backend.StatusCancelled}, nil
	}

	elapsed := time.Since(exec.startedAt)
	switch {
	case elapsed < s.cfg.QueueLatency:
		return &backend.Status{Kind: backend.StatusQueued}, nil
	case elapsed < s.cfg.QueueLatency+s.cfg.ExecLatency:
		return &backend.Status{Kind: backend.StatusRunning}, nil
	}

	if exec.failWith != "" {
		return &backend.Status{
			Kind:          backend.StatusFailed,
			Error:         exec.failWith,
			ExecutionTime: s.cfg.ExecLatency,
		}, nil
	}
	return &backend.Status{
		Kind:          backend.StatusCompleted,
		Data:          synthesizeCounts(exec.spec.Shots),
		ExecutionTime: s.cfg.ExecLatency,
	}, nil
}

func (s *Simulator) Cancel(_ context.Context, h backend.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[h]
	if !ok {
		return backend.ErrUnknownHandle
	}
	elapsed := time.Since(exec.startedAt)
	if elapsed >= s.cfg.QueueLatency+s.cfg.ExecLatency {
		// Already finished; cancellation has nothing to stop.
		return nil
	}
	exec.cancelled = true
	return nil
}

// Devices is the simulator's stock catalog, modeled on the platform's
// hosted simulators.
func Devices() []backend.Device {
	return []backend.Device{
		{ID: "sim-30q", Name: "State Vector Simulator (30 qubits)", NumQubits: 30, IsSimulator: true, IsAvailable: true},
		{ID: "sim-8q-noise", Name: "Noise Model Simulator (8 qubits)", NumQubits: 8, IsSimulator: true, IsAvailable: true},
		{ID: "sim-offline", Name: "Decommissioned Simulator", NumQubits: 16, IsSimulator: true, IsAvailable: false},
	}
}

// synthesizeCounts fabricates an even split across the two basis states
// a bell-pair measurement would produce.
func synthesizeCounts(shots int) json.RawMessage {
	if shots <= 0 {
		shots = 1024
	}
	half := shots / 2
	payload := map[string]any{
		"counts": map[string]int{
			"00": half,
			"11": shots - half,
		},
	}
	b, _ := json.Marshal(payload)
	return b
}
