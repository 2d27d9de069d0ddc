// Package dispatch owns the job lifecycle between admission and
// terminal state: backend submission with bounded retries, the async
// poll loop, blocking waits and cancellation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantumhub/execgate/pkg/archive"
	"github.com/quantumhub/execgate/pkg/backend"
	"github.com/quantumhub/execgate/pkg/job"
)

var (
	// ErrExecutionTimeout fires when a blocking submission's wall-clock
	// ceiling expires. The job keeps running; only the wait ends.
	ErrExecutionTimeout = errors.New("execution deadline exceeded")

	// ErrSubmissionRejected wraps a definitive backend or catalog
	// rejection. The job exists in failed state with the reason.
	ErrSubmissionRejected = errors.New("submission rejected")
)

const (
	defaultBlockingCeiling  = 30 * time.Second
	defaultExecutionCeiling = 10 * time.Minute
	defaultPollInterval     = 100 * time.Millisecond
	defaultSubmitRetries    = 3
	defaultShots            = 1024
)

// Config tunes dispatcher timing.
type Config struct {
	// BlockingCeiling caps how long a blocking submission holds the
	// request open.
	BlockingCeiling time.Duration

	// ExecutionCeiling caps total backend execution time per job; the
	// poll loop fails the job when it elapses.
	ExecutionCeiling time.Duration

	// PollInterval is the backend poll cadence.
	PollInterval time.Duration

	// SubmitRetries bounds retries of transient submission failures.
	SubmitRetries int

	// Backoff spaces submission retries. DefaultBackoff when nil.
	Backoff BackoffStrategy
}

func (c Config) withDefaults() Config {
	if c.BlockingCeiling <= 0 {
		c.BlockingCeiling = defaultBlockingCeiling
	}
	if c.ExecutionCeiling <= 0 {
		c.ExecutionCeiling = defaultExecutionCeiling
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	} else if c.SubmitRetries == 0 {
		c.SubmitRetries = defaultSubmitRetries
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// ComputeRefunder returns a compute-time reservation. Satisfied by
// ratelimit.Reservation; the dispatcher only ever refunds compute,
// never the request slot.
type ComputeRefunder interface {
	RefundCompute()
}

// SubmitRequest is one admitted job ready for dispatch.
type SubmitRequest struct {
	SubscriptionID string
	KeyID          string
	Platform       string
	DeviceID       string
	RunMode        job.RunMode
	Shots          int
	Input          json.RawMessage
	Tags           []string
	EstimatedCost  time.Duration

	// Reservation, when set, gets its compute time back if the
	// submission never reaches the backend.
	Reservation ComputeRefunder
}

// Dispatcher drives jobs from provisioning to a terminal state.
type Dispatcher struct {
	cfg       Config
	registry  *backend.Registry
	store     job.Store
	broadcast *job.Broadcaster
	archiver  archive.Archiver
	logger    *zap.Logger

	mu      sync.Mutex
	handles map[string]jobHandle // jobID -> live backend execution

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type jobHandle struct {
	adapter backend.Adapter
	handle  backend.Handle
}

func New(cfg Config, registry *backend.Registry, store job.Store, archiver archive.Archiver, logger *zap.Logger) *Dispatcher {
	if archiver == nil {
		archiver = archive.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		store:     store,
		broadcast: job.NewBroadcaster(),
		archiver:  archiver,
		logger:    logger,
		handles:   make(map[string]jobHandle),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// Close stops all poll loops and waits for them to exit.
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
}

// Submit creates the job and drives it through backend submission.
//
// Non-blocking submissions return once the job is queued. Blocking
// submissions wait for the terminal result up to the configured
// ceiling; past it they return ErrExecutionTimeout while the job
// continues and the result stays retrievable. An outright rejection
// fails the job with the reason, refunds reserved compute time and
// returns ErrSubmissionRejected.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*job.Job, *job.Result, error) {
	if req.Shots <= 0 {
		req.Shots = defaultShots
	}
	if req.RunMode == "" {
		req.RunMode = job.RunModeNonBlocking
	}
	if !req.RunMode.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown run mode %q", ErrSubmissionRejected, req.RunMode)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:             uuid.NewString(),
		SubscriptionID: req.SubscriptionID,
		KeyID:          req.KeyID,
		Platform:       req.Platform,
		DeviceID:       req.DeviceID,
		RunMode:        req.RunMode,
		Status:         job.StateProvisioning,
		Shots:          req.Shots,
		Input:          req.Input,
		Tags:           req.Tags,
		EstimatedCost:  req.EstimatedCost,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateJob(ctx, j); err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}

	// Register before anything can complete so blocking waiters never
	// miss the signal.
	done := d.broadcast.Register(j.ID)

	adapter, err := d.registry.Resolve(req.Platform, req.DeviceID)
	if err != nil {
		return d.reject(ctx, j, req.Reservation, err)
	}

	handle, err := d.submitWithRetry(ctx, adapter, backend.Spec{
		JobID:    j.ID,
		DeviceID: req.DeviceID,
		Shots:    req.Shots,
		Input:    req.Input,
	})
	if err != nil {
		return d.reject(ctx, j, req.Reservation, err)
	}

	queued, _, err := d.store.Transition(ctx, job.TransitionRequest{JobID: j.ID, To: job.StateQueued})
	if err != nil {
		// No poll loop will ever signal this job; reap the broadcast
		// entry so it cannot leak.
		d.broadcast.Complete(j.ID)
		return nil, nil, fmt.Errorf("transition to queued: %w", err)
	}

	d.mu.Lock()
	d.handles[j.ID] = jobHandle{adapter: adapter, handle: handle}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.pollLoop(j.ID, adapter, handle)

	d.logger.Info("job queued",
		zap.String("job_id", j.ID),
		zap.String("platform", req.Platform),
		zap.String("device_id", req.DeviceID),
		zap.String("run_mode", string(req.RunMode)))

	if req.RunMode == job.RunModeNonBlocking {
		return queued, nil, nil
	}
	return d.waitBlocking(ctx, queued, done)
}

// waitBlocking returns a non-nil job on every exit: the job was
// dispatched, so callers must not roll its admission back.
func (d *Dispatcher) waitBlocking(ctx context.Context, queued *job.Job, done <-chan struct{}) (*job.Job, *job.Result, error) {
	timer := time.NewTimer(d.cfg.BlockingCeiling)
	defer timer.Stop()

	select {
	case <-done:
		j, err := d.store.GetJob(ctx, queued.ID)
		if err != nil {
			return queued, nil, err
		}
		res, err := d.store.GetResult(ctx, queued.ID)
		if err != nil {
			return j, nil, err
		}
		return j, res, nil
	case <-timer.C:
		j, err := d.store.GetJob(ctx, queued.ID)
		if err != nil {
			return queued, nil, ErrExecutionTimeout
		}
		return j, nil, ErrExecutionTimeout
	case <-ctx.Done():
		return queued, nil, ctx.Err()
	}
}

// reject fails a provisioning job with the definitive reason, refunds
// the compute reservation and releases any waiters.
func (d *Dispatcher) reject(ctx context.Context, j *job.Job, res ComputeRefunder, cause error) (*job.Job, *job.Result, error) {
	msg := cause.Error()
	failed, _, terr := d.store.Transition(ctx, job.TransitionRequest{
		JobID: j.ID,
		To:    job.StateFailed,
		Error: &msg,
	})
	if terr != nil {
		d.logger.Error("failed to record rejection", zap.String("job_id", j.ID), zap.Error(terr))
		failed = j
	}
	if res != nil {
		res.RefundCompute()
	}
	d.broadcast.Complete(j.ID)
	d.logger.Warn("submission rejected", zap.String("job_id", j.ID), zap.String("reason", msg))
	return failed, nil, fmt.Errorf("%w: %s", ErrSubmissionRejected, msg)
}

// submitWithRetry retries only transient submission failures. Nothing
// that was already recorded in the store is ever replayed.
func (d *Dispatcher) submitWithRetry(ctx context.Context, adapter backend.Adapter, spec backend.Spec) (backend.Handle, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			delay := d.cfg.Backoff.Delay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		h, err := adapter.Submit(ctx, spec)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, backend.ErrUnavailable) {
			return "", err
		}
		lastErr = err
		d.logger.Warn("backend submit retry",
			zap.String("job_id", spec.JobID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return "", fmt.Errorf("submission retries exhausted: %w", lastErr)
}

// pollLoop drives one job from queued to terminal. It runs on the
// dispatcher's own context so client disconnects never orphan a job.
func (d *Dispatcher) pollLoop(jobID string, adapter backend.Adapter, handle backend.Handle) {
	defer d.wg.Done()

	deadline := time.Now().Add(d.cfg.ExecutionCeiling)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.baseCtx.Done():
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			d.failJob(jobID, "execution deadline exceeded")
			_ = adapter.Cancel(d.baseCtx, handle)
			return
		}

		st, err := adapter.Poll(d.baseCtx, handle)
		if err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				continue
			}
			d.failJob(jobID, fmt.Sprintf("backend poll failed: %v", err))
			return
		}

		switch st.Kind {
		case backend.StatusQueued:
			// Still waiting; nothing to record.
		case backend.StatusRunning:
			if _, _, err := d.store.Transition(d.baseCtx, job.TransitionRequest{JobID: jobID, To: job.StateRunning}); err != nil {
				d.logger.Error("transition to running failed", zap.String("job_id", jobID), zap.Error(err))
			}
		case backend.StatusCompleted, backend.StatusFailed, backend.StatusCancelled:
			d.finishJob(jobID, st)
			return
		}
	}
}

func (d *Dispatcher) finishJob(jobID string, st *backend.Status) {
	to := job.StateCompleted
	var errMsg *string
	switch st.Kind {
	case backend.StatusFailed:
		to = job.StateFailed
		msg := st.Error
		if msg == "" {
			msg = "backend execution failed"
		}
		errMsg = &msg
	case backend.StatusCancelled:
		to = job.StateCancelled
	}

	execMS := st.ExecutionTime.Milliseconds()
	res := &job.Result{
		Data:            st.Data,
		Error:           errMsg,
		ExecutionTimeMS: execMS,
	}

	_, applied, err := d.store.Transition(d.baseCtx, job.TransitionRequest{
		JobID:      jobID,
		To:         to,
		Error:      errMsg,
		Result:     res,
		ActualCost: execMS,
	})
	if err != nil {
		d.logger.Error("terminal transition failed", zap.String("job_id", jobID), zap.Error(err))
	}

	d.dropHandle(jobID)
	d.broadcast.Complete(jobID)

	if applied {
		d.archiveResult(jobID)
		d.logger.Info("job finished",
			zap.String("job_id", jobID),
			zap.String("status", string(to)),
			zap.Int64("execution_time_ms", execMS))
	}
}

func (d *Dispatcher) failJob(jobID, reason string) {
	_, _, err := d.store.Transition(d.baseCtx, job.TransitionRequest{
		JobID: jobID,
		To:    job.StateFailed,
		Error: &reason,
	})
	if err != nil {
		d.logger.Error("fail transition failed", zap.String("job_id", jobID), zap.Error(err))
	}
	d.dropHandle(jobID)
	d.broadcast.Complete(jobID)
	d.logger.Warn("job failed", zap.String("job_id", jobID), zap.String("reason", reason))
}

// archiveResult copies the stored result to object storage.
// Best-effort: failures are logged, never propagated.
func (d *Dispatcher) archiveResult(jobID string) {
	res, err := d.store.GetResult(d.baseCtx, jobID)
	if err != nil {
		d.logger.Warn("archive skipped", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := d.archiver.Archive(d.baseCtx, res); err != nil {
		d.logger.Warn("archive failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (d *Dispatcher) dropHandle(jobID string) {
	d.mu.Lock()
	delete(d.handles, jobID)
	d.mu.Unlock()
}

// Cancel requests cancellation. The store transition is authoritative;
// the adapter cancel is advisory and best-effort. Cancelling a job
// already in a terminal state is a no-op returning the current state.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*job.Job, error) {
	cur, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}

	j, applied, err := d.store.Transition(ctx, job.TransitionRequest{JobID: jobID, To: job.StateCancelled})
	if err != nil {
		return nil, err
	}
	if !applied {
		return j, nil
	}

	d.mu.Lock()
	jh, ok := d.handles[jobID]
	delete(d.handles, jobID)
	d.mu.Unlock()
	if ok {
		if cerr := jh.adapter.Cancel(ctx, jh.handle); cerr != nil {
			d.logger.Warn("adapter cancel failed", zap.String("job_id", jobID), zap.Error(cerr))
		}
	}

	d.broadcast.Complete(jobID)
	d.logger.Info("job cancelled", zap.String("job_id", jobID))
	return j, nil
}

// Waiter exposes the completion broadcast for external blocking reads.
func (d *Dispatcher) Waiter() *job.Broadcaster {
	return d.broadcast
}
