package job

import (
	"context"
	"sync"
	"time"
)

// Broadcaster fans out per-job completion signals. Every waiter for a
// job parks on the same channel; the terminal transition closes it
// exactly once, releasing all of them with no polling.
type Broadcaster struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{chans: make(map[string]chan struct{})}
}

// Register returns the completion channel for a job, creating it on
// first use. Must be called before the job can complete, or the waiter
// may miss the close and block until its deadline. Every registered
// entry must be paired with exactly one Complete call, which removes
// it; an unmatched Register leaks the map entry.
func (b *Broadcaster) Register(jobID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.chans[jobID]
	if !ok {
		ch = make(chan struct{})
		b.chans[jobID] = ch
	}
	return ch
}

// Complete releases every waiter for the job. Idempotent; completing a
// job nobody registered for is a no-op.
func (b *Broadcaster) Complete(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.chans[jobID]
	if !ok {
		return
	}
	delete(b.chans, jobID)
	close(ch)
}

// Wait blocks until the job completes, the timeout elapses or ctx is
// cancelled. Returns true only on completion.
func (b *Broadcaster) Wait(ctx context.Context, jobID string, timeout time.Duration) bool {
	ch := b.Register(jobID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
