package job

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredJob(t *testing.T, s *MemoryStore) *Job {
	t.Helper()
	j := &Job{
		ID:             uuid.NewString(),
		SubscriptionID: uuid.NewString(),
		Platform:       "simulator",
		DeviceID:       "sim-30q",
		RunMode:        RunModeNonBlocking,
		Status:         StateProvisioning,
		Shots:          1024,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func TestMemoryStoreCreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProvisioning, got.Status)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.CreateJob(ctx, j)
	assert.Error(t, err, "duplicate create must fail")
}

func TestTransitionHappyPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	for _, to := range []State{StateQueued, StateRunning, StateCompleted} {
		got, applied, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: to})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, to, got.Status)
	}

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Seq)
}

func TestTransitionDuplicatesAreNoOps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	_, applied, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateQueued})
	require.NoError(t, err)
	assert.True(t, applied)

	// Same-state repeat.
	got, applied, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateQueued})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StateQueued, got.Status)
	assert.Equal(t, int64(1), got.Seq)

	// Late notification for a state already passed.
	_, _, err = s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateRunning})
	require.NoError(t, err)
	got, applied, err = s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateQueued})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StateRunning, got.Status)
}

func TestTransitionFastCompletion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	_, _, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateQueued})
	require.NoError(t, err)

	// A terminal observation can arrive before any running report.
	got, applied, err := s.Transition(ctx, TransitionRequest{
		JobID:  j.ID,
		To:     StateCompleted,
		Result: &Result{},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StateCompleted, got.Status)

	_, err = s.GetResult(ctx, j.ID)
	assert.NoError(t, err)
}

func TestTransitionInvalid(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	_, _, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = s.Transition(ctx, TransitionRequest{JobID: "missing", To: StateQueued})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionTerminalRace(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	for _, to := range []State{StateQueued, StateRunning, StateCompleted} {
		_, _, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: to})
		require.NoError(t, err)
	}

	// A cancel racing completion is a no-op, not an error.
	got, applied, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateCancelled})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StateCompleted, got.Status)
}

func TestResultExistsIffTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	_, err := s.GetResult(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNoResult)

	_, err = s.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateQueued})
	require.NoError(t, err)
	_, err = s.GetResult(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNoResult)

	_, _, err = s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateRunning})
	require.NoError(t, err)

	data := json.RawMessage(`{"counts":{"00":512,"11":512}}`)
	_, applied, err := s.Transition(ctx, TransitionRequest{
		JobID:      j.ID,
		To:         StateCompleted,
		Result:     &Result{Data: data, Shots: 1024},
		ActualCost: 42,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	res, err := s.GetResult(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.Status)
	assert.Equal(t, j.ID, res.JobID)
	assert.JSONEq(t, string(data), string(res.Data))
}

func TestFailureSynthesizesResult(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	msg := "device sim-30q unavailable"
	got, applied, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateFailed, Error: &msg})
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)

	res, err := s.GetResult(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, msg, *res.Error)
}

func TestTransitionConcurrentDuplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	j := newStoredJob(t, s)

	for _, to := range []State{StateQueued, StateRunning} {
		_, _, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: to})
		require.NoError(t, err)
	}

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.Transition(ctx, TransitionRequest{JobID: j.ID, To: StateCompleted})
			assert.NoError(t, err)
			if applied {
				mu.Lock()
				appliedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, appliedCount, "terminal transition must apply exactly once")

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Seq)
}

func TestBroadcaster(t *testing.T) {
	t.Run("releases all waiters", func(t *testing.T) {
		b := NewBroadcaster()
		const waiters = 8
		var wg sync.WaitGroup
		results := make([]bool, waiters)

		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = b.Wait(context.Background(), "job-1", 5*time.Second)
			}(i)
		}

		time.Sleep(20 * time.Millisecond)
		b.Complete("job-1")
		wg.Wait()

		for i, ok := range results {
			assert.True(t, ok, "waiter %d should have been released", i)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		b := NewBroadcaster()
		done := b.Wait(context.Background(), "job-2", 10*time.Millisecond)
		assert.False(t, done)
	})

	t.Run("context cancellation", func(t *testing.T) {
		b := NewBroadcaster()
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		done := b.Wait(ctx, "job-3", 5*time.Second)
		assert.False(t, done)
	})

	t.Run("complete is idempotent", func(t *testing.T) {
		b := NewBroadcaster()
		ch := b.Register("job-4")
		b.Complete("job-4")
		b.Complete("job-4")
		select {
		case <-ch:
		default:
			t.Fatal("channel should be closed")
		}
	})

	t.Run("wait after completion registers fresh channel", func(t *testing.T) {
		b := NewBroadcaster()
		b.Register("job-5")
		b.Complete("job-5")
		done := b.Wait(context.Background(), "job-5", 10*time.Millisecond)
		assert.False(t, done)
	})
}
