package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. Transitions are
// applied under one lock, so the check-update-result sequence is
// atomic by construction.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	results map[string]*Result
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		results: make(map[string]*Result),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = copyJob(j)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) Transition(_ context.Context, req TransitionRequest) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[req.JobID]
	if !ok {
		return nil, false, ErrNotFound
	}

	if IsDuplicateTransition(j.Status, req.To) {
		return copyJob(j), false, nil
	}
	if !CanTransition(j.Status, req.To) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, req.To)
	}

	j.Status = req.To
	j.Seq++
	j.UpdatedAt = time.Now().UTC()
	if req.Error != nil {
		e := *req.Error
		j.Error = &e
	}
	if req.ActualCost > 0 {
		j.ActualCost = time.Duration(req.ActualCost) * time.Millisecond
	}

	if req.To.Terminal() {
		res := buildResult(j, req)
		s.results[j.ID] = res
	}

	return copyJob(j), true, nil
}

func (s *MemoryStore) GetResult(_ context.Context, jobID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	res, ok := s.results[jobID]
	if !ok {
		return nil, ErrNoResult
	}
	cp := *res
	return &cp, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, subscriptionID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if j.SubscriptionID == subscriptionID {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out, nil
}

// buildResult assembles the terminal result record. An explicit
// req.Result wins; otherwise a minimal record is synthesized so the
// result-iff-terminal invariant holds even for failures and cancels.
func buildResult(j *Job, req TransitionRequest) *Result {
	if req.Result != nil {
		res := *req.Result
		res.JobID = j.ID
		res.Status = req.To
		if res.CreatedAt.IsZero() {
			res.CreatedAt = time.Now().UTC()
		}
		return &res
	}
	res := &Result{
		JobID:           j.ID,
		Status:          req.To,
		Shots:           j.Shots,
		ExecutionTimeMS: req.ActualCost,
		CreatedAt:       time.Now().UTC(),
	}
	if req.Error != nil {
		e := *req.Error
		res.Error = &e
	}
	return res
}

func copyJob(j *Job) *Job {
	cp := *j
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Input != nil {
		cp.Input = append([]byte(nil), j.Input...)
	}
	if j.Tags != nil {
		cp.Tags = append([]string(nil), j.Tags...)
	}
	return &cp
}
