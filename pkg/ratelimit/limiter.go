package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantumhub/execgate/pkg/entitlement"
)

// Denial reasons. Each maps to a distinct client-visible 429 reason.
var (
	ErrRequestQuotaExceeded = errors.New("request quota exceeded")
	ErrComputeQuotaExceeded = errors.New("compute quota exceeded")
	ErrUsageCountExhausted  = errors.New("usage count exhausted")
)

// Limiter admits jobs against per-key token buckets plus the key's
// finite usage count. State for distinct keys is fully independent;
// admissions on the same key are serialized by a per-key lock.
type Limiter struct {
	store entitlement.Store

	mu      sync.Mutex // guards entries map only
	entries map[string]*keyEntry
}

// keyEntry pairs the rate buckets with refund credits. A cancelled
// rate.Reservation restores nothing once its action time has passed,
// so rollbacks are recorded as credits and consumed by the next Admit
// before the buckets are touched. Credits never exceed the class
// budget.
type keyEntry struct {
	mu       sync.Mutex
	class    Class
	requests *rate.Limiter
	compute  *rate.Limiter

	requestCredit int
	computeCredit int
}

// creditRequest returns one request slot. Caller holds e.mu.
func (e *keyEntry) creditRequest() {
	if e.requestCredit < e.class.Requests {
		e.requestCredit++
	}
}

// creditCompute returns units compute-seconds. Caller holds e.mu.
func (e *keyEntry) creditCompute(units int) {
	e.computeCredit += units
	if e.computeCredit > e.class.ComputeSeconds {
		e.computeCredit = e.class.ComputeSeconds
	}
}

func New(store entitlement.Store) *Limiter {
	return &Limiter{
		store:   store,
		entries: make(map[string]*keyEntry),
	}
}

func (l *Limiter) entryFor(key *entitlement.Key) (*keyEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key.ID]; ok {
		return e, nil
	}
	class, err := ParseClass(key.RateLimitClass)
	if err != nil {
		return nil, err
	}
	e := &keyEntry{
		class:    class,
		requests: rate.NewLimiter(rate.Limit(float64(class.Requests)/class.Window.Seconds()), class.Requests),
		compute:  rate.NewLimiter(rate.Limit(float64(class.ComputeSeconds)/class.Window.Seconds()), class.ComputeSeconds),
	}
	l.entries[key.ID] = e
	return e, nil
}

// Admit reserves one request slot and cost worth of compute time for
// the given key, and consumes one usage unit when the key's budget is
// finite. All three checks must pass; a denial leaves every bucket
// untouched. The returned Reservation can roll the admission back.
func (l *Limiter) Admit(ctx context.Context, key *entitlement.Key, cost time.Duration) (*Reservation, error) {
	e, err := l.entryFor(key)
	if err != nil {
		return nil, err
	}

	computeUnits := int(cost / time.Second)
	if cost%time.Second != 0 {
		computeUnits++
	}
	if computeUnits > e.class.ComputeSeconds {
		return nil, fmt.Errorf("%w: job needs %ds, class allows %ds per window",
			ErrComputeQuotaExceeded, computeUnits, e.class.ComputeSeconds)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	reqFromCredit := e.requestCredit > 0
	var reqRes *rate.Reservation
	if reqFromCredit {
		e.requestCredit--
	} else {
		reqRes = e.requests.ReserveN(now, 1)
		if !reqRes.OK() || reqRes.DelayFrom(now) > 0 {
			reqRes.CancelAt(now)
			return nil, ErrRequestQuotaExceeded
		}
	}
	undoRequest := func() {
		if reqFromCredit {
			e.requestCredit++
		} else {
			reqRes.CancelAt(now)
		}
	}

	creditUnits := min(e.computeCredit, computeUnits)
	bucketUnits := computeUnits - creditUnits
	var compRes *rate.Reservation
	if bucketUnits > 0 {
		compRes = e.compute.ReserveN(now, bucketUnits)
		if !compRes.OK() || compRes.DelayFrom(now) > 0 {
			compRes.CancelAt(now)
			undoRequest()
			return nil, ErrComputeQuotaExceeded
		}
	}
	e.computeCredit -= creditUnits

	usageConsumed := false
	if key.RemainingUsageCount != nil {
		if err := l.store.ConsumeUsage(ctx, key.ID); err != nil {
			if compRes != nil {
				compRes.CancelAt(now)
			}
			e.computeCredit += creditUnits
			undoRequest()
			if errors.Is(err, entitlement.ErrUsageExhausted) {
				return nil, ErrUsageCountExhausted
			}
			return nil, fmt.Errorf("consume usage: %w", err)
		}
		usageConsumed = true
	}

	return &Reservation{
		limiter:       l,
		entry:         e,
		keyID:         key.ID,
		requestHeld:   true,
		computeUnits:  computeUnits,
		usageConsumed: usageConsumed,
	}, nil
}

// Reservation is an admitted request's hold on the key's budgets.
type Reservation struct {
	limiter *Limiter
	entry   *keyEntry
	keyID   string

	mu            sync.Mutex
	requestHeld   bool
	computeUnits  int
	usageConsumed bool
}

// Release rolls the whole admission back: request slot, compute time
// and the consumed usage unit. Used when the job never reached the
// backend at all. Idempotent.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entry.mu.Lock()
	if r.requestHeld {
		r.requestHeld = false
		r.entry.creditRequest()
	}
	if r.computeUnits > 0 {
		r.entry.creditCompute(r.computeUnits)
		r.computeUnits = 0
	}
	r.entry.mu.Unlock()

	if r.usageConsumed {
		r.usageConsumed = false
		if err := r.limiter.store.RefundUsage(ctx, r.keyID); err != nil {
			return fmt.Errorf("refund usage: %w", err)
		}
	}
	return nil
}

// RefundCompute returns only the compute-time reservation. Used when
// the backend rejects the submission outright: the request still
// counted, but no compute time was spent. Idempotent.
func (r *Reservation) RefundCompute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.computeUnits == 0 {
		return
	}
	r.entry.mu.Lock()
	r.entry.creditCompute(r.computeUnits)
	r.entry.mu.Unlock()
	r.computeUnits = 0
}
