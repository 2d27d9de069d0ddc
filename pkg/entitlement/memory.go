package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
//
// Safe for concurrent use. Suitable for tests and single-instance
// deployments; production deployments use the SQLite-backed store.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	keys map[string]*Key // by id
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
		keys: make(map[string]*Key),
	}
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) CreateKey(_ context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = copyKey(key)
	return nil
}

func (s *MemoryStore) GetKeyByValue(_ context.Context, value string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Value == value {
			return copyKey(k), nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetKeyByID(_ context.Context, id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(k), nil
}

func (s *MemoryStore) ActiveKeyForUser(_ context.Context, userID string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Status != StatusActive {
			continue
		}
		sub, ok := s.subs[k.SubscriptionID]
		if ok && sub.UserID == userID {
			return copyKey(k), nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ConsumeUsage(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	if k.RemainingUsageCount == nil {
		return nil
	}
	if *k.RemainingUsageCount <= 0 {
		return ErrUsageExhausted
	}
	*k.RemainingUsageCount--
	return nil
}

func (s *MemoryStore) RefundUsage(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	if k.RemainingUsageCount == nil {
		return nil
	}
	*k.RemainingUsageCount++
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	k.Status = StatusRevoked
	return nil
}

func (s *MemoryStore) TouchLastUsed(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	t := at
	k.LastUsedAt = &t
	return nil
}

func (s *MemoryStore) ListKeys(_ context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func copyKey(k *Key) *Key {
	cp := *k
	if k.RemainingUsageCount != nil {
		n := *k.RemainingUsageCount
		cp.RemainingUsageCount = &n
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
