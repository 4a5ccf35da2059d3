package testutils

import (
	"context"
	"errors"
	"sync"

	"edgewaf/waf"
)

// MemCounterStore is an in-memory waf.CounterStore for tests. TTLs are
// recorded but never expire.
type MemCounterStore struct {
	mu       sync.Mutex
	Counters map[string]int64
	Members  map[string]map[string]struct{}
	Lists    map[string][]string

	// Fail makes every call return an error, for degraded-mode tests.
	Fail bool
}

// NewMemCounterStore creates an empty store.
func NewMemCounterStore() *MemCounterStore {
	return &MemCounterStore{
		Counters: make(map[string]int64),
		Members:  make(map[string]map[string]struct{}),
		Lists:    make(map[string][]string),
	}
}

var errStoreDown = errors.New("counter store down")

// ListLengths implements waf.CounterStore.
func (s *MemCounterStore) ListLengths(_ context.Context, keys []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, errStoreDown
	}
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = int64(len(s.Lists[k]))
	}
	return out, nil
}

// PushSequences implements waf.CounterStore.
func (s *MemCounterStore) PushSequences(_ context.Context, pushes []waf.ListPush) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return errStoreDown
	}
	for _, p := range pushes {
		s.Lists[p.Key] = append(s.Lists[p.Key], p.Value)
	}
	return nil
}

// IncrCounters implements waf.CounterStore.
func (s *MemCounterStore) IncrCounters(_ context.Context, incrs []waf.CounterIncr) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, errStoreDown
	}
	out := make([]int64, len(incrs))
	for i, incr := range incrs {
		if incr.Member == "" {
			s.Counters[incr.Key]++
			out[i] = s.Counters[incr.Key]
			continue
		}
		m := s.Members[incr.Key]
		if m == nil {
			m = make(map[string]struct{})
			s.Members[incr.Key] = m
		}
		m[incr.Member] = struct{}{}
		out[i] = int64(len(m))
	}
	return out, nil
}
