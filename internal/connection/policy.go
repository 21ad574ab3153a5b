package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/user/voicelink/internal/types"
)

// ErrNoPolicies is returned when discovery succeeds but yields no endpoints.
var ErrNoPolicies = errors.New("discovery returned no server policies")

// DiscoverFunc fetches a fresh list of candidate endpoints.
type DiscoverFunc func(ctx context.Context) ([]types.ServerPolicy, error)

// PolicyStore holds candidate endpoints in priority order. Each Next call
// consumes one; an exhausted store is refilled through discovery at most once
// per exhaustion, however many callers observe it empty.
type PolicyStore struct {
	discover DiscoverFunc
	group    singleflight.Group

	mu         sync.Mutex
	policies   []types.ServerPolicy
	generation uint64
}

func NewPolicyStore(discover DiscoverFunc) *PolicyStore {
	return &PolicyStore{discover: discover}
}

// Set replaces the stored policies, ordered by ascending priority. Policies
// with equal priority keep their discovery order.
func (s *PolicyStore) Set(policies []types.ServerPolicy) {
	sorted := slices.Clone(policies)
	slices.SortStableFunc(sorted, func(a, b types.ServerPolicy) int {
		return a.Priority - b.Priority
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = sorted
	s.generation++
}

// Clear drops every stored policy so the next call to Next performs discovery.
func (s *PolicyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = nil
}

func (s *PolicyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.policies)
}

// Remaining returns the policies not yet attempted.
func (s *PolicyStore) Remaining() []types.ServerPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.policies)
}

// Next removes and returns the front policy, refilling the store first when
// it is empty.
func (s *PolicyStore) Next(ctx context.Context) (types.ServerPolicy, error) {
	s.mu.Lock()
	if p, ok := s.popLocked(); ok {
		s.mu.Unlock()
		return p, nil
	}
	gen := s.generation
	s.mu.Unlock()

	if err := s.refill(ctx, gen); err != nil {
		return types.ServerPolicy{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.popLocked(); ok {
		return p, nil
	}
	return types.ServerPolicy{}, ErrNoPolicies
}

// Refill performs discovery now, regardless of what the store holds.
func (s *PolicyStore) Refill(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.refill(ctx, gen)
}

// refill runs discovery unless another caller already refilled the store
// since generation gen was observed.
func (s *PolicyStore) refill(ctx context.Context, gen uint64) error {
	_, err, _ := s.group.Do("discovery", func() (any, error) {
		s.mu.Lock()
		stale := s.generation != gen
		s.mu.Unlock()
		if stale {
			return nil, nil
		}

		policies, err := s.discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover server policies: %w", err)
		}
		s.Set(policies)
		return nil, nil
	})
	return err
}

func (s *PolicyStore) popLocked() (types.ServerPolicy, bool) {
	if len(s.policies) == 0 {
		return types.ServerPolicy{}, false
	}
	p := s.policies[0]
	s.policies = s.policies[1:]
	return p, true
}
