package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/voicelink/internal/types"
)

func TestPolicyStoreDrainsInPriorityOrderBeforeRefill(t *testing.T) {
	var discoveries atomic.Int32
	store := NewPolicyStore(func(context.Context) ([]types.ServerPolicy, error) {
		discoveries.Add(1)
		return []types.ServerPolicy{
			{Hostname: "c", Port: 443, Priority: 30},
			{Hostname: "a", Port: 443, Priority: 10},
			{Hostname: "b1", Port: 443, Priority: 20},
			{Hostname: "b2", Port: 443, Priority: 20},
		}, nil
	})

	var hosts []string
	for i := 0; i < 4; i++ {
		p, err := store.Next(context.Background())
		require.NoError(t, err)
		hosts = append(hosts, p.Hostname)
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, hosts)
	assert.Equal(t, int32(1), discoveries.Load())
	assert.Zero(t, store.Len())

	p, err := store.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", p.Hostname)
	assert.Equal(t, int32(2), discoveries.Load())
}

func TestPolicyStoreSingleRefillForConcurrentCallers(t *testing.T) {
	var discoveries atomic.Int32
	gate := make(chan struct{})
	store := NewPolicyStore(func(context.Context) ([]types.ServerPolicy, error) {
		discoveries.Add(1)
		<-gate
		return []types.ServerPolicy{
			{Hostname: "a", Priority: 1},
			{Hostname: "b", Priority: 2},
			{Hostname: "c", Priority: 3},
			{Hostname: "d", Priority: 4},
			{Hostname: "e", Priority: 5},
		}, nil
	})

	var wg sync.WaitGroup
	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := store.Next(context.Background())
			if err == nil {
				results <- p.Hostname
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for h := range results {
		seen[h] = true
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, int32(1), discoveries.Load())
}

func TestPolicyStoreEmptyDiscovery(t *testing.T) {
	store := NewPolicyStore(func(context.Context) ([]types.ServerPolicy, error) {
		return nil, nil
	})
	_, err := store.Next(context.Background())
	assert.ErrorIs(t, err, ErrNoPolicies)
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestPolicyStoreDiscoveryErrorIsWrapped(t *testing.T) {
	store := NewPolicyStore(func(context.Context) ([]types.ServerPolicy, error) {
		return nil, types.ErrAuthFailed
	})
	_, err := store.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAuthFailed))
	assert.Contains(t, err.Error(), "discover server policies")
}

func TestPolicyStoreClearForcesDiscovery(t *testing.T) {
	var discoveries atomic.Int32
	store := NewPolicyStore(func(context.Context) ([]types.ServerPolicy, error) {
		discoveries.Add(1)
		return []types.ServerPolicy{{Hostname: "a"}, {Hostname: "b"}}, nil
	})

	_, err := store.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	store.Clear()
	_, err = store.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), discoveries.Load())
	assert.Equal(t, []types.ServerPolicy{{Hostname: "b"}}, store.Remaining())
}
