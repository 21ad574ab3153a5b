package directive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const laneBuffer = 100

// Lanes manages per-agent serial lanes with a global concurrency semaphore.
// Each owner gets its own FIFO channel so jobs for one agent run in order,
// while the semaphore limits how many jobs execute at once across agents.
type Lanes struct {
	lanes     map[string]chan func()
	semaphore *semaphore.Weighted
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewLanes creates Lanes that run up to maxConcurrent jobs simultaneously.
func NewLanes(maxConcurrent int64) *Lanes {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Lanes{
		lanes:     make(map[string]chan func()),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the lanes' context. Must be called before Enqueue.
func (l *Lanes) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

// Stop cancels the lane context, closes every lane and waits for the lane
// goroutines to exit. Jobs still buffered are dropped without running.
func (l *Lanes) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		for _, lane := range l.lanes {
			close(lane)
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Enqueue appends job to owner's lane, creating the lane (and its goroutine)
// on first use.
func (l *Lanes) Enqueue(owner string, job func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || l.ctx == nil {
		return ErrStopped
	}

	lane, exists := l.lanes[owner]
	if !exists {
		lane = make(chan func(), laneBuffer)
		l.lanes[owner] = lane
		l.wg.Add(1)
		go l.processLane(owner, lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("%w: lane %s", ErrQueueFull, owner)
	}
}

// processLane drains one lane, holding a semaphore slot while a job runs.
func (l *Lanes) processLane(owner string, lane chan func()) {
	defer l.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := l.semaphore.Acquire(l.ctx, 1); err != nil {
				return
			}
			l.active.Add(1)
			l.run(owner, job)
			l.active.Add(-1)
			l.semaphore.Release(1)
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Lanes) run(owner string, job func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lane job panicked", "lane", owner, "panic", r)
		}
	}()
	job()
}

// WaitIdle blocks until no job is running or the timeout expires.
// Returns true if idle.
func (l *Lanes) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
