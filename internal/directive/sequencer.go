package directive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/voicelink/internal/types"
)

var (
	ErrHandlerNotFound          = errors.New("directive handler not found")
	ErrHandlerAlreadyRegistered = errors.New("directive handler already registered")
	ErrQueueFull                = errors.New("directive lane full")
	ErrStopped                  = errors.New("sequencer stopped")
)

// Observer is notified about directives the sequencer could not route and
// about every terminal result. Callbacks run outside the sequencer lock.
type Observer interface {
	HandlerNotFound(d *types.Directive)
	DirectiveCompleted(d *types.Directive, result types.DirectiveResult)
}

// job is one dispatched directive from receipt to terminal result.
type job struct {
	directive *types.Directive
	entry     types.DirectiveHandleInfo

	once      sync.Once
	started   bool
	cancelled bool
}

// Sequencer routes directives to registered handlers. Non-blocking directives
// run immediately on their agent's lane; blocking directives additionally
// wait until no other blocking directive holds the same medium.
type Sequencer struct {
	lanes  *Lanes
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string]types.DirectiveHandleInfo

	// mu guards the blocking registry and the in-flight set.
	mu       sync.Mutex
	active   map[types.Medium]*job
	waiting  map[types.Medium][]*job
	inflight map[*job]struct{}

	observersMu sync.RWMutex
	observers   []Observer
}

var _ types.DirectiveRegistrar = (*Sequencer)(nil)

// New creates a Sequencer that runs up to maxConcurrent handlers at once.
func New(maxConcurrent int64, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		lanes:    NewLanes(maxConcurrent),
		logger:   logger,
		handlers: make(map[string]types.DirectiveHandleInfo),
		active:   make(map[types.Medium]*job),
		waiting:  make(map[types.Medium][]*job),
		inflight: make(map[*job]struct{}),
	}
}

// Start begins processing. Must be called before Dispatch.
func (s *Sequencer) Start(ctx context.Context) {
	s.lanes.Start(ctx)
}

// Stop waits for running lane jobs to return, then completes every directive
// that never reached its handler as cancelled. Handlers still holding a
// completion callback report their own result.
func (s *Sequencer) Stop() {
	s.lanes.Stop()

	var pending []*job
	s.mu.Lock()
	for medium, queue := range s.waiting {
		pending = append(pending, queue...)
		delete(s.waiting, medium)
	}
	for j := range s.inflight {
		if !j.started {
			pending = append(pending, j)
		}
	}
	s.mu.Unlock()

	for _, j := range pending {
		s.complete(j, types.Cancelled())
	}
}

// AddObserver registers an observer for not-found and completion notifications.
func (s *Sequencer) AddObserver(o Observer) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

// Register adds handler entries. The batch is rejected as a whole with
// ErrHandlerAlreadyRegistered if any key is already taken.
func (s *Sequencer) Register(infos ...types.DirectiveHandleInfo) error {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		key := info.Key()
		if _, exists := s.handlers[key]; exists || seen[key] {
			return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, key)
		}
		seen[key] = true
	}

	for _, info := range infos {
		s.handlers[info.Key()] = info
		s.logger.Debug("directive handler registered",
			"namespace", info.Namespace,
			"name", info.Name,
			"medium", info.BlockingPolicy.Medium,
			"blocking", info.BlockingPolicy.IsBlocking,
		)
	}
	return nil
}

// Remove deletes handler entries. Keys that are not registered are ignored.
func (s *Sequencer) Remove(infos ...types.DirectiveHandleInfo) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	for _, info := range infos {
		delete(s.handlers, info.Key())
	}
}

func (s *Sequencer) lookup(key string) (types.DirectiveHandleInfo, bool) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	info, ok := s.handlers[key]
	return info, ok
}

// Dispatch routes a directive to its handler. It never blocks on handler
// execution. Returns ErrHandlerNotFound (after notifying observers) when no
// entry matches the directive's namespace and name.
func (s *Sequencer) Dispatch(d *types.Directive) error {
	key := d.Header.Type()
	entry, ok := s.lookup(key)
	if !ok {
		s.logger.Warn("no handler for directive",
			"namespace", d.Header.Namespace,
			"name", d.Header.Name,
			"message_id", d.Header.MessageID,
		)
		s.notify(func(o Observer) { o.HandlerNotFound(d) })
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, key)
	}

	j := &job{directive: d, entry: entry}
	policy := entry.BlockingPolicy

	s.mu.Lock()
	if policy.IsBlocking {
		if holder, busy := s.active[policy.Medium]; busy {
			s.waiting[policy.Medium] = append(s.waiting[policy.Medium], j)
			s.mu.Unlock()
			s.logger.Debug("directive deferred by blocking policy",
				"namespace", d.Header.Namespace,
				"name", d.Header.Name,
				"message_id", d.Header.MessageID,
				"medium", policy.Medium,
				"active_message_id", holder.directive.Header.MessageID,
			)
			return nil
		}
		s.active[policy.Medium] = j
	}
	s.inflight[j] = struct{}{}
	s.mu.Unlock()

	s.start(j)
	return nil
}

// start hands a job to its agent's lane.
func (s *Sequencer) start(j *job) {
	d := j.directive
	err := s.lanes.Enqueue(j.entry.Namespace, func() { s.invoke(j) })
	if err != nil {
		s.logger.Error("enqueue directive failed",
			"namespace", d.Header.Namespace,
			"name", d.Header.Name,
			"message_id", d.Header.MessageID,
			"error", err,
		)
		s.complete(j, types.Failed(err.Error()))
	}
}

// invoke runs on the agent's lane.
func (s *Sequencer) invoke(j *job) {
	d := j.directive

	s.mu.Lock()
	cancelled := j.cancelled
	j.started = !cancelled
	s.mu.Unlock()
	if cancelled {
		s.complete(j, types.Cancelled())
		return
	}

	// The owning agent may have torn down its entry while this job waited.
	if current, ok := s.lookup(j.entry.Key()); !ok || current.Handle == nil {
		s.logger.Debug("directive handler removed before execution",
			"namespace", d.Header.Namespace,
			"name", d.Header.Name,
			"message_id", d.Header.MessageID,
		)
		s.complete(j, types.Cancelled())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("directive handler panicked",
				"namespace", d.Header.Namespace,
				"name", d.Header.Name,
				"message_id", d.Header.MessageID,
				"panic", r,
			)
			s.complete(j, types.Failed(fmt.Sprintf("handler panic: %v", r)))
		}
	}()

	j.entry.Handle(d, func(result types.DirectiveResult) {
		s.complete(j, result)
	})
}

// complete records the terminal result once, releases the blocking slot and
// promotes the next directive waiting for the same medium.
func (s *Sequencer) complete(j *job, result types.DirectiveResult) {
	j.once.Do(func() {
		d := j.directive
		policy := j.entry.BlockingPolicy

		var next *job
		s.mu.Lock()
		delete(s.inflight, j)
		if policy.IsBlocking && s.active[policy.Medium] == j {
			delete(s.active, policy.Medium)
			if queue := s.waiting[policy.Medium]; len(queue) > 0 {
				next = queue[0]
				if len(queue) == 1 {
					delete(s.waiting, policy.Medium)
				} else {
					s.waiting[policy.Medium] = queue[1:]
				}
				s.active[policy.Medium] = next
				s.inflight[next] = struct{}{}
			}
		}
		s.mu.Unlock()

		s.logger.Debug("directive completed",
			"namespace", d.Header.Namespace,
			"name", d.Header.Name,
			"message_id", d.Header.MessageID,
			"result", result.String(),
		)
		s.notify(func(o Observer) { o.DirectiveCompleted(d, result) })

		if next != nil {
			s.start(next)
		}
	})
}

// Cancel cancels every directive of a dialog. Directives not yet handed to
// their handler complete as cancelled; handlers already running get their
// entry's Cancel hook, if any.
func (s *Sequencer) Cancel(dialogRequestID types.DialogRequestID) {
	s.cancelMatching(func(d *types.Directive) bool {
		return d.Header.DialogRequestID == dialogRequestID
	})
}

// CancelAll cancels every queued and in-flight directive.
func (s *Sequencer) CancelAll() {
	s.cancelMatching(func(*types.Directive) bool { return true })
}

func (s *Sequencer) cancelMatching(match func(*types.Directive) bool) {
	var dropped, running []*job

	s.mu.Lock()
	for medium, queue := range s.waiting {
		kept := queue[:0]
		for _, j := range queue {
			if match(j.directive) {
				dropped = append(dropped, j)
			} else {
				kept = append(kept, j)
			}
		}
		if len(kept) == 0 {
			delete(s.waiting, medium)
		} else {
			s.waiting[medium] = kept
		}
	}
	for j := range s.inflight {
		if !match(j.directive) {
			continue
		}
		if j.started {
			running = append(running, j)
		} else {
			j.cancelled = true
		}
	}
	s.mu.Unlock()

	for _, j := range dropped {
		s.complete(j, types.Cancelled())
	}
	for _, j := range running {
		if j.entry.Cancel != nil {
			j.entry.Cancel(j.directive)
		}
	}
}

// ActiveMediums returns the message IDs currently holding each blocking medium.
func (s *Sequencer) ActiveMediums() map[types.Medium]types.MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.Medium]types.MessageID, len(s.active))
	for medium, j := range s.active {
		out[medium] = j.directive.Header.MessageID
	}
	return out
}

func (s *Sequencer) notify(fn func(Observer)) {
	s.observersMu.RLock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.observersMu.RUnlock()

	for _, o := range observers {
		fn(o)
	}
}
