package upstream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/voicelink/internal/types"
)

// Transport delivers a composed message. The returned channel yields delivery
// states and is closed by the transport when delivery ends.
type Transport interface {
	SendEvent(ctx context.Context, msg *Message) <-chan types.StreamDataState
}

// ContextCollector produces context snapshots asynchronously.
type ContextCollector interface {
	Collect(ctx context.Context, scope types.ContextScope, done func(types.ContextPayload))
}

type inflight struct {
	cancel context.CancelFunc
}

// Dispatcher contextualizes and sends events, tracking each one until its
// single terminal state.
type Dispatcher struct {
	transport Transport
	contexts  ContextCollector
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[types.MessageID]*inflight
	wg       sync.WaitGroup
}

var _ types.EventSender = (*Dispatcher)(nil)

// New creates a Dispatcher. Call Close to cancel every in-flight send.
func New(transport Transport, contexts ContextCollector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transport: transport,
		contexts:  contexts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[types.MessageID]*inflight),
	}
}

// Send assigns a fresh identifier to ev and returns it immediately. The
// context snapshot for scope is collected, the message composed and handed to
// the transport in the background. completion, if non-nil, receives every
// delivery state and exactly one terminal state.
func (d *Dispatcher) Send(ev *types.Event, scope types.ContextScope, completion func(types.StreamDataState)) types.EventIdentifier {
	ctx, cancel := context.WithCancel(d.ctx)

	d.mu.Lock()
	id := types.NewEventIdentifier()
	for d.inflight[id.MessageID] != nil {
		id = types.NewEventIdentifier()
	}
	d.inflight[id.MessageID] = &inflight{cancel: cancel}
	d.wg.Add(1)
	d.mu.Unlock()

	report := d.reporter(id, ev, completion)

	d.contexts.Collect(ctx, scope, func(contextPayload types.ContextPayload) {
		defer d.wg.Done()
		defer d.release(id)

		if ctx.Err() != nil {
			report(types.StreamDataState{State: types.StreamCancelled})
			return
		}

		msg := Compose(id, ev, contextPayload)
		d.logger.Debug("sending event",
			"namespace", ev.Namespace,
			"name", ev.Name,
			"message_id", id.MessageID,
			"dialog_request_id", id.DialogRequestID,
		)

		terminal := false
		for state := range d.transport.SendEvent(ctx, msg) {
			if report(state) {
				terminal = true
			}
		}
		if !terminal {
			if ctx.Err() != nil {
				report(types.StreamDataState{State: types.StreamCancelled})
			} else {
				report(types.StreamDataState{State: types.StreamError, Err: types.ErrStreamClosed})
			}
		}
	})

	return id
}

// reporter returns a function forwarding states to completion until the
// first terminal one. It reports whether the state it was given was terminal.
func (d *Dispatcher) reporter(id types.EventIdentifier, ev *types.Event, completion func(types.StreamDataState)) func(types.StreamDataState) bool {
	var (
		mu   sync.Mutex
		done bool
	)
	return func(state types.StreamDataState) bool {
		mu.Lock()
		if done {
			mu.Unlock()
			return state.IsTerminal()
		}
		if state.IsTerminal() {
			done = true
		}
		mu.Unlock()

		if state.State == types.StreamError {
			d.logger.Warn("event delivery failed",
				"namespace", ev.Namespace,
				"name", ev.Name,
				"message_id", id.MessageID,
				"error", state.Err,
			)
		}
		if completion != nil {
			completion(state)
		}
		return state.IsTerminal()
	}
}

func (d *Dispatcher) release(id types.EventIdentifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inflight[id.MessageID]; ok {
		f.cancel()
		delete(d.inflight, id.MessageID)
	}
}

// Cancel aborts an in-flight send; its completion receives cancelled unless
// a terminal state was already delivered.
func (d *Dispatcher) Cancel(id types.EventIdentifier) {
	d.mu.Lock()
	f, ok := d.inflight[id.MessageID]
	d.mu.Unlock()
	if ok {
		f.cancel()
	}
}

// CancelAll aborts every in-flight send.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.inflight))
	for _, f := range d.inflight {
		cancels = append(cancels, f.cancel)
	}
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// InFlight returns the number of sends that have not reached a terminal state.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close cancels every in-flight send and waits for their completions.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
