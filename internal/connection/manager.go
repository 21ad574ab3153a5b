package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/user/voicelink/internal/types"
)

// Stream is an open downstream connection. Next blocks for the next part and
// returns the directives it carried; it must return once the context passed
// to Open is cancelled.
type Stream interface {
	Next() ([]*types.Directive, error)
	Close() error
}

// Transport is the network collaborator the manager drives.
type Transport interface {
	Policies(ctx context.Context) ([]types.ServerPolicy, error)
	Open(ctx context.Context, policy types.ServerPolicy) (Stream, error)
	Ping(ctx context.Context, policy types.ServerPolicy) error
}

// DirectiveSink receives every directive read from the stream, in order.
type DirectiveSink func(d *types.Directive)

// WaitFunc pauses for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Option func(*Manager)

// WithWait replaces the timer used for backoff and keepalive pauses.
func WithWait(wait WaitFunc) Option {
	return func(m *Manager) { m.wait = wait }
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
// The reconnect loop and the keepalive loop share it; the manager serializes
// calls, so fn need not be safe for concurrent use.
func WithRandom(fn func() float64) Option {
	return func(m *Manager) { m.random = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithKeepalive enables or disables the ping loop. Enabled by default.
func WithKeepalive(enabled bool) Option {
	return func(m *Manager) { m.keepalive = enabled }
}

// Manager owns the single downstream stream and its reconnect loop.
type Manager struct {
	transport Transport
	sink      DirectiveSink
	store     *PolicyStore
	logger    *slog.Logger
	wait      WaitFunc
	keepalive bool

	randMu sync.Mutex
	random func() float64

	// lifecycle serializes Connect and Disconnect, including the wait for
	// the previous loop to exit.
	lifecycle sync.Mutex

	// transition serializes state changes with their notifications.
	transition sync.Mutex

	mu        sync.Mutex
	state     State
	endpoint  string
	observers []func(State)
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(transport Transport, sink DirectiveSink, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		sink:      sink,
		store:     NewPolicyStore(transport.Policies),
		logger:    slog.Default(),
		wait:      sleepContext,
		random:    rand.Float64,
		keepalive: true,
		state:     State{Kind: Disconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// AddObserver registers fn for state transitions. Observers run on the
// connection goroutine and must not block or call Connect/Disconnect.
func (m *Manager) AddObserver(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint returns the address of the policy currently in use, if any.
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

func (m *Manager) Policies() *PolicyStore {
	return m.store
}

// Connect starts the reconnect loop. While a loop is already running the
// call is a no-op.
func (m *Manager) Connect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		select {
		case <-m.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go func() {
		defer close(done)
		m.run(ctx)
	}()
}

// Disconnect stops the loop, closes the stream and waits for both. A
// Connect issued meanwhile starts its loop only after Disconnect returns.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	m.setState(State{Kind: Disconnected})
}

// Done returns a channel closed when the current loop exits, or nil when no
// loop was started.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) run(ctx context.Context) {
	attempt := 0
	for {
		m.setState(State{Kind: Connecting})

		err := m.session(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return
		}
		m.setState(State{Kind: Disconnected, Err: err})

		var delay time.Duration
		class := Classify(err)
		switch class {
		case ClassAuth:
			m.logger.Error("connection rejected, waiting for re-authorization", "error", err)
			return
		case ClassNoSuitableServer:
			m.store.Clear()
		default:
			delay = ReconnectDelay(attempt, m.jitter())
			attempt++
		}

		m.logger.Warn("connection lost, retrying",
			"error", err,
			"class", class.String(),
			"attempt", attempt,
			"delay", delay,
		)
		if delay > 0 {
			if err := m.wait(ctx, delay); err != nil {
				return
			}
		}
	}
}

// session connects to the next policy and consumes its stream until it
// fails. onConnected runs when the first part arrives.
func (m *Manager) session(ctx context.Context, onConnected func()) error {
	policy, err := m.store.Next(ctx)
	if err != nil {
		return fmt.Errorf("select server: %w", err)
	}

	m.mu.Lock()
	m.endpoint = policy.Address()
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.endpoint = ""
		m.mu.Unlock()
	}()

	stream, err := m.transport.Open(ctx, policy)
	if err != nil {
		return fmt.Errorf("open stream %s: %w", policy.Address(), err)
	}
	defer stream.Close()

	var stopKeepalive func()
	defer func() {
		if stopKeepalive != nil {
			stopKeepalive()
		}
	}()

	for {
		directives, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = types.ErrStreamClosed
			}
			return fmt.Errorf("read stream %s: %w", policy.Address(), err)
		}

		if stopKeepalive == nil {
			onConnected()
			m.setState(State{Kind: Connected})
			stopKeepalive = func() {}
			if m.keepalive {
				stopKeepalive = m.startKeepalive(ctx, policy)
			}
		}

		for _, d := range directives {
			m.sink(d)
		}
	}
}

// jitter draws from the random source.
func (m *Manager) jitter() float64 {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return m.random()
}

// setState records next and notifies observers when the kind changes.
func (m *Manager) setState(next State) {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	if m.state.Kind == next.Kind {
		m.mu.Unlock()
		return
	}
	m.state = next
	observers := make([]func(State), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Info("connection state changed", "state", next.Kind.String(), "error", next.Err)
	for _, fn := range observers {
		fn(next)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
