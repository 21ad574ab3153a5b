package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/voicelink/internal/types"
)

type part struct {
	directives []*types.Directive
	err        error
}

type fakeStream struct {
	ctx   context.Context
	parts chan part
}

func (s *fakeStream) Next() ([]*types.Directive, error) {
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case p, ok := <-s.parts:
		if !ok {
			return nil, io.EOF
		}
		return p.directives, p.err
	}
}

func (s *fakeStream) Close() error { return nil }

// fakeTransport answers each Open with the next scripted result. Once the
// script runs out, Open returns a stream that blocks until cancelled.
type fakeTransport struct {
	mu          sync.Mutex
	policies    []types.ServerPolicy
	discoveries int
	opened      []string
	script      []func(ctx context.Context) (Stream, error)
	pings       int
	pingErr     error
}

func newFakeTransport(script ...func(ctx context.Context) (Stream, error)) *fakeTransport {
	return &fakeTransport{
		policies: []types.ServerPolicy{
			{Hostname: "primary", Port: 443, Priority: 1},
			{Hostname: "secondary", Port: 443, Priority: 2},
		},
		script: script,
	}
}

func (f *fakeTransport) Policies(context.Context) ([]types.ServerPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveries++
	return f.policies, nil
}

func (f *fakeTransport) Open(ctx context.Context, policy types.ServerPolicy) (Stream, error) {
	f.mu.Lock()
	f.opened = append(f.opened, policy.Hostname)
	var next func(ctx context.Context) (Stream, error)
	if len(f.script) > 0 {
		next, f.script = f.script[0], f.script[1:]
	}
	f.mu.Unlock()

	if next == nil {
		return &fakeStream{ctx: ctx, parts: make(chan part)}, nil
	}
	return next(ctx)
}

func (f *fakeTransport) Ping(context.Context, types.ServerPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) counts() (opens, discoveries, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened), f.discoveries, f.pings
}

func (f *fakeTransport) hosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func failOpen(err error) func(ctx context.Context) (Stream, error) {
	return func(context.Context) (Stream, error) { return nil, err }
}

// streamOf yields the given parts and then fails with err, or blocks when
// err is nil.
func streamOf(err error, parts ...part) func(ctx context.Context) (Stream, error) {
	return func(ctx context.Context) (Stream, error) {
		ch := make(chan part, len(parts)+1)
		for _, p := range parts {
			ch <- p
		}
		if err != nil {
			ch <- part{err: err}
		}
		return &fakeStream{ctx: ctx, parts: ch}, nil
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) kinds() []StateKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StateKind, len(l.states))
	for i, s := range l.states {
		out[i] = s.Kind
	}
	return out
}

type waitLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitLog) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitLog) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func directive(name string) *types.Directive {
	return &types.Directive{Header: types.Header{Namespace: "Text", Name: name}}
}

func TestConnectReachesConnectedOnFirstPart(t *testing.T) {
	transport := newFakeTransport(streamOf(nil, part{directives: []*types.Directive{directive("TextSource")}}))

	var (
		mu       sync.Mutex
		received []string
	)
	m := New(transport, func(d *types.Directive) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, d.Header.Name)
	}, WithKeepalive(false))
	log := &stateLog{}
	m.AddObserver(log.observe)

	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool { return len(log.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []StateKind{Connecting, Connected}, log.kinds())
	assert.Equal(t, Connected, m.State().Kind)
	assert.Equal(t, "primary:443", m.Endpoint())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"TextSource"}, received)
	mu.Unlock()
}

func TestConnectIsIdempotentWhileRunning(t *testing.T) {
	transport := newFakeTransport()
	m := New(transport, func(*types.Directive) {}, WithKeepalive(false))

	m.Connect()
	m.Connect()
	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		opens, _, _ := transport.counts()
		return opens == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	opens, _, _ := transport.counts()
	assert.Equal(t, 1, opens)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	transport := newFakeTransport(failOpen(types.ErrAuthFailed))
	m := New(transport, func(*types.Directive) {}, WithKeepalive(false))
	log := &stateLog{}
	m.AddObserver(log.observe)

	m.Connect()
	done := m.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on auth failure")
	}

	state := m.State()
	assert.Equal(t, Disconnected, state.Kind)
	assert.ErrorIs(t, state.Err, types.ErrAuthFailed)
	assert.Equal(t, []StateKind{Connecting, Disconnected}, log.kinds())

	opens, _, _ := transport.counts()
	assert.Equal(t, 1, opens)

	// Resumed externally.
	m.Connect()
	defer m.Disconnect()
	require.Eventually(t, func() bool {
		opens, _, _ := transport.counts()
		return opens == 2
	}, time.Second, 5*time.Millisecond)
}

func TestNoSuitableServerRetriesImmediatelyWithFreshPolicies(t *testing.T) {
	transport := newFakeTransport(
		failOpen(types.ErrNoSuitableServer),
		streamOf(nil, part{}),
	)
	waits := &waitLog{}
	m := New(transport, func(*types.Directive) {}, WithKeepalive(false), WithWait(waits.wait))

	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool { return m.State().Kind == Connected }, time.Second, 5*time.Millisecond)
	_, discoveries, _ := transport.counts()
	assert.Equal(t, 2, discoveries)
	assert.Equal(t, []string{"primary", "primary"}, transport.hosts())
	assert.Empty(t, waits.recorded())
}

func TestTransientBackoffGrowsAndResetsAfterConnected(t *testing.T) {
	transient := errors.New("connection refused")
	transport := newFakeTransport(
		failOpen(transient),
		failOpen(transient),
		failOpen(transient),
		streamOf(transient, part{}),
		failOpen(transient),
	)
	waits := &waitLog{}
	m := New(transport, func(*types.Directive) {},
		WithKeepalive(false),
		WithWait(waits.wait),
		WithRandom(func() float64 { return 0.5 }),
	)
	log := &stateLog{}
	m.AddObserver(log.observe)

	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		opens, _, _ := transport.counts()
		return opens == 6
	}, time.Second, 5*time.Millisecond)

	// Attempts 0,1,2 before connecting; the stream failure after connecting
	// starts again from attempt 0.
	assert.Equal(t, []time.Duration{15 * time.Second, 30 * time.Second, 15 * time.Second}, waits.recorded())
	assert.Contains(t, log.kinds(), Connected)
}

func TestPoliciesRotateBeforeRediscovery(t *testing.T) {
	transient := errors.New("timeout")
	transport := newFakeTransport(
		failOpen(transient),
		failOpen(transient),
		failOpen(transient),
	)
	m := New(transport, func(*types.Directive) {},
		WithKeepalive(false),
		WithWait((&waitLog{}).wait),
	)

	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		opens, _, _ := transport.counts()
		return opens == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"primary", "secondary", "primary", "secondary"}, transport.hosts())
	_, discoveries, _ := transport.counts()
	assert.Equal(t, 2, discoveries)
}

func TestStreamEndIsTransient(t *testing.T) {
	transport := newFakeTransport(
		func(ctx context.Context) (Stream, error) {
			ch := make(chan part, 1)
			ch <- part{}
			close(ch)
			return &fakeStream{ctx: ctx, parts: ch}, nil
		},
	)
	m := New(transport, func(*types.Directive) {}, WithKeepalive(false), WithWait((&waitLog{}).wait))
	log := &stateLog{}
	m.AddObserver(log.observe)

	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		opens, _, _ := transport.counts()
		return opens == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []StateKind{Connecting, Connected, Disconnected, Connecting}, log.kinds()[:4])

	log.mu.Lock()
	assert.ErrorIs(t, log.states[2].Err, types.ErrStreamClosed)
	log.mu.Unlock()
}

func TestKeepaliveStopsAfterThreeFailuresWithoutDroppingStream(t *testing.T) {
	transport := newFakeTransport(streamOf(nil, part{}))
	transport.pingErr = errors.New("ping failed")
	waits := &waitLog{}
	m := New(transport, func(*types.Directive) {},
		WithWait(waits.wait),
		WithRandom(func() float64 { return 0 }),
	)

	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		_, _, pings := transport.counts()
		return pings == MaxPingFailures
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, _, pings := transport.counts()
	assert.Equal(t, MaxPingFailures, pings)
	assert.Equal(t, Connected, m.State().Kind)
	assert.Equal(t, []time.Duration{PingIntervalMin, PingRetryMin, PingRetryMin}, waits.recorded())
}

func TestDisconnectStopsLoopAndReportsDisconnected(t *testing.T) {
	transport := newFakeTransport(streamOf(nil, part{}))
	m := New(transport, func(*types.Directive) {}, WithKeepalive(false))
	log := &stateLog{}
	m.AddObserver(log.observe)

	m.Connect()
	require.Eventually(t, func() bool { return m.State().Kind == Connected }, time.Second, 5*time.Millisecond)

	m.Disconnect()
	assert.Equal(t, State{Kind: Disconnected}, m.State())
	assert.Equal(t, []StateKind{Connecting, Connected, Disconnected}, log.kinds())
	assert.Empty(t, m.Endpoint())
}

func TestConnectDuringDisconnectWaitsForOldLoop(t *testing.T) {
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	release := make(chan struct{})
	transport := newFakeTransport(func(ctx context.Context) (Stream, error) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		<-release
		return nil, ctx.Err()
	})
	m := New(transport, func(*types.Directive) {}, WithKeepalive(false))
	defer m.Disconnect()

	m.Connect()
	<-entered

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		m.Disconnect()
	}()
	<-cancelled

	connected := make(chan struct{})
	go func() {
		defer close(connected)
		m.Connect()
	}()

	// The old loop still owns the connection, so no second session may open.
	time.Sleep(20 * time.Millisecond)
	opens, _, _ := transport.counts()
	assert.Equal(t, 1, opens)

	close(release)
	<-disconnected
	<-connected

	require.Eventually(t, func() bool {
		opens, _, _ := transport.counts()
		return opens == 2
	}, time.Second, 5*time.Millisecond)

	done := m.Done()
	require.NotNil(t, done)
	select {
	case <-done:
		t.Fatal("reconnect loop is not running")
	default:
	}
	assert.Equal(t, Connecting, m.State().Kind)
}

func TestRandomSourceIsNotCalledConcurrently(t *testing.T) {
	transient := errors.New("reset")
	var script []func(ctx context.Context) (Stream, error)
	for range 5 {
		script = append(script, streamOf(transient, part{}))
	}
	transport := newFakeTransport(script...)
	transport.pingErr = errors.New("ping failed")

	// Unsynchronized on purpose; the manager must serialize draws.
	draws := 0
	m := New(transport, func(*types.Directive) {},
		WithWait(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		WithRandom(func() float64 {
			draws++
			return 0.5
		}),
	)

	m.Connect()
	require.Eventually(t, func() bool {
		opens, _, _ := transport.counts()
		return opens == 6
	}, time.Second, 5*time.Millisecond)
	m.Disconnect()

	assert.GreaterOrEqual(t, draws, 5)
}
