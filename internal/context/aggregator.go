// internal/context/aggregator.go
package context

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/voicelink/internal/types"
)

// DefaultTimeout bounds how long a single provider may take to report.
const DefaultTimeout = time.Second

type provider struct {
	name string
	fn   types.ContextProviderFunc
}

// Aggregator assembles context snapshots from registered providers.
// Providers are held by name only; removing one drops the aggregator's
// reference immediately.
type Aggregator struct {
	mu        sync.RWMutex
	providers map[string]types.ContextProviderFunc
	order     []string
	timeout   time.Duration
	logger    *slog.Logger
}

var _ types.ContextRegistrar = (*Aggregator)(nil)

// New creates an Aggregator. timeout is the per-provider deadline; zero uses
// DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		providers: make(map[string]types.ContextProviderFunc),
		timeout:   timeout,
		logger:    logger,
	}
}

// AddProvider registers fn under name, replacing any provider with that name.
func (a *Aggregator) AddProvider(name string, fn types.ContextProviderFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.providers[name]; !exists {
		a.order = append(a.order, name)
	}
	a.providers[name] = fn
}

// RemoveProvider unregisters the provider with the given name.
func (a *Aggregator) RemoveProvider(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.providers[name]; !exists {
		return
	}
	delete(a.providers, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Providers returns the registered provider names in registration order.
func (a *Aggregator) Providers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// selected captures the providers for scope at the instant of the call.
func (a *Aggregator) selected(scope types.ContextScope) []provider {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !scope.IsFull() {
		fn, ok := a.providers[scope.Namespace]
		if !ok {
			return nil
		}
		return []provider{{name: scope.Namespace, fn: fn}}
	}

	out := make([]provider, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, provider{name: name, fn: a.providers[name]})
	}
	return out
}

// Collect queries the providers selected by scope and calls done with the
// merged snapshot. It returns immediately; done runs on its own goroutine.
// A provider that does not report within the timeout contributes nothing.
func (a *Aggregator) Collect(ctx context.Context, scope types.ContextScope, done func(types.ContextPayload)) {
	providers := a.selected(scope)
	go func() {
		done(a.gather(ctx, providers))
	}()
}

// Snapshot is the blocking form of Collect.
func (a *Aggregator) Snapshot(ctx context.Context, scope types.ContextScope) types.ContextPayload {
	return a.gather(ctx, a.selected(scope))
}

func (a *Aggregator) gather(ctx context.Context, providers []provider) types.ContextPayload {
	var (
		mu      sync.Mutex
		payload = types.NewContextPayload()
		g       errgroup.Group
	)

	for _, p := range providers {
		g.Go(func() error {
			info, ok := a.query(ctx, p)
			if !ok || info == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			// Last write per name wins.
			switch info.Type {
			case types.ContextClient:
				payload.Client[info.Name] = info.Payload
			default:
				payload.SupportedInterfaces[info.Name] = info.Payload
			}
			return nil
		})
	}
	_ = g.Wait()

	return payload
}

// query runs one provider and waits for its report, the deadline, or ctx.
func (a *Aggregator) query(ctx context.Context, p provider) (*types.ContextInfo, bool) {
	qctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result := make(chan *types.ContextInfo, 1)
	var once sync.Once
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("context provider panicked", "provider", p.name, "panic", r)
			}
		}()
		p.fn(qctx, func(info *types.ContextInfo) {
			once.Do(func() { result <- info })
		})
	}()

	select {
	case info := <-result:
		return info, true
	case <-qctx.Done():
		a.logger.Warn("context provider timed out", "provider", p.name, "timeout", a.timeout)
		return nil, false
	}
}
