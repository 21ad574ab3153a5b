package connection

import (
	"context"

	"github.com/user/voicelink/internal/types"
)

// startKeepalive runs the ping loop for policy until the returned stop
// function is called or ctx ends.
func (m *Manager) startKeepalive(ctx context.Context, policy types.ServerPolicy) (stop func()) {
	kctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.keepaliveLoop(kctx, policy)
	}()
	return func() {
		cancel()
		<-done
	}
}

// keepaliveLoop pings at a jittered interval. After MaxPingFailures
// consecutive failures it gives up; the stream itself stays open.
func (m *Manager) keepaliveLoop(ctx context.Context, policy types.ServerPolicy) {
	endpoint := policy.Address()
	for {
		if err := m.wait(ctx, PingInterval(m.jitter())); err != nil {
			return
		}

		failures := 0
		for {
			err := m.transport.Ping(ctx, policy)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}

			failures++
			m.logger.Warn("keepalive ping failed", "endpoint", endpoint, "attempt", failures, "error", err)
			if failures >= MaxPingFailures {
				m.logger.Error("keepalive stopped", "endpoint", endpoint, "failures", failures)
				return
			}
			if err := m.wait(ctx, PingRetryDelay(m.jitter())); err != nil {
				return
			}
		}
	}
}
