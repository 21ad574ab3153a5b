package connection

import (
	"errors"
	"strings"
	"time"

	"github.com/user/voicelink/internal/types"
)

// Timing constants for reconnection and keepalive.
const (
	ReconnectStep = 30 * time.Second

	PingIntervalMin = 180 * time.Second
	PingIntervalMax = 300 * time.Second

	PingRetryMin = 10 * time.Second
	PingRetryMax = 30 * time.Second

	MaxPingFailures = 3
)

// ErrorClass decides how the reconnect loop reacts to a stream failure.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassAuth
	ClassNoSuitableServer
)

func (c ErrorClass) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassNoSuitableServer:
		return "no_suitable_server"
	default:
		return "transient"
	}
}

// Classify maps a stream error to its class. Typed sentinels are checked
// first; untyped errors fall back to message inspection. Unknown errors are
// transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	switch {
	case errors.Is(err, types.ErrAuthFailed):
		return ClassAuth
	case errors.Is(err, types.ErrNoSuitableServer):
		return ClassNoSuitableServer
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") {
		return ClassAuth
	}
	if strings.Contains(msg, "no suitable") {
		return ClassNoSuitableServer
	}
	return ClassTransient
}

// ReconnectDelay returns the jittered delay before retry number attempt
// (0-indexed, reset after every successful connection). r is a uniform
// sample in [0, 1). The result lies in [0, attempt*ReconnectStep].
func ReconnectDelay(attempt int, r float64) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(clamp(r) * float64(attempt) * float64(ReconnectStep))
}

// PingInterval returns a keepalive interval in [PingIntervalMin, PingIntervalMax).
func PingInterval(r float64) time.Duration {
	return between(PingIntervalMin, PingIntervalMax, r)
}

// PingRetryDelay returns the pause after a failed ping in [PingRetryMin, PingRetryMax).
func PingRetryDelay(r float64) time.Duration {
	return between(PingRetryMin, PingRetryMax, r)
}

func between(lo, hi time.Duration, r float64) time.Duration {
	d := lo + time.Duration(clamp(r)*float64(hi-lo))
	if d >= hi {
		d = hi - 1
	}
	return d
}

func clamp(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
