// internal/types/errors.go
package types

import "errors"

// Network error classes shared by the transport and the connection manager.
var (
	ErrAuthFailed       = errors.New("authorization failed")
	ErrNoSuitableServer = errors.New("no suitable resource server")
	ErrBadRequest       = errors.New("bad request")
	ErrTimeout          = errors.New("request timeout")
	ErrStreamClosed     = errors.New("stream closed")
)
