package connection

import "fmt"

// StateKind is a step of the connection state machine.
type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// State is the observable connection state. Err is set only for a
// disconnection caused by a failure.
type State struct {
	Kind StateKind
	Err  error
}

func (s State) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Kind, s.Err)
	}
	return s.Kind.String()
}
