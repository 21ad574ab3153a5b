// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Header identifies a directive or event on the wire.
type Header struct {
	Namespace               string          `json:"namespace"`
	Name                    string          `json:"name"`
	Version                 string          `json:"version"`
	DialogRequestID         DialogRequestID `json:"dialogRequestId"`
	MessageID               MessageID       `json:"messageId"`
	ReferrerDialogRequestID DialogRequestID `json:"referrerDialogRequestId,omitempty"`
}

// Type returns the "namespace.name" form of the header.
func (h Header) Type() string {
	return HandlerKey(h.Namespace, h.Name)
}

// Directive is a server-to-device command. It is never mutated after receipt.
type Directive struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Medium names the output channel a blocking directive occupies.
type Medium string

const (
	MediumNone   Medium = "none"
	MediumAudio  Medium = "audio"
	MediumVisual Medium = "visual"
)

// BlockingPolicy restricts concurrent execution of directives sharing a medium.
type BlockingPolicy struct {
	Medium     Medium `json:"medium"`
	IsBlocking bool   `json:"isBlocking"`
}

// ResultStatus is the terminal outcome a directive handler reports.
type ResultStatus string

const (
	ResultFinished  ResultStatus = "finished"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// DirectiveResult is passed exactly once to a handler's completion callback.
type DirectiveResult struct {
	Status ResultStatus
	Reason string
}

func Finished() DirectiveResult { return DirectiveResult{Status: ResultFinished} }

func Failed(reason string) DirectiveResult {
	return DirectiveResult{Status: ResultFailed, Reason: reason}
}

func Cancelled() DirectiveResult { return DirectiveResult{Status: ResultCancelled} }

func (r DirectiveResult) String() string {
	if r.Reason == "" {
		return string(r.Status)
	}
	return fmt.Sprintf("%s(%s)", r.Status, r.Reason)
}

// HandleDirective processes a directive and must call complete exactly once.
type HandleDirective func(d *Directive, complete func(DirectiveResult))

// DirectiveHandleInfo is one entry of the directive handler table.
// Cancel is optional; when set it is invoked for in-flight directives of a
// cancelled dialog and the handler is expected to complete with Cancelled.
type DirectiveHandleInfo struct {
	Namespace      string
	Name           string
	BlockingPolicy BlockingPolicy
	Handle         HandleDirective
	Cancel         func(d *Directive)
}

func (i DirectiveHandleInfo) Key() string {
	return HandlerKey(i.Namespace, i.Name)
}

// Event is a device-to-server notification before it is contextualized.
type Event struct {
	Namespace               string
	Name                    string
	Version                 string
	Payload                 map[string]any
	ReferrerDialogRequestID DialogRequestID
}

// ContextType separates capability contexts from client contexts.
type ContextType string

const (
	ContextCapability ContextType = "capability"
	ContextClient     ContextType = "client"
)

// ContextInfo is the contribution of one provider to a context snapshot.
type ContextInfo struct {
	Type    ContextType
	Name    string
	Payload any
}

// ContextPayload is the merged snapshot attached to an outbound event.
type ContextPayload struct {
	SupportedInterfaces map[string]any `json:"supportedInterfaces"`
	Client              map[string]any `json:"client"`
}

// NewContextPayload returns an empty snapshot with initialised maps.
func NewContextPayload() ContextPayload {
	return ContextPayload{
		SupportedInterfaces: make(map[string]any),
		Client:              make(map[string]any),
	}
}

// ContextScope selects which providers are queried for a snapshot.
// An empty Namespace means every registered provider.
type ContextScope struct {
	Namespace string
}

// FullContext queries every registered provider.
func FullContext() ContextScope { return ContextScope{} }

// CompactContext queries only the provider registered under namespace.
func CompactContext(namespace string) ContextScope { return ContextScope{Namespace: namespace} }

func (s ContextScope) IsFull() bool { return s.Namespace == "" }

// ServerPolicy is a candidate endpoint for the downstream connection.
type ServerPolicy struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Priority int    `json:"priority"`
}

// Address returns host:port.
func (p ServerPolicy) Address() string {
	return net.JoinHostPort(p.Hostname, strconv.Itoa(p.Port))
}

// StreamState is one step of an upstream delivery.
type StreamState int

const (
	StreamSent StreamState = iota
	StreamFinished
	StreamError
	StreamCancelled
)

func (s StreamState) String() string {
	switch s {
	case StreamSent:
		return "sent"
	case StreamFinished:
		return "finished"
	case StreamError:
		return "error"
	case StreamCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StreamDataState is delivered to an event's completion callback.
type StreamDataState struct {
	State StreamState
	Err   error
}

func (s StreamDataState) IsTerminal() bool {
	return s.State != StreamSent
}

func (s StreamDataState) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.State, s.Err)
	}
	return s.State.String()
}
