// internal/types/interfaces.go
package types

import "context"

// DirectiveRegistrar is the handler-table surface capability agents use.
type DirectiveRegistrar interface {
	Register(infos ...DirectiveHandleInfo) error
	Remove(infos ...DirectiveHandleInfo)
}

// ContextProviderFunc reports one ContextInfo (or nil) through complete, exactly once.
type ContextProviderFunc func(ctx context.Context, complete func(*ContextInfo))

// ContextRegistrar is the provider-registry surface capability agents use.
type ContextRegistrar interface {
	AddProvider(name string, provider ContextProviderFunc)
	RemoveProvider(name string)
}

// EventSender sends an event with a context snapshot of the given scope.
type EventSender interface {
	Send(event *Event, scope ContextScope, completion func(StreamDataState)) EventIdentifier
}
