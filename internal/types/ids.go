// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type DialogRequestID string
type MessageID string

// EventIdentifier correlates an outbound event with its completion stream.
type EventIdentifier struct {
	DialogRequestID DialogRequestID `json:"dialogRequestId"`
	MessageID       MessageID       `json:"messageId"`
}

func NewDialogRequestID() DialogRequestID {
	return DialogRequestID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewEventIdentifier() EventIdentifier {
	return EventIdentifier{
		DialogRequestID: NewDialogRequestID(),
		MessageID:       NewMessageID(),
	}
}

// HandlerKey returns the handler-table key for a namespace and directive name.
func HandlerKey(namespace, name string) string {
	return strings.Join([]string{namespace, name}, ".")
}
