package upstream

import (
	"encoding/json"

	"github.com/user/voicelink/internal/types"
)

// Message is a composed event ready for the transport. The three sections
// are serialized independently; a section that fails to serialize is empty.
type Message struct {
	Header      types.Header
	HeaderJSON  string
	PayloadJSON string
	ContextJSON string
}

// Compose builds the header for id and serializes every section of ev.
func Compose(id types.EventIdentifier, ev *types.Event, contextPayload types.ContextPayload) *Message {
	header := types.Header{
		Namespace:               ev.Namespace,
		Name:                    ev.Name,
		Version:                 ev.Version,
		DialogRequestID:         id.DialogRequestID,
		MessageID:               id.MessageID,
		ReferrerDialogRequestID: ev.ReferrerDialogRequestID,
	}

	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return &Message{
		Header:      header,
		HeaderJSON:  marshalSection(header),
		PayloadJSON: marshalSection(payload),
		ContextJSON: marshalSection(contextPayload),
	}
}

func marshalSection(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
