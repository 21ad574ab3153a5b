package extension

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxengine "github.com/user/voicelink/internal/context"
	"github.com/user/voicelink/internal/directive"
	"github.com/user/voicelink/internal/types"
)

type sentEvent struct {
	event *types.Event
	scope types.ContextScope
}

type sender struct {
	events chan sentEvent
}

func (s *sender) Send(ev *types.Event, scope types.ContextScope, _ func(types.StreamDataState)) types.EventIdentifier {
	s.events <- sentEvent{event: ev, scope: scope}
	return types.NewEventIdentifier()
}

type delegate struct {
	err     error
	context any
	got     chan json.RawMessage
}

func (d *delegate) HandleAction(data json.RawMessage, _ string, _ types.DialogRequestID) error {
	d.got <- data
	return d.err
}

func (d *delegate) ExtensionContext() any { return d.context }

type completions struct {
	results chan types.DirectiveResult
}

func (c *completions) HandlerNotFound(*types.Directive) {}

func (c *completions) DirectiveCompleted(_ *types.Directive, r types.DirectiveResult) {
	c.results <- r
}

func setup(t *testing.T) (*Agent, *directive.Sequencer, *ctxengine.Aggregator, *sender, *completions) {
	t.Helper()
	seq := directive.New(4, nil)
	seq.Start(context.Background())
	t.Cleanup(seq.Stop)

	done := &completions{results: make(chan types.DirectiveResult, 4)}
	seq.AddObserver(done)

	agg := ctxengine.New(time.Second, nil)
	events := &sender{events: make(chan sentEvent, 4)}
	agent, err := New(Deps{Directives: seq, Contexts: agg, Events: events})
	require.NoError(t, err)
	return agent, seq, agg, events, done
}

func action(payload string) *types.Directive {
	return &types.Directive{
		Header: types.Header{
			Namespace:       Namespace,
			Name:            "Action",
			Version:         Version,
			DialogRequestID: "dialog-7",
			MessageID:       types.NewMessageID(),
		},
		Payload: json.RawMessage(payload),
	}
}

func TestActionSucceeded(t *testing.T) {
	agent, seq, _, events, done := setup(t)
	dl := &delegate{got: make(chan json.RawMessage, 1)}
	agent.SetDelegate(dl)

	require.NoError(t, seq.Dispatch(action(`{"playServiceId":"lamp","data":{"on":true}}`)))

	assert.Equal(t, types.Finished(), <-done.results)
	assert.JSONEq(t, `{"on":true}`, string(<-dl.got))

	ev := <-events.events
	assert.Equal(t, "ActionSucceeded", ev.event.Name)
	assert.Equal(t, map[string]any{"playServiceId": "lamp"}, ev.event.Payload)
	assert.Equal(t, types.CompactContext(Namespace), ev.scope)
	assert.Equal(t, types.DialogRequestID("dialog-7"), ev.event.ReferrerDialogRequestID)
}

func TestActionFailed(t *testing.T) {
	agent, seq, _, events, done := setup(t)
	agent.SetDelegate(&delegate{err: errors.New("device offline"), got: make(chan json.RawMessage, 1)})

	require.NoError(t, seq.Dispatch(action(`{"playServiceId":"lamp","data":{}}`)))
	assert.Equal(t, types.Finished(), <-done.results)
	assert.Equal(t, "ActionFailed", (<-events.events).event.Name)
}

func TestActionWithoutDelegateFails(t *testing.T) {
	_, seq, _, events, done := setup(t)

	require.NoError(t, seq.Dispatch(action(`{"playServiceId":"lamp"}`)))
	assert.Equal(t, types.Finished(), <-done.results)
	assert.Equal(t, "ActionFailed", (<-events.events).event.Name)
}

func TestActionInvalidPayload(t *testing.T) {
	_, seq, _, events, done := setup(t)

	require.NoError(t, seq.Dispatch(action(`{"data":{}}`)))
	assert.Equal(t, types.Failed("Invalid payload"), <-done.results)
	assert.Empty(t, events.events)
}

func TestContextIncludesDelegateData(t *testing.T) {
	agent, _, agg, _, _ := setup(t)

	snap := agg.Snapshot(context.Background(), types.CompactContext(Namespace))
	assert.Equal(t, map[string]any{"version": "1.1"}, snap.SupportedInterfaces[Namespace])

	agent.SetDelegate(&delegate{context: map[string]any{"lamp": "on"}})
	snap = agg.Snapshot(context.Background(), types.FullContext())
	assert.Equal(t, map[string]any{
		"version": "1.1",
		"data":    map[string]any{"lamp": "on"},
	}, snap.SupportedInterfaces[Namespace])

	agent.Close()
	snap = agg.Snapshot(context.Background(), types.FullContext())
	assert.NotContains(t, snap.SupportedInterfaces, Namespace)
}
