package text

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/voicelink/internal/interaction"
	"github.com/user/voicelink/internal/types"
)

const (
	Namespace = "Text"
	Version   = "1.5"

	errorCodeNotSupported = "NOT_SUPPORTED_STATE"
)

// Delegate lets the application veto text directives. A nil delegate
// accepts everything.
type Delegate interface {
	ShouldHandleTextSource(d *types.Directive) bool
	ShouldHandleTextRedirect(d *types.Directive) bool
}

// DialogAttributes supplies the attributes merged into dialog requests.
type DialogAttributes interface {
	Attributes() map[string]any
}

// InteractionController brackets the period a redirect holds interaction.
type InteractionController interface {
	Start(mode interaction.Mode, category string)
	Finish(mode interaction.Mode, category string)
}

// Deps are the collaborators the agent registers with and sends through.
type Deps struct {
	Directives  types.DirectiveRegistrar
	Contexts    types.ContextRegistrar
	Events      types.EventSender
	Dialogs     DialogAttributes
	Interaction InteractionController
	Logger      *slog.Logger
}

// Agent handles the Text capability: text injected by the server or the
// application becomes a TextInput event.
type Agent struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	delegate Delegate
}

// New creates the agent and registers its handlers and context provider.
func New(deps Deps) (*Agent, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{deps: deps, logger: logger.With("agent", Namespace)}

	if err := deps.Directives.Register(a.handleInfos()...); err != nil {
		return nil, fmt.Errorf("registering text handlers: %w", err)
	}
	deps.Contexts.AddProvider(Namespace, a.provideContext)
	return a, nil
}

// Close removes the agent's handlers and provider.
func (a *Agent) Close() {
	a.deps.Directives.Remove(a.handleInfos()...)
	a.deps.Contexts.RemoveProvider(Namespace)
}

func (a *Agent) SetDelegate(d Delegate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegate = d
}

func (a *Agent) handleInfos() []types.DirectiveHandleInfo {
	nonBlocking := types.BlockingPolicy{Medium: types.MediumNone, IsBlocking: false}
	return []types.DirectiveHandleInfo{
		{Namespace: Namespace, Name: "TextSource", BlockingPolicy: nonBlocking, Handle: a.handleTextSource},
		{Namespace: Namespace, Name: "TextRedirect", BlockingPolicy: nonBlocking, Handle: a.handleTextRedirect},
	}
}

func (a *Agent) provideContext(_ context.Context, complete func(*types.ContextInfo)) {
	complete(&types.ContextInfo{
		Type:    types.ContextCapability,
		Name:    Namespace,
		Payload: map[string]any{"version": Version},
	})
}

// RequestTextInput sends text as a TextInput event with the full context.
func (a *Agent) RequestTextInput(text, token, source string, requestType RequestType, completion func(types.StreamDataState)) types.EventIdentifier {
	return a.deps.Events.Send(a.textInput(text, token, source, requestType, ""), types.FullContext(), completion)
}

type sourcePayload struct {
	Text          *string `json:"text"`
	Token         string  `json:"token"`
	Source        string  `json:"source"`
	PlayServiceID *string `json:"playServiceId"`
}

type redirectPayload struct {
	sourcePayload
	TargetPlayServiceID *string `json:"targetPlayServiceId"`
	InteractionControl  *struct {
		Mode interaction.Mode `json:"mode"`
	} `json:"interactionControl"`
}

func (a *Agent) handleTextSource(d *types.Directive, complete func(types.DirectiveResult)) {
	var payload sourcePayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil || payload.Text == nil {
		complete(types.Failed("Invalid payload"))
		return
	}
	defer complete(types.Finished())

	referrer := d.Header.DialogRequestID
	if !a.shouldHandle(func(dl Delegate) bool { return dl.ShouldHandleTextSource(d) }) {
		a.sendFailed("TextSourceFailed", payload.failureFields(), referrer, nil)
		return
	}

	requestType := DialogRequest()
	if payload.PlayServiceID != nil {
		requestType = SpecificRequest(*payload.PlayServiceID)
	}
	ev := a.textInput(*payload.Text, payload.Token, payload.Source, requestType, referrer)
	a.deps.Events.Send(ev, types.FullContext(), nil)
}

func (a *Agent) handleTextRedirect(d *types.Directive, complete func(types.DirectiveResult)) {
	var payload redirectPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil || payload.Text == nil {
		complete(types.Failed("Invalid payload"))
		return
	}
	defer complete(types.Finished())

	completion := func(types.StreamDataState) {}
	if ic := payload.InteractionControl; ic != nil && a.deps.Interaction != nil {
		a.deps.Interaction.Start(ic.Mode, Namespace)
		var once sync.Once
		completion = func(state types.StreamDataState) {
			if state.IsTerminal() {
				once.Do(func() { a.deps.Interaction.Finish(ic.Mode, Namespace) })
			}
		}
	}

	referrer := d.Header.DialogRequestID
	if !a.shouldHandle(func(dl Delegate) bool { return dl.ShouldHandleTextRedirect(d) }) {
		a.sendFailed("TextRedirectFailed", payload.failureFields(), referrer, completion)
		return
	}

	requestType := NormalRequest()
	if payload.TargetPlayServiceID != nil {
		requestType = SpecificRequest(*payload.TargetPlayServiceID)
	}
	ev := a.textInput(*payload.Text, payload.Token, payload.Source, requestType, referrer)
	a.deps.Events.Send(ev, types.FullContext(), completion)
}

func (a *Agent) shouldHandle(ask func(Delegate) bool) bool {
	a.mu.RLock()
	d := a.delegate
	a.mu.RUnlock()
	return d == nil || ask(d)
}

// failureFields returns the fields echoed back in a failure event.
func (p sourcePayload) failureFields() map[string]any {
	fields := map[string]any{"token": p.Token}
	if p.PlayServiceID != nil {
		fields["playServiceId"] = *p.PlayServiceID
	}
	return fields
}

func (a *Agent) sendFailed(name string, fields map[string]any, referrer types.DialogRequestID, completion func(types.StreamDataState)) {
	fields["errorCode"] = errorCodeNotSupported
	a.logger.Info("text directive rejected by delegate", "name", name, "referrer", referrer)
	a.deps.Events.Send(&types.Event{
		Namespace:               Namespace,
		Name:                    name,
		Version:                 Version,
		Payload:                 fields,
		ReferrerDialogRequestID: referrer,
	}, types.CompactContext(Namespace), completion)
}

func (a *Agent) textInput(text, token, source string, requestType RequestType, referrer types.DialogRequestID) *types.Event {
	payload := map[string]any{"text": text}
	if token != "" {
		payload["token"] = token
	}

	switch requestType.Kind {
	case KindSpecific:
		payload["playServiceId"] = requestType.PlayServiceID
	case KindDialog:
		if a.deps.Dialogs != nil {
			for k, v := range a.deps.Dialogs.Attributes() {
				payload[k] = v
			}
		}
	}
	if source != "" {
		payload["source"] = source
	}

	return &types.Event{
		Namespace:               Namespace,
		Name:                    "TextInput",
		Version:                 Version,
		Payload:                 payload,
		ReferrerDialogRequestID: referrer,
	}
}
