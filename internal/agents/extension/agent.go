package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/voicelink/internal/types"
)

const (
	Namespace = "Extension"
	Version   = "1.1"
)

// ErrNoDelegate is reported when an action arrives with no application
// delegate to run it.
var ErrNoDelegate = errors.New("no extension delegate")

// Delegate runs application-defined actions and reports the extension state
// included in the context.
type Delegate interface {
	HandleAction(data json.RawMessage, playServiceID string, dialogRequestID types.DialogRequestID) error
	ExtensionContext() any
}

type Deps struct {
	Directives types.DirectiveRegistrar
	Contexts   types.ContextRegistrar
	Events     types.EventSender
	Logger     *slog.Logger
}

// Agent forwards Extension.Action directives to the application and reports
// the outcome upstream.
type Agent struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	delegate Delegate
}

func New(deps Deps) (*Agent, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{deps: deps, logger: logger.With("agent", Namespace)}

	if err := deps.Directives.Register(a.handleInfos()...); err != nil {
		return nil, fmt.Errorf("registering extension handlers: %w", err)
	}
	deps.Contexts.AddProvider(Namespace, a.provideContext)
	return a, nil
}

func (a *Agent) Close() {
	a.deps.Directives.Remove(a.handleInfos()...)
	a.deps.Contexts.RemoveProvider(Namespace)
}

func (a *Agent) SetDelegate(d Delegate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegate = d
}

func (a *Agent) currentDelegate() Delegate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.delegate
}

func (a *Agent) handleInfos() []types.DirectiveHandleInfo {
	return []types.DirectiveHandleInfo{{
		Namespace:      Namespace,
		Name:           "Action",
		BlockingPolicy: types.BlockingPolicy{Medium: types.MediumNone},
		Handle:         a.handleAction,
	}}
}

func (a *Agent) provideContext(_ context.Context, complete func(*types.ContextInfo)) {
	payload := map[string]any{"version": Version}
	if d := a.currentDelegate(); d != nil {
		if data := d.ExtensionContext(); data != nil {
			payload["data"] = data
		}
	}
	complete(&types.ContextInfo{Type: types.ContextCapability, Name: Namespace, Payload: payload})
}

type actionPayload struct {
	PlayServiceID *string         `json:"playServiceId"`
	Data          json.RawMessage `json:"data"`
}

func (a *Agent) handleAction(d *types.Directive, complete func(types.DirectiveResult)) {
	var payload actionPayload
	if err := json.Unmarshal(d.Payload, &payload); err != nil || payload.PlayServiceID == nil {
		complete(types.Failed("Invalid payload"))
		return
	}
	defer complete(types.Finished())

	err := ErrNoDelegate
	if dl := a.currentDelegate(); dl != nil {
		err = dl.HandleAction(payload.Data, *payload.PlayServiceID, d.Header.DialogRequestID)
	}

	name := "ActionSucceeded"
	if err != nil {
		name = "ActionFailed"
		a.logger.Warn("extension action failed", "play_service_id", *payload.PlayServiceID, "error", err)
	}
	a.deps.Events.Send(&types.Event{
		Namespace:               Namespace,
		Name:                    name,
		Version:                 Version,
		Payload:                 map[string]any{"playServiceId": *payload.PlayServiceID},
		ReferrerDialogRequestID: d.Header.DialogRequestID,
	}, types.CompactContext(Namespace), nil)
}
