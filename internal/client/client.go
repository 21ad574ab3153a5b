package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/voicelink/internal/agents/extension"
	"github.com/user/voicelink/internal/agents/text"
	"github.com/user/voicelink/internal/auth"
	"github.com/user/voicelink/internal/connection"
	ctxengine "github.com/user/voicelink/internal/context"
	"github.com/user/voicelink/internal/dialog"
	"github.com/user/voicelink/internal/directive"
	"github.com/user/voicelink/internal/interaction"
	"github.com/user/voicelink/internal/state"
	"github.com/user/voicelink/internal/transport"
	"github.com/user/voicelink/internal/types"
	"github.com/user/voicelink/internal/upstream"
)

const defaultMaxConcurrent = 8

// Options configures a Client.
type Options struct {
	RegistryURL    string
	Scheme         string
	AccessToken    string
	GzipEvents     bool
	RequestTimeout time.Duration
	ContextTimeout time.Duration
	MaxConcurrent  int64
	Keepalive      bool
	HTTPClient     *http.Client
	Logger         *slog.Logger

	// Journal, when set, records directive outcomes and connection state
	// changes.
	Journal Journal

	// ConnectionOptions are appended to the connection manager's defaults.
	ConnectionOptions []connection.Option
}

// Journal is the activity log the client appends to.
type Journal interface {
	Append(ctx context.Context, entry *state.Entry) error
}

// Handler is one directive a plugin handles within its namespace.
type Handler struct {
	Name           string
	BlockingPolicy types.BlockingPolicy
	Handle         types.HandleDirective
	Cancel         func(d *types.Directive)
}

// Client wires the protocol core together and exposes the plugin surface
// capability agents build on.
type Client struct {
	logger  *slog.Logger
	journal Journal

	tokens      *auth.StaticToken
	transport   *transport.Client
	sequencer   *directive.Sequencer
	contexts    *ctxengine.Aggregator
	dispatcher  *upstream.Dispatcher
	connection  *connection.Manager
	dialogs     *dialog.AttributeStore
	interaction *interaction.Manager

	text      *text.Agent
	extension *extension.Agent
}

// New builds a client with the Text and Extension agents registered. The
// connection is not opened until Enable.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}

	c := &Client{
		logger:      logger,
		journal:     opts.Journal,
		tokens:      auth.NewStaticToken(opts.AccessToken),
		dialogs:     dialog.NewAttributeStore(),
		interaction: interaction.NewManager(logger),
	}

	c.transport = transport.New(transport.Config{
		RegistryURL:    opts.RegistryURL,
		Scheme:         opts.Scheme,
		Tokens:         c.tokens,
		GzipEvents:     opts.GzipEvents,
		RequestTimeout: opts.RequestTimeout,
		HTTPClient:     opts.HTTPClient,
		Logger:         logger,
	})

	c.sequencer = directive.New(opts.MaxConcurrent, logger)
	c.sequencer.Start(context.Background())
	c.sequencer.AddObserver(c)

	c.contexts = ctxengine.New(opts.ContextTimeout, logger)
	c.dispatcher = upstream.New(c.transport, c.contexts, logger)

	connOpts := []connection.Option{
		connection.WithLogger(logger),
		connection.WithKeepalive(opts.Keepalive),
	}
	connOpts = append(connOpts, opts.ConnectionOptions...)
	c.connection = connection.New(c.transport, c.receive, connOpts...)
	c.connection.AddObserver(c.recordState)

	var err error
	c.text, err = text.New(text.Deps{
		Directives:  c.sequencer,
		Contexts:    c.contexts,
		Events:      c.dispatcher,
		Dialogs:     c.dialogs,
		Interaction: c.interaction,
		Logger:      logger,
	})
	if err != nil {
		c.shutdown()
		return nil, err
	}
	c.extension, err = extension.New(extension.Deps{
		Directives: c.sequencer,
		Contexts:   c.contexts,
		Events:     c.dispatcher,
		Logger:     logger,
	})
	if err != nil {
		c.text.Close()
		c.shutdown()
		return nil, err
	}
	return c, nil
}

// receive feeds downstream directives to the sequencer.
func (c *Client) receive(d *types.Directive) {
	if err := c.sequencer.Dispatch(d); err != nil {
		c.logger.Debug("directive not dispatched", "namespace", d.Header.Namespace, "name", d.Header.Name, "error", err)
	}
}

// HandlerNotFound implements directive.Observer.
func (c *Client) HandlerNotFound(d *types.Directive) {
	c.logger.Info("directive dropped", "type", d.Header.Type(), "message_id", d.Header.MessageID)
	c.record(&state.Entry{
		Kind:            state.KindDropped,
		Type:            d.Header.Type(),
		DialogRequestID: string(d.Header.DialogRequestID),
		MessageID:       string(d.Header.MessageID),
	})
}

// DirectiveCompleted implements directive.Observer.
func (c *Client) DirectiveCompleted(d *types.Directive, result types.DirectiveResult) {
	c.logger.Debug("directive completed",
		"type", d.Header.Type(),
		"message_id", d.Header.MessageID,
		"dialog_request_id", d.Header.DialogRequestID,
		"result", result.String(),
	)
	c.record(&state.Entry{
		Kind:            state.KindDirective,
		Type:            d.Header.Type(),
		DialogRequestID: string(d.Header.DialogRequestID),
		MessageID:       string(d.Header.MessageID),
		Result:          result.String(),
	})
}

func (c *Client) recordState(s connection.State) {
	c.record(&state.Entry{Kind: state.KindConnection, Result: s.String()})
}

func (c *Client) record(entry *state.Entry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(context.Background(), entry); err != nil {
		c.logger.Warn("journal append failed", "kind", entry.Kind, "error", err)
	}
}

// Enable sets the access token, when given, and starts connecting.
func (c *Client) Enable(token string) {
	if token != "" {
		c.tokens.Set(token)
	}
	c.connection.Connect()
}

// Disable cancels every in-flight directive and event and disconnects.
func (c *Client) Disable() {
	c.sequencer.CancelAll()
	c.dispatcher.CancelAll()
	c.connection.Disconnect()
}

// Close disables the client and tears down the agents.
func (c *Client) Close() {
	c.Disable()
	c.extension.Close()
	c.text.Close()
	c.shutdown()
}

func (c *Client) shutdown() {
	c.dispatcher.Close()
	c.sequencer.Stop()
}

// RegisterDirectiveHandlers adds handlers for namespace. Keys already taken
// reject the whole batch.
func (c *Client) RegisterDirectiveHandlers(namespace string, handlers ...Handler) error {
	return c.sequencer.Register(handleInfos(namespace, handlers)...)
}

func (c *Client) RemoveDirectiveHandlers(namespace string, handlers ...Handler) {
	c.sequencer.Remove(handleInfos(namespace, handlers)...)
}

func handleInfos(namespace string, handlers []Handler) []types.DirectiveHandleInfo {
	infos := make([]types.DirectiveHandleInfo, len(handlers))
	for i, h := range handlers {
		infos[i] = types.DirectiveHandleInfo{
			Namespace:      namespace,
			Name:           h.Name,
			BlockingPolicy: h.BlockingPolicy,
			Handle:         h.Handle,
			Cancel:         h.Cancel,
		}
	}
	return infos
}

func (c *Client) RegisterContextProvider(name string, fn types.ContextProviderFunc) {
	c.contexts.AddProvider(name, fn)
}

func (c *Client) RemoveContextProvider(name string) {
	c.contexts.RemoveProvider(name)
}

// SendEvent sends ev with a context snapshot of scope.
func (c *Client) SendEvent(ev *types.Event, scope types.ContextScope, completion func(types.StreamDataState)) types.EventIdentifier {
	return c.dispatcher.Send(ev, scope, completion)
}

// SetClientContext publishes payload under name in the client section of
// every context snapshot. A nil payload removes it.
func (c *Client) SetClientContext(name string, payload any) {
	key := "client." + name
	if payload == nil {
		c.contexts.RemoveProvider(key)
		return
	}
	c.contexts.AddProvider(key, func(_ context.Context, complete func(*types.ContextInfo)) {
		complete(&types.ContextInfo{Type: types.ContextClient, Name: name, Payload: payload})
	})
}

// ContextSnapshot assembles the context for scope, blocking until done.
func (c *Client) ContextSnapshot(ctx context.Context, scope types.ContextScope) types.ContextPayload {
	return c.contexts.Snapshot(ctx, scope)
}

// RequestText sends text through the Text agent.
func (c *Client) RequestText(input, token, source string, requestType text.RequestType, completion func(types.StreamDataState)) types.EventIdentifier {
	return c.text.RequestTextInput(input, token, source, requestType, completion)
}

// Policies queries discovery directly, bypassing the policy store.
func (c *Client) Policies(ctx context.Context) ([]types.ServerPolicy, error) {
	policies, err := c.transport.Policies(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching server policies: %w", err)
	}
	return policies, nil
}

func (c *Client) ConnectionState() connection.State { return c.connection.State() }

func (c *Client) Endpoint() string { return c.connection.Endpoint() }

func (c *Client) AddConnectionObserver(fn func(connection.State)) {
	c.connection.AddObserver(fn)
}

func (c *Client) Dialogs() *dialog.AttributeStore { return c.dialogs }

func (c *Client) Interaction() *interaction.Manager { return c.interaction }

func (c *Client) Text() *text.Agent { return c.text }

func (c *Client) Extension() *extension.Agent { return c.extension }

// InFlightEvents reports sends still awaiting a terminal state.
func (c *Client) InFlightEvents() int { return c.dispatcher.InFlight() }
