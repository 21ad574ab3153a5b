package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/voicelink/internal/auth"
	"github.com/user/voicelink/internal/connection"
	"github.com/user/voicelink/internal/types"
	"github.com/user/voicelink/internal/upstream"
)

// ErrNotConnected is reported for events sent while no stream is open.
var ErrNotConnected = fmt.Errorf("no active server: %w", types.ErrNoSuitableServer)

const defaultRequestTimeout = 10 * time.Second

// Config holds transport settings.
type Config struct {
	RegistryURL    string
	Scheme         string // "https" unless overridden
	Tokens         auth.TokenSource
	GzipEvents     bool
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client speaks the HTTP side of the protocol: discovery, the downstream
// directive stream, event delivery and keepalive pings. Events are posted to
// the server of the most recently opened stream.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	endpoint *types.ServerPolicy
}

var (
	_ connection.Transport = (*Client)(nil)
	_ upstream.Transport   = (*Client)(nil)
)

// New creates a transport client.
func New(config Config) *Client {
	if config.Scheme == "" {
		config.Scheme = "https"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		// No client-wide timeout: the directive stream is long-lived.
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// policiesResponse is the discovery response body.
type policiesResponse struct {
	ServerPolicies []types.ServerPolicy `json:"serverPolicies"`
}

// Policies fetches candidate endpoints from the registry.
func (c *Client) Policies(ctx context.Context) ([]types.ServerPolicy, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.config.RegistryURL+"/v1/policies", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending discovery request: %w", requestError(ctx, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading discovery response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}

	var body policiesResponse
	if err := json.Unmarshal(respBody, &body); err != nil {
		return nil, fmt.Errorf("parsing discovery response: %w", err)
	}
	return body.ServerPolicies, nil
}

// Open starts the directive stream against policy and makes it the target
// for subsequent events until the stream is closed.
func (c *Client) Open(ctx context.Context, policy types.ServerPolicy) (connection.Stream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL(policy)+"/v1/directives", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "multipart/related")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening directive stream: %w", requestError(ctx, err))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, respBody)
	}

	s, err := newStream(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	endpoint := &policy
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
	s.onClose = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.endpoint == endpoint {
			c.endpoint = nil
		}
	}

	c.logger.Info("directive stream opened", "endpoint", policy.Address())
	return s, nil
}

// Ping sends a keepalive request to policy.
func (c *Client) Ping(ctx context.Context, policy types.ServerPolicy) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL(policy)+"/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending ping: %w", requestError(ctx, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, nil)
	}
	return nil
}

// Endpoint returns the policy events are currently sent to.
func (c *Client) Endpoint() (types.ServerPolicy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.endpoint == nil {
		return types.ServerPolicy{}, false
	}
	return *c.endpoint, true
}

func (c *Client) baseURL(policy types.ServerPolicy) string {
	return c.config.Scheme + "://" + policy.Address()
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.config.Tokens != nil {
		token, err := c.config.Tokens.Token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// statusError maps an HTTP status to the shared network error classes.
func statusError(code int, body []byte) error {
	var class error
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		class = types.ErrAuthFailed
	case http.StatusServiceUnavailable:
		class = types.ErrNoSuitableServer
	case http.StatusBadRequest:
		class = types.ErrBadRequest
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		class = types.ErrTimeout
	default:
		if len(body) > 0 {
			return fmt.Errorf("unexpected status %d: %s", code, string(body))
		}
		return fmt.Errorf("unexpected status %d", code)
	}
	return fmt.Errorf("status %d: %w", code, class)
}

// requestError marks deadline failures as timeouts.
func requestError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}
	return err
}
