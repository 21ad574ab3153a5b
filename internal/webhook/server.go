// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/voicelink/internal/agents/text"
	"github.com/user/voicelink/internal/connection"
	"github.com/user/voicelink/internal/types"
)

// DefaultTextTimeout bounds how long POST /api/text waits for delivery.
const DefaultTextTimeout = 30 * time.Second

// Controller is the client surface the control API drives.
type Controller interface {
	ConnectionState() connection.State
	Endpoint() string
	InFlightEvents() int
	ContextSnapshot(ctx context.Context, scope types.ContextScope) types.ContextPayload
	RequestText(input, token, source string, requestType text.RequestType, completion func(types.StreamDataState)) types.EventIdentifier
	Policies(ctx context.Context) ([]types.ServerPolicy, error)
	Enable(token string)
	Disable()
}

// Server is the local HTTP control API.
type Server struct {
	client      Controller
	textTimeout time.Duration
	mux         *http.ServeMux
}

// NewServer creates a control API server for client.
func NewServer(client Controller) *Server {
	s := &Server{
		client:      client,
		textTimeout: DefaultTextTimeout,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/connection", s.handleConnection)
	s.mux.HandleFunc("GET /api/context", s.handleContext)
	s.mux.HandleFunc("GET /api/policies", s.handlePolicies)
	s.mux.HandleFunc("POST /api/text", s.handleText)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type connectionResponse struct {
	State          string `json:"state"`
	Error          string `json:"error,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	InFlightEvents int    `json:"in_flight_events"`
}

func (s *Server) connectionStatus() connectionResponse {
	state := s.client.ConnectionState()
	resp := connectionResponse{
		State:          state.Kind.String(),
		Endpoint:       s.client.Endpoint(),
		InFlightEvents: s.client.InFlightEvents(),
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	return resp
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connectionStatus())
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	scope := types.FullContext()
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		scope = types.CompactContext(ns)
	}
	writeJSON(w, http.StatusOK, s.client.ContextSnapshot(r.Context(), scope))
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.client.Policies(r.Context())
	if err != nil {
		slog.Error("policy discovery failed", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, types.ErrAuthFailed) {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serverPolicies": policies})
}

// textRequest is the JSON body for POST /api/text.
type textRequest struct {
	Text          string `json:"text"`
	Token         string `json:"token"`
	Source        string `json:"source"`
	RequestType   string `json:"request_type"`
	PlayServiceID string `json:"play_service_id"`
}

type textResponse struct {
	DialogRequestID string `json:"dialog_request_id"`
	MessageID       string `json:"message_id"`
	State           string `json:"state"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
		return
	}
	requestType, err := text.ParseRequestType(req.RequestType, req.PlayServiceID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	terminal := make(chan types.StreamDataState, 1)
	id := s.client.RequestText(req.Text, req.Token, req.Source, requestType, func(state types.StreamDataState) {
		if state.IsTerminal() {
			terminal <- state
		}
	})
	resp := textResponse{
		DialogRequestID: string(id.DialogRequestID),
		MessageID:       string(id.MessageID),
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.textTimeout)
	defer cancel()

	select {
	case state := <-terminal:
		resp.State = state.State.String()
		if state.Err != nil {
			resp.Error = state.Err.Error()
		}
		status := http.StatusOK
		if state.State != types.StreamFinished {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, resp)
	case <-ctx.Done():
		resp.State = "pending"
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// connectRequest is the optional JSON body for POST /api/connect.
type connectRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	s.client.Enable(req.Token)
	slog.Info("connect requested via control API")
	writeJSON(w, http.StatusAccepted, s.connectionStatus())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.client.Disable()
	slog.Info("disconnect requested via control API")
	writeJSON(w, http.StatusOK, s.connectionStatus())
}
