// Package gateway exposes the plugin runtime over HTTP: a REST surface for
// lifecycle and tool operations, a Prometheus endpoint, and a WebSocket
// event stream that also carries approval decisions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/patchbay/patchbay/internal/history"
	"github.com/patchbay/patchbay/internal/observability"
	"github.com/patchbay/patchbay/internal/tracing"
	"github.com/patchbay/patchbay/pkg/executor"
	"github.com/patchbay/patchbay/pkg/plugin"
)

// SecretHeader carries the shared secret on mutating HTTP requests.
const SecretHeader = "X-Patchbay-Secret"

// APIVersion is reported by the status endpoint.
const APIVersion = plugin.HostAPIVersion

// Server is the patchbay gateway server.
type Server struct {
	host         string
	port         int
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	auth         *AuthHandler
	broadcaster  *EventBroadcaster
	approvals    *ApprovalForwarder
	runtime      *plugin.Runtime
	executor     *executor.Executor
	history      *history.Store
	logger       zerolog.Logger
	startedAt    time.Time
	shutdownMu   sync.RWMutex
	shuttingDown bool
}

// Config holds gateway configuration.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Runtime      *plugin.Runtime
	Executor     *executor.Executor

	// Broadcaster delivers the event stream. Optional; supplying one lets
	// callers wire its sink into the runtime before the server exists.
	Broadcaster *EventBroadcaster

	// Approvals handles gateway-mode approval requests. Optional; without
	// it the approvals endpoint reports every ID as unknown.
	Approvals *ApprovalForwarder

	// History backs the invocations endpoint. Optional.
	History *history.Store

	Logger zerolog.Logger
}

// NewServer creates a gateway server. A broadcaster is created when the
// config does not supply one.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("plugin runtime is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewEventBroadcaster(NewClientRegistry(), cfg.Logger)
	}
	clients := broadcaster.Clients()

	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		clients:     clients,
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: broadcaster,
		approvals:   cfg.Approvals,
		runtime:     cfg.Runtime,
		executor:    cfg.Executor,
		history:     cfg.History,
		logger:      cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	return s, nil
}

// Broadcaster exposes the event broadcaster for sink wiring.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Handler returns the gateway's HTTP handler, trace middleware included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/v1/plugins", s.handlePluginList)
	mux.HandleFunc("GET /api/v1/plugins/{id}", s.handlePluginDetail)
	mux.HandleFunc("GET /api/v1/plugins/{id}/tools", s.handlePluginTools)
	mux.HandleFunc("POST /api/v1/plugins/{id}/activate", s.secured(s.handlePluginActivate))
	mux.HandleFunc("POST /api/v1/plugins/{id}/deactivate", s.secured(s.handlePluginDeactivate))
	mux.HandleFunc("POST /api/v1/plugins/{id}/reload", s.secured(s.handlePluginReload))

	mux.HandleFunc("GET /api/v1/tools", s.handleToolList)
	mux.HandleFunc("GET /api/v1/tools/{name}", s.handleToolDetail)
	mux.HandleFunc("GET /api/v1/tools/{name}/resolve", s.handleToolResolve)
	mux.HandleFunc("POST /api/v1/tools/{name}/invoke", s.secured(s.handleToolInvoke))

	mux.HandleFunc("GET /api/v1/system/status", s.handleSystemStatus)
	mux.HandleFunc("GET /api/v1/invocations", s.handleInvocationList)
	mux.HandleFunc("GET /api/v1/approvals", s.handleApprovalList)
	mux.HandleFunc("POST /api/v1/approvals/{id}", s.secured(s.handleApprovalDecision))

	return tracing.Middleware(mux)
}

// Start begins serving. It returns once the listener is accepting.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.startedAt = time.Now()

	s.logger.Info().Str("addr", addr).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server: clients hear a shutdown event, sockets
// close, and in-flight HTTP requests get a grace period.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:  "server.shutdown",
		Stream: StreamTypeLifecycle,
		Data:   map[string]any{"message": "Server is shutting down"},
	})

	for _, client := range s.clients.All() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// secured rejects requests whose shared secret header does not match. With
// no secret configured everything passes.
func (s *Server) secured(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.VerifySecret(r.Header.Get(SecretHeader)) {
			observability.RecordSecurityAudit(r.Context(), "http.auth", r.RemoteAddr, "failure", map[string]any{
				"path": r.URL.Path,
			})
			writeError(w, http.StatusUnauthorized, "invalid or missing shared secret")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleWebSocket upgrades the connection and starts the client's read
// loop. With a shared secret configured the client must answer a
// challenge before it receives events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.shuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		State:        StateConnecting,
	}

	s.clients.Add(client)
	observability.SetWebSocketClients(s.clients.Count())

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if s.auth.Enabled() {
		if err := s.sendAuthChallenge(client); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
			conn.Close()
			s.clients.Remove(clientID)
			observability.SetWebSocketClients(s.clients.Count())
			return
		}
	} else {
		client.Authenticated = true
		client.State = StateAuthenticated
		if err := client.Send(AuthResult{Event: "auth.success", Success: true}); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
			conn.Close()
			s.clients.Remove(clientID)
			observability.SetWebSocketClients(s.clients.Count())
			return
		}
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.Send(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		observability.SetWebSocketClients(s.clients.Count())
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			break
		}

		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage dispatches one socket message. Clients speak a small
// method-tagged protocol: auth.response before authentication,
// approval.decision after.
func (s *Server) handleMessage(client *Client, message []byte) {
	var envelope struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		_ = client.Send(AuthResult{Event: "error", Message: "malformed message"})
		return
	}

	switch envelope.Method {
	case "auth.response":
		var authResp AuthResponse
		if err := json.Unmarshal(message, &authResp); err != nil {
			_ = client.Send(AuthResult{Event: "error", Message: "malformed auth response"})
			return
		}
		s.handleAuthMessage(client, authResp)

	case "approval.decision":
		if !client.Authenticated {
			_ = client.Send(AuthResult{Event: "error", Message: "authentication required"})
			return
		}
		var decision DecisionMessage
		if err := json.Unmarshal(message, &decision); err != nil {
			_ = client.Send(AuthResult{Event: "error", Message: "malformed decision"})
			return
		}
		s.handleDecisionMessage(client, decision)

	default:
		_ = client.Send(AuthResult{Event: "error", Message: fmt.Sprintf("unknown method %q", envelope.Method)})
	}
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.auth.HandleAuthResponse(client, authResp.Signature)

	if err := client.Send(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		observability.RecordSecurityAudit(context.Background(), "ws.auth", client.ID, "failure", map[string]any{
			"ip": client.IPAddress,
		})

		if client.AuthAttempts >= 3 {
			client.Conn.Close()
		}
		return
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}

func (s *Server) handleDecisionMessage(client *Client, msg DecisionMessage) {
	if msg.ApprovalID == "" {
		_ = client.Send(DecisionAck{Event: "approval.ack", Success: false, Message: "approval_id is required"})
		return
	}

	ack := DecisionAck{Event: "approval.ack", ApprovalID: msg.ApprovalID, Success: true}
	err := s.resolveApproval(msg.ApprovalID, executor.ApprovalDecision{
		Approved: msg.Approved,
		Reason:   msg.Reason,
	}, client.ID)
	if err != nil {
		ack.Success = false
		ack.Message = err.Error()
	}

	if err := client.Send(ack); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send decision ack")
	}
}

// resolveApproval lands a decision on the forwarder and audits who made it.
func (s *Server) resolveApproval(id string, decision executor.ApprovalDecision, actor string) error {
	if s.approvals == nil {
		return fmt.Errorf("%w: approval %q", plugin.ErrNotFound, id)
	}
	if err := s.approvals.Resolve(id, decision); err != nil {
		return err
	}
	observability.RecordSecurityAudit(context.Background(), "approval.decision", actor, "success", map[string]any{
		"approval_id": id,
		"approved":    decision.Approved,
		"reason":      decision.Reason,
	})
	return nil
}

// ConnectedClients reports the connected socket clients.
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Snapshot()
}
