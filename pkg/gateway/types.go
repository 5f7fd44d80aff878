package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType groups event stream messages by subsystem.
type StreamType string

const (
	StreamTypePlugin    StreamType = "plugin"
	StreamTypeTool      StreamType = "tool"
	StreamTypeApproval  StreamType = "approval"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// EventMessage is one server-initiated message on the event stream.
type EventMessage struct {
	Type      string     `json:"type,omitempty"`
	Event     string     `json:"event"`
	Stream    StreamType `json:"stream,omitempty"`
	Phase     string     `json:"phase,omitempty"`
	Seq       int64      `json:"seq,omitempty"`
	PluginID  string     `json:"plugin_id,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	Error     string     `json:"error,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	Data      any        `json:"data,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// AuthChallenge is the server's opening message on secret-gated sockets.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is a client's answer to an authentication challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of socket authentication.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecisionMessage carries an approval decision over the socket.
type DecisionMessage struct {
	Method     string `json:"method"`
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// DecisionAck confirms whether a socket decision landed on a pending
// approval.
type DecisionAck struct {
	Event      string `json:"event"`
	ApprovalID string `json:"approval_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// ClientInfo is a snapshot of one connected socket client.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Idle          bool      `json:"idle"`
}

// ClientState tracks where a socket client is in its connection lifecycle.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// Client is one connected WebSocket client.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	State         ClientState

	writeMu sync.Mutex
}

// Send writes one JSON message to the client. Broadcasts and read-loop
// replies share the connection, so writes are serialized here.
func (c *Client) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// SendRaw writes one prepared message to the client.
func (c *Client) SendRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}
