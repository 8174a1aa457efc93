package types

import "encoding/json"

// WSMessageType defines WebSocket message types exchanged between runtimes.
type WSMessageType string

const (
	// Initiator -> target
	WSMsgJoin      WSMessageType = "join"
	WSMsgHeartbeat WSMessageType = "heartbeat"
	WSMsgPong      WSMessageType = "pong"

	// Target -> initiator
	WSMsgJoinAck WSMessageType = "join_ack"
	WSMsgPing    WSMessageType = "ping"
)

// WSMessage is the unified envelope for all WebSocket messages.
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the first frame on a new connection. It carries the
// initiator's identity; the target routes it to the handler bound for the
// initiator's role.
type JoinRequest struct {
	Endpoint Endpoint `json:"endpoint"`
	Role     Role     `json:"role"`
	Tags     []Tag    `json:"tags,omitempty"`
}

// JoinResponse acknowledges or refuses a JoinRequest. Tags carries the
// target's own tags so a master-initiated connect can record them without a
// second round trip.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Code     string `json:"code,omitempty"` // machine-readable refusal code
	Reason   string `json:"reason,omitempty"`
	Tags     []Tag  `json:"tags,omitempty"`
}

// Refusal codes carried in JoinResponse.Code.
const (
	CodeModeMismatch     = "mode_mismatch"
	CodeAlreadyConnected = "already_connected"
	CodeHasMaster        = "has_master"
	CodeRejected         = "rejected"
)

// HeartbeatRequest refreshes the sender's liveness on the receiving side.
type HeartbeatRequest struct {
	Endpoint  Endpoint `json:"endpoint"`
	Timestamp int64    `json:"timestamp"`
}

// DispatchRequest is a role-addressed request forwarded to the handler bound
// for Role on the receiving runtime.
type DispatchRequest struct {
	Role Role            `json:"role"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DispatchResponse carries the handler's reply or a dispatch error.
type DispatchResponse struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RoleResponse answers the non-mutating role probe.
type RoleResponse struct {
	Endpoint Endpoint `json:"endpoint"`
	Role     Role     `json:"role"`
}
