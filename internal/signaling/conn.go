package signaling

import (
	"context"
	"encoding/json"
	"time"
)

// Inbound message types.
const (
	TypeJoinSession  = "join-session"
	TypeLeaveSession = "leave-session"
	TypeEndSession   = "end-session"
	TypePing         = "ping"
)

// Relay message kinds forwarded between peers.
const (
	KindOffer             = "offer"
	KindAnswer            = "answer"
	KindICECandidate      = "ice-candidate"
	KindChatMessage       = "chat-message"
	KindConnectionQuality = "connection-quality"
)

// Outbound message types produced by the relay itself.
const (
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeSessionEnded = "session-ended"
	TypeError        = "error"
	TypePong         = "pong"
)

const sendTimeout = 5 * time.Second

var relayKinds = map[string]bool{
	KindOffer:             true,
	KindAnswer:            true,
	KindICECandidate:      true,
	KindChatMessage:       true,
	KindConnectionQuality: true,
}

// IsRelayKind reports whether kind is forwarded peer to peer.
func IsRelayKind(kind string) bool {
	return relayKinds[kind]
}

// Envelope is the JSON frame exchanged over a realtime connection. Payloads of
// relay kinds are opaque to the server.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	From      string          `json:"from,omitempty"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Conn is one live realtime connection. Send must be safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Close(reason string) error
}

func mustPayload(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func send(ctx context.Context, conn Conn, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return conn.Send(ctx, env)
}
