/**
 * @description
 * Websocket transport for the realtime channel. One connection per user carries
 * both gateway notifications and relay traffic for the sessions the user joins.
 *
 * @dependencies
 * - nhooyr.io/websocket: Upgrade, framing and close handshakes.
 */

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/app"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 64 << 10

var errMalformedFrame = errors.New("malformed frame")

// SessionEnder ends a session on behalf of a connected participant.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID, callerID uuid.UUID, reason string) (*domain.Session, error)
}

// Hub binds realtime connections to the gateway and the relay.
type Hub struct {
	relay    *Relay
	gateway  *Gateway
	sessions SessionEnder
	origins  []string
}

func NewHub(relay *Relay, gateway *Gateway, sessions SessionEnder, originPatterns []string) *Hub {
	return &Hub{
		relay:    relay,
		gateway:  gateway,
		sessions: sessions,
		origins:  originHosts(originPatterns),
	}
}

// originHosts converts browser origins ("https://app.example.com") into the
// host patterns websocket.Accept matches against.
func originHosts(origins []string) []string {
	var hosts []string
	for _, origin := range origins {
		host := strings.TrimSpace(origin)
		if _, rest, ok := strings.Cut(host, "://"); ok {
			host = rest
		}
		host = strings.TrimSuffix(host, "/")
		if host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// ServeWebSocket upgrades the request and serves the connection of an
// authenticated user until it closes.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Printf("level=warn component=websocket msg=\"upgrade failed\" user_id=%s err=%v", userID, err)
		return
	}
	ws.SetReadLimit(readLimit)

	conn := &wsConn{ws: ws}
	h.Run(r.Context(), userID, conn, func(ctx context.Context) (Envelope, error) {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if typ != websocket.MessageText || json.Unmarshal(data, &env) != nil || env.Type == "" {
			return Envelope{}, errMalformedFrame
		}
		return env, nil
	})
}

// Run registers conn for userID and dispatches frames returned by next until it
// fails. The connection then leaves every relay group it had joined.
func (h *Hub) Run(ctx context.Context, userID uuid.UUID, conn Conn, next func(context.Context) (Envelope, error)) {
	h.gateway.Register(userID, conn)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		h.gateway.Unregister(userID, conn)
		h.relay.ConnectionClosed(cleanupCtx, conn)
		_ = conn.Close("connection closed")
	}()

	for {
		env, err := next(ctx)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				h.reject(ctx, conn, "", "bad_request", "frame must be a JSON object with a type")
				continue
			}
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Printf("level=info component=websocket msg=\"connection dropped\" user_id=%s err=%v", userID, err)
			}
			return
		}
		h.handle(ctx, userID, conn, env)
	}
}

func (h *Hub) handle(ctx context.Context, userID uuid.UUID, conn Conn, env Envelope) {
	if env.Type == TypePing {
		_ = send(ctx, conn, Envelope{Type: TypePong})
		return
	}

	sessionID, err := uuid.Parse(env.SessionID)
	if err != nil {
		h.reject(ctx, conn, env.SessionID, "bad_request", "session_id must be a valid UUID")
		return
	}

	switch {
	case env.Type == TypeJoinSession:
		if err := h.relay.Join(ctx, sessionID, userID, conn); err != nil {
			kind, message := classify(err)
			h.reject(ctx, conn, env.SessionID, kind, message)
		}
	case env.Type == TypeLeaveSession:
		h.relay.Leave(ctx, sessionID, userID)
	case env.Type == TypeEndSession:
		var body struct {
			Reason string `json:"reason"`
		}
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &body)
		}
		if _, err := h.sessions.EndSession(ctx, sessionID, userID, body.Reason); err != nil {
			kind, message := classify(err)
			h.reject(ctx, conn, env.SessionID, kind, message)
		}
	case IsRelayKind(env.Type):
		var target *uuid.UUID
		if env.Target != "" {
			parsed, err := uuid.Parse(env.Target)
			if err != nil {
				h.reject(ctx, conn, env.SessionID, "bad_request", "target must be a valid UUID")
				return
			}
			target = &parsed
		}
		if err := h.relay.Relay(ctx, sessionID, userID, env.Type, env.Payload, target); err != nil {
			kind, message := classify(err)
			h.reject(ctx, conn, env.SessionID, kind, message)
		}
	default:
		h.reject(ctx, conn, env.SessionID, "bad_request", "unknown message type "+env.Type)
	}
}

func (h *Hub) reject(ctx context.Context, conn Conn, sessionID, kind, message string) {
	env := Envelope{
		Type:      TypeError,
		SessionID: sessionID,
		Payload:   mustPayload(map[string]string{"error": kind, "message": message}),
	}
	if err := send(ctx, conn, env); err != nil {
		log.Printf("level=warn component=websocket msg=\"error frame not delivered\" err=%v", err)
	}
}

func classify(err error) (kind, message string) {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, app.ErrUnauthorized):
		return "unauthorized", err.Error()
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, app.ErrSessionNotFound):
		return "session_not_found", err.Error()
	case errors.Is(err, ErrSessionClosed), errors.Is(err, app.ErrInvalidState):
		return "session_closed", err.Error()
	case errors.Is(err, ErrNotJoined):
		return "not_joined", err.Error()
	case errors.Is(err, ErrUnknownMessageKind):
		return "bad_request", err.Error()
	default:
		log.Printf("level=error component=websocket msg=\"request failed\" err=%v", err)
		return "internal", "an unexpected error occurred"
	}
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	return wsjson.Write(ctx, c.ws, env)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
