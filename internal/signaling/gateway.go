package signaling

import (
	"context"
	"log"
	"sync"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
)

// Gateway maps each user to their current realtime connection and pushes
// best-effort notifications. Nothing is queued for offline users.
type Gateway struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]Conn
}

func NewGateway() *Gateway {
	return &Gateway{conns: make(map[uuid.UUID]Conn)}
}

// Register makes conn the current connection of userID, replacing any older one.
func (g *Gateway) Register(userID uuid.UUID, conn Conn) {
	g.mu.Lock()
	_, replaced := g.conns[userID]
	g.conns[userID] = conn
	g.mu.Unlock()
	log.Printf("level=info component=gateway msg=\"connection registered\" user_id=%s replaced=%t", userID, replaced)
}

// Unregister clears userID only if conn is still its current connection, so a
// late close of a replaced connection cannot evict the newer one.
func (g *Gateway) Unregister(userID uuid.UUID, conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.conns[userID]; ok && current == conn {
		delete(g.conns, userID)
	}
}

func (g *Gateway) Connected(userID uuid.UUID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[userID]
	return ok
}

// Notify delivers n to userID and reports whether it was sent.
func (g *Gateway) Notify(ctx context.Context, userID uuid.UUID, n domain.Notification) bool {
	g.mu.RLock()
	conn, ok := g.conns[userID]
	g.mu.RUnlock()
	if !ok {
		log.Printf("level=info component=gateway msg=\"user offline; notification dropped\" user_id=%s type=%s", userID, n.Type)
		return false
	}

	env := Envelope{Type: n.Type, Payload: mustPayload(n.Payload)}
	if n.SessionID != uuid.Nil {
		env.SessionID = n.SessionID.String()
	}
	if err := send(ctx, conn, env); err != nil {
		log.Printf("level=warn component=gateway msg=\"notification send failed\" user_id=%s type=%s err=%v", userID, n.Type, err)
		return false
	}
	return true
}
