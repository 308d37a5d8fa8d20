/**
 * @description
 * The signaling relay groups the live connections of a session's two
 * participants and forwards negotiation and chat messages between them.
 *
 * @notes
 * - Groups exist only while at least one participant is joined.
 * - Messages are best-effort: a missing or failing target is logged and dropped.
 * - Presence changes are reported to the PresenceObserver after the relay lock
 *   is released, because the observer may end the session and call Teardown.
 * - The relay never touches balances or session state.
 */

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/store"
	"github.com/google/uuid"
)

var (
	ErrUnauthorized       = errors.New("participant is not part of this session")
	ErrSessionClosed      = errors.New("session is no longer open")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNotJoined          = errors.New("participant has not joined this session")
	ErrUnknownMessageKind = errors.New("unknown relay message kind")
)

// SessionLookup reads the session record used to authorize joins.
type SessionLookup interface {
	FindSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
}

// PresenceObserver is told when participants join or leave a relay group.
type PresenceObserver interface {
	ParticipantJoined(ctx context.Context, sessionID, participantID uuid.UUID)
	ParticipantLeft(ctx context.Context, sessionID, participantID uuid.UUID)
}

type delivery struct {
	conn Conn
	env  Envelope
}

type departure struct {
	sessionID     uuid.UUID
	participantID uuid.UUID
}

// Relay is the process-scoped registry of relay groups.
type Relay struct {
	lookup   SessionLookup
	observer PresenceObserver

	mu     sync.Mutex
	groups map[uuid.UUID]map[uuid.UUID]Conn
}

func NewRelay(lookup SessionLookup) *Relay {
	return &Relay{
		lookup: lookup,
		groups: make(map[uuid.UUID]map[uuid.UUID]Conn),
	}
}

func (r *Relay) SetPresenceObserver(o PresenceObserver) { r.observer = o }

// Join adds conn to the relay group of sessionID. A participant joining again
// replaces its previous connection.
func (r *Relay) Join(ctx context.Context, sessionID, participantID uuid.UUID, conn Conn) error {
	session, err := r.lookup.FindSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	if !session.HasParticipant(participantID) {
		log.Printf("level=warn component=relay msg=\"join rejected\" session_id=%s participant_id=%s", sessionID, participantID)
		return ErrUnauthorized
	}
	if session.Status.IsTerminal() {
		return ErrSessionClosed
	}

	var outbox []delivery
	r.mu.Lock()
	group, ok := r.groups[sessionID]
	if !ok {
		group = make(map[uuid.UUID]Conn, 2)
		r.groups[sessionID] = group
	}
	group[participantID] = conn
	for peerID, peer := range group {
		if peerID == participantID {
			continue
		}
		outbox = append(outbox, delivery{conn: peer, env: Envelope{
			Type:      TypePeerJoined,
			SessionID: sessionID.String(),
			From:      participantID.String(),
		}})
	}
	r.mu.Unlock()

	// A session ended between the lookup and the insert has already been torn
	// down, so the group just created must not outlive it.
	if current, err := r.lookup.FindSessionByID(ctx, sessionID); err != nil || current.Status.IsTerminal() {
		r.mu.Lock()
		r.removeLocked(sessionID, participantID, conn)
		r.mu.Unlock()
		if err != nil {
			return fmt.Errorf("reload session: %w", err)
		}
		log.Printf("level=info component=relay msg=\"join raced session end\" session_id=%s participant_id=%s", sessionID, participantID)
		return ErrSessionClosed
	}

	log.Printf("level=info component=relay msg=\"participant joined\" session_id=%s participant_id=%s", sessionID, participantID)
	r.flush(ctx, outbox)
	if r.observer != nil {
		r.observer.ParticipantJoined(ctx, sessionID, participantID)
	}
	return nil
}

// Relay forwards a peer message. With a target only that participant receives
// it; otherwise every other joined participant does.
func (r *Relay) Relay(ctx context.Context, sessionID, from uuid.UUID, kind string, payload []byte, target *uuid.UUID) error {
	if !IsRelayKind(kind) {
		return ErrUnknownMessageKind
	}

	env := Envelope{
		Type:      kind,
		SessionID: sessionID.String(),
		From:      from.String(),
		Payload:   payload,
	}

	var outbox []delivery
	r.mu.Lock()
	group := r.groups[sessionID]
	if _, joined := group[from]; !joined {
		r.mu.Unlock()
		return ErrNotJoined
	}
	if target != nil {
		env.Target = target.String()
		if conn, ok := group[*target]; ok && *target != from {
			outbox = append(outbox, delivery{conn: conn, env: env})
		}
	} else {
		for peerID, conn := range group {
			if peerID != from {
				outbox = append(outbox, delivery{conn: conn, env: env})
			}
		}
	}
	r.mu.Unlock()

	if len(outbox) == 0 {
		log.Printf("level=info component=relay msg=\"no recipient; message dropped\" session_id=%s from=%s kind=%s", sessionID, from, kind)
		return nil
	}
	r.flush(ctx, outbox)
	return nil
}

// Leave removes participantID from the group of sessionID.
func (r *Relay) Leave(ctx context.Context, sessionID, participantID uuid.UUID) {
	r.mu.Lock()
	outbox, left := r.removeLocked(sessionID, participantID, nil)
	r.mu.Unlock()

	if !left {
		return
	}
	r.flush(ctx, outbox)
	r.reportLeft(ctx, []departure{{sessionID: sessionID, participantID: participantID}})
}

// ConnectionClosed handles a connection that went away without leaving: it
// leaves every group the connection was joined to.
func (r *Relay) ConnectionClosed(ctx context.Context, conn Conn) {
	var outbox []delivery
	var departures []departure

	r.mu.Lock()
	for sessionID, group := range r.groups {
		for participantID, member := range group {
			if member != conn {
				continue
			}
			msgs, _ := r.removeLocked(sessionID, participantID, conn)
			outbox = append(outbox, msgs...)
			departures = append(departures, departure{sessionID: sessionID, participantID: participantID})
		}
	}
	r.mu.Unlock()

	r.flush(ctx, outbox)
	r.reportLeft(ctx, departures)
}

// Teardown tells every member that the session ended and destroys the group.
// The presence observer is not consulted.
func (r *Relay) Teardown(ctx context.Context, sessionID uuid.UUID, reason string) {
	r.mu.Lock()
	group := r.groups[sessionID]
	delete(r.groups, sessionID)
	r.mu.Unlock()

	if len(group) == 0 {
		return
	}
	env := Envelope{
		Type:      TypeSessionEnded,
		SessionID: sessionID.String(),
		Payload:   mustPayload(map[string]string{"reason": reason}),
	}
	outbox := make([]delivery, 0, len(group))
	for _, conn := range group {
		outbox = append(outbox, delivery{conn: conn, env: env})
	}
	r.flush(ctx, outbox)
	log.Printf("level=info component=relay msg=\"relay group torn down\" session_id=%s members=%d reason=%s", sessionID, len(group), reason)
}

// Members returns the participants currently joined to sessionID.
func (r *Relay) Members(sessionID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]uuid.UUID, 0, len(r.groups[sessionID]))
	for id := range r.groups[sessionID] {
		members = append(members, id)
	}
	return members
}

// GroupCount returns the number of live relay groups.
func (r *Relay) GroupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// removeLocked drops participantID from a group. When only is set the member is
// removed only if it is still that connection. The caller must hold r.mu.
func (r *Relay) removeLocked(sessionID, participantID uuid.UUID, only Conn) ([]delivery, bool) {
	group, ok := r.groups[sessionID]
	if !ok {
		return nil, false
	}
	current, ok := group[participantID]
	if !ok || (only != nil && current != only) {
		return nil, false
	}
	delete(group, participantID)
	if len(group) == 0 {
		delete(r.groups, sessionID)
		return nil, true
	}

	outbox := make([]delivery, 0, len(group))
	for _, peer := range group {
		outbox = append(outbox, delivery{conn: peer, env: Envelope{
			Type:      TypePeerLeft,
			SessionID: sessionID.String(),
			From:      participantID.String(),
		}})
	}
	return outbox, true
}

func (r *Relay) reportLeft(ctx context.Context, departures []departure) {
	for _, d := range departures {
		log.Printf("level=info component=relay msg=\"participant left\" session_id=%s participant_id=%s", d.sessionID, d.participantID)
		if r.observer != nil {
			r.observer.ParticipantLeft(ctx, d.sessionID, d.participantID)
		}
	}
}

func (r *Relay) flush(ctx context.Context, outbox []delivery) {
	for _, d := range outbox {
		if err := send(ctx, d.conn, d.env); err != nil {
			log.Printf("level=warn component=relay msg=\"signal send failed\" session_id=%s type=%s err=%v", d.env.SessionID, d.env.Type, err)
		}
	}
}
