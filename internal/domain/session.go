/**
 * @description
 * This file defines the session models for the session-service. A session is one
 * billed interaction between a client and a reader over video, audio, or chat.
 *
 * @notes
 * - Amounts are stored as `int64` cents to avoid floating-point drift with
 *   financial data. Display formatting lives in money.go.
 * - A session is never deleted. Terminal sessions are retained for history and audit.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionType is the medium of a session.
type SessionType string

const (
	SessionTypeVideo SessionType = "video"
	SessionTypeAudio SessionType = "audio"
	SessionTypeChat  SessionType = "chat"
)

// ParseSessionType normalizes user input into a known SessionType.
func ParseSessionType(raw string) (SessionType, bool) {
	switch SessionType(strings.ToLower(strings.TrimSpace(raw))) {
	case SessionTypeVideo:
		return SessionTypeVideo, true
	case SessionTypeAudio:
		return SessionTypeAudio, true
	case SessionTypeChat:
		return SessionTypeChat, true
	default:
		return "", false
	}
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusEnded     SessionStatus = "ended"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave the status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusEnded || s == SessionStatusCancelled
}

// IsOpen reports whether the status blocks new requests for its participants.
func (s SessionStatus) IsOpen() bool {
	return s == SessionStatusPending || s == SessionStatusActive
}

// End reasons recorded on terminal sessions.
const (
	EndReasonClientEnded           = "client_ended"
	EndReasonReaderEnded           = "reader_ended"
	EndReasonInsufficientBalance   = "insufficient_balance"
	EndReasonParticipantDisconnect = "participant_disconnected"
	EndReasonTechnicalError        = "technical_error"
	EndReasonServiceRestart        = "service_restart"
	EndReasonDeclined              = "declined"
	EndReasonRequestWithdrawn      = "request_withdrawn"
	EndReasonRequestTimeout        = "request_timeout"
)

// Session is the durable record of one client/reader interaction.
type Session struct {
	ID              uuid.UUID      `json:"id"`
	ClientID        uuid.UUID      `json:"client_id"`
	ReaderID        uuid.UUID      `json:"reader_id"`
	Type            SessionType    `json:"session_type"`
	Rate            int64          `json:"rate"` // cents per billing interval
	Status          SessionStatus  `json:"status"`
	StartTime       *time.Time     `json:"start_time,omitempty"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	DurationSeconds int64          `json:"duration_seconds"`
	TotalCost       int64          `json:"total_cost"` // cents
	BillingHistory  []BillingEntry `json:"billing_history"`
	EndReason       *string        `json:"end_reason,omitempty"`
	AdminNote       *string        `json:"-"`
	Rating          *int           `json:"rating,omitempty"`
	Review          *string        `json:"review,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BillingEntry is one appended charge in a session's billing history.
type BillingEntry struct {
	Seq         int       `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Amount      int64     `json:"amount"` // cents
	Description string    `json:"description"`
}

// HasParticipant reports whether userID is the client or the reader of the session.
func (s *Session) HasParticipant(userID uuid.UUID) bool {
	return userID != uuid.Nil && (s.ClientID == userID || s.ReaderID == userID)
}

// Counterpart returns the other participant of the session.
func (s *Session) Counterpart(userID uuid.UUID) uuid.UUID {
	if s.ClientID == userID {
		return s.ReaderID
	}
	return s.ClientID
}

// BillingTotal sums the billing history.
func (s *Session) BillingTotal() int64 {
	var total int64
	for _, entry := range s.BillingHistory {
		total += entry.Amount
	}
	return total
}

// ElapsedSeconds returns the floored number of seconds between start and end.
func ElapsedSeconds(start *time.Time, end time.Time) int64 {
	if start == nil || end.Before(*start) {
		return 0
	}
	return int64(end.Sub(*start) / time.Second)
}

// CreateSessionRequest is the DTO for a client requesting a session.
type CreateSessionRequest struct {
	ReaderID    string `json:"reader_id"`
	SessionType string `json:"session_type"`
}

// EndSessionRequest is the DTO for a participant ending a session.
type EndSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ReviewSessionRequest is the DTO for rating a finished session.
type ReviewSessionRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}
