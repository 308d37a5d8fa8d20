/**
 * @description
 * Event models exchanged with other parts of the platform: realtime notifications
 * pushed to a connected user, and the lifecycle events published to the broker.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification types pushed through the realtime gateway.
const (
	NotificationSessionRequest    = "session-request"
	NotificationSessionAccepted   = "session-accepted"
	NotificationSessionDeclined   = "session-declined"
	NotificationSessionEnded      = "session-ended"
	NotificationSessionForceEnded = "session-force-ended"
	NotificationBillingUpdate     = "billing-update"
)

// Notification is a fire-and-forget event addressed to one user.
type Notification struct {
	Type      string      `json:"type"`
	SessionID uuid.UUID   `json:"session_id"`
	Payload   interface{} `json:"payload,omitempty"`
}

// SessionNotice is the payload attached to lifecycle notifications.
type SessionNotice struct {
	Session *Session `json:"session"`
	Reason  string   `json:"reason,omitempty"`
	Message string   `json:"message,omitempty"`
}

// BillingNotice is the payload of a billing-update notification.
type BillingNotice struct {
	Amount    int64 `json:"amount"`
	TotalCost int64 `json:"total_cost"`
	Balance   int64 `json:"balance"`
	Ticks     int   `json:"ticks"`
}

// Broker routing keys for lifecycle events.
const (
	EventSessionRequested = "session.requested"
	EventSessionAccepted  = "session.accepted"
	EventSessionDeclined  = "session.declined"
	EventSessionCharged   = "session.charged"
	EventSessionEnded     = "session.ended"
	EventPayoutRequested  = "payout.requested"
	EventDepositSucceeded = "wallet.deposit.succeeded"
)

// SessionEvent is the broker payload for session lifecycle events.
type SessionEvent struct {
	SessionID       uuid.UUID     `json:"session_id"`
	ClientID        uuid.UUID     `json:"client_id"`
	ReaderID        uuid.UUID     `json:"reader_id"`
	SessionType     SessionType   `json:"session_type"`
	Status          SessionStatus `json:"status"`
	Rate            int64         `json:"rate"`
	TotalCost       int64         `json:"total_cost"`
	DurationSeconds int64         `json:"duration_seconds"`
	Reason          string        `json:"reason,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ChargeEvent is the broker payload for a successful metered charge.
type ChargeEvent struct {
	SessionID      uuid.UUID `json:"session_id"`
	ClientID       uuid.UUID `json:"client_id"`
	ReaderID       uuid.UUID `json:"reader_id"`
	Amount         int64     `json:"amount"`
	ReaderEarnings int64     `json:"reader_earnings"`
	PlatformFee    int64     `json:"platform_fee"`
	Seq            int       `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewSessionEvent builds the broker payload for a session snapshot.
func NewSessionEvent(s *Session, reason string, at time.Time) SessionEvent {
	return SessionEvent{
		SessionID:       s.ID,
		ClientID:        s.ClientID,
		ReaderID:        s.ReaderID,
		SessionType:     s.Type,
		Status:          s.Status,
		Rate:            s.Rate,
		TotalCost:       s.TotalCost,
		DurationSeconds: s.DurationSeconds,
		Reason:          reason,
		Timestamp:       at,
	}
}
