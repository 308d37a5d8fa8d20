/**
 * @description
 * This file defines the ledger-side models: user profiles with their published
 * rates, the balance/earnings ledger entry, and the immutable transaction audit
 * record written alongside every ledger mutation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role is the marketplace role of a user.
type Role string

const (
	RoleClient Role = "client"
	RoleReader Role = "reader"
	RoleAdmin  Role = "admin"
)

// ReaderRates are the published per-minute rates of a reader, in cents.
type ReaderRates struct {
	Video int64 `json:"video"`
	Audio int64 `json:"audio"`
	Chat  int64 `json:"chat"`
}

// For returns the rate for a session type. Unknown types return zero.
func (r ReaderRates) For(t SessionType) int64 {
	switch t {
	case SessionTypeVideo:
		return r.Video
	case SessionTypeAudio:
		return r.Audio
	case SessionTypeChat:
		return r.Chat
	default:
		return 0
	}
}

// UserProfile is the subset of the identity/profile record this service reads.
type UserProfile struct {
	ID         uuid.UUID   `json:"id"`
	ExternalID string      `json:"-"`
	Role       Role        `json:"role"`
	IsActive   bool        `json:"is_active"`
	IsOnline   bool        `json:"is_online"`
	Rates      ReaderRates `json:"rates"`
}

// LedgerEntry holds the balances of a user. All values are non-negative cents.
type LedgerEntry struct {
	UserID          uuid.UUID `json:"user_id"`
	Balance         int64     `json:"balance"`
	PendingEarnings int64     `json:"pending_earnings"`
	TotalEarnings   int64     `json:"total_earnings"`
	PaidEarnings    int64     `json:"paid_earnings"`
}

// Transaction types.
const (
	TransactionTypeSessionCharge = "session_charge"
	TransactionTypeReaderEarning = "reader_earning"
	TransactionTypeDeposit       = "deposit"
	TransactionTypePayout        = "payout"
)

// Transaction statuses.
const (
	TransactionStatusCompleted = "completed"
	TransactionStatusPending   = "pending"
	TransactionStatusFailed    = "failed"
)

// Transaction is the immutable audit record of one ledger movement.
// BalanceBefore/BalanceAfter snapshot the balance the movement touched: the
// client balance for charges and deposits, pending earnings for reader entries.
type Transaction struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	SessionID     *uuid.UUID `json:"session_id,omitempty"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"` // cents
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	Description   string     `json:"description"`
	Reference     *string    `json:"reference,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ChargeResult is returned by a successful metered charge.
type ChargeResult struct {
	Entry          BillingEntry `json:"entry"`
	TotalCost      int64        `json:"total_cost"`
	ClientBalance  int64        `json:"client_balance"`
	ReaderEarnings int64        `json:"reader_earnings"`
	PlatformFee    int64        `json:"platform_fee"`
}

// PayoutRequest is handed to the payout submitter once earnings are reserved.
type PayoutRequest struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	ReaderID      uuid.UUID `json:"reader_id"`
	Amount        int64     `json:"amount"`
	RequestedAt   time.Time `json:"requested_at"`
}

// DepositEvent is consumed from the payments wrapper when a client top-up succeeds.
type DepositEvent struct {
	UserID    uuid.UUID `json:"user_id"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
}
