/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the session-service. The lifecycle manager and
 * the signaling relay depend only on this interface, so PostgreSQL, MongoDB and the
 * in-memory store are interchangeable.
 *
 * @notes
 * - Every ledger mutation is a conditional, atomic update executed by the store.
 *   Callers never read a balance, modify it in memory and write it back.
 * - ApplyCharge is the only way a session is billed: debit, credit, billing entry,
 *   total cost and both transaction records commit together or not at all.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrStaleSessionState   = errors.New("session is not in the expected state")
	ErrDuplicateReference  = errors.New("transaction reference already recorded")
	ErrBelowPayoutMinimum  = errors.New("pending earnings below payout minimum")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Identity and profile lookups
	ResolveUserID(ctx context.Context, externalID string) (uuid.UUID, error)
	FindUserProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error)

	// Ledger methods
	GetLedger(ctx context.Context, userID uuid.UUID) (*domain.LedgerEntry, error)
	CreditBalance(ctx context.Context, userID uuid.UUID, amount int64, txn *domain.Transaction) (*domain.LedgerEntry, error)
	ReservePayout(ctx context.Context, readerID uuid.UUID, minimum int64, txn *domain.Transaction) (*domain.Transaction, error)
	ReleasePayout(ctx context.Context, transactionID uuid.UUID) error
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error)

	// Session methods
	CreateSession(ctx context.Context, session *domain.Session) error
	FindSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error)
	FindOpenSessionByUser(ctx context.Context, userID uuid.UUID) (*domain.Session, error)
	ListSessionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error)
	ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, createdBefore time.Time) ([]domain.Session, error)
	ActivateSession(ctx context.Context, sessionID uuid.UUID, startTime time.Time) (*domain.Session, error)
	CloseSession(ctx context.Context, params CloseSessionParams) (*domain.Session, error)
	ApplyCharge(ctx context.Context, params ChargeParams) (*domain.ChargeResult, error)
	SaveReview(ctx context.Context, sessionID uuid.UUID, rating int, review string) (*domain.Session, error)
}

// CloseSessionParams moves a session from an expected open status into a terminal one.
type CloseSessionParams struct {
	SessionID       uuid.UUID
	From            domain.SessionStatus
	To              domain.SessionStatus
	EndTime         time.Time
	DurationSeconds int64
	Reason          string
	AdminNote       *string
}

// ChargeParams describes one metered charge against an active session.
// ReaderEarnings + PlatformFee must equal Amount.
type ChargeParams struct {
	SessionID      uuid.UUID
	ClientID       uuid.UUID
	ReaderID       uuid.UUID
	Amount         int64
	ReaderEarnings int64
	PlatformFee    int64
	Description    string
	ChargedAt      time.Time
}

// Validate rejects charges whose split does not add up to the charged amount.
func (p ChargeParams) Validate() error {
	if p.Amount <= 0 {
		return errors.New("charge amount must be positive")
	}
	if p.ReaderEarnings < 0 || p.PlatformFee < 0 || p.ReaderEarnings+p.PlatformFee != p.Amount {
		return errors.New("charge split does not sum to the charged amount")
	}
	return nil
}

func chargeTransactions(p ChargeParams, clientBefore, clientAfter, readerBefore, readerAfter int64) (domain.Transaction, domain.Transaction) {
	sessionID := p.SessionID
	debit := domain.Transaction{
		ID:            uuid.New(),
		UserID:        p.ClientID,
		SessionID:     &sessionID,
		Type:          domain.TransactionTypeSessionCharge,
		Status:        domain.TransactionStatusCompleted,
		Amount:        p.Amount,
		BalanceBefore: clientBefore,
		BalanceAfter:  clientAfter,
		Description:   p.Description,
		CreatedAt:     p.ChargedAt,
	}
	credit := domain.Transaction{
		ID:            uuid.New(),
		UserID:        p.ReaderID,
		SessionID:     &sessionID,
		Type:          domain.TransactionTypeReaderEarning,
		Status:        domain.TransactionStatusCompleted,
		Amount:        p.ReaderEarnings,
		BalanceBefore: readerBefore,
		BalanceAfter:  readerAfter,
		Description:   p.Description,
		CreatedAt:     p.ChargedAt,
	}
	return debit, credit
}
