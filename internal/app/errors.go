package app

import (
	"errors"
	"fmt"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrInvalidSessionType  = errors.New("invalid session type")
	ErrInvalidID           = errors.New("invalid identifier")
	ErrReaderUnavailable   = errors.New("reader is unavailable")
	ErrSessionConflict     = errors.New("participant already has an open session")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthorized        = errors.New("caller is not a participant of this session")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidState        = errors.New("session is not in a valid state for this operation")
	ErrRateLimited         = errors.New("too many session requests")
	ErrPayoutBelowMinimum  = errors.New("pending earnings below payout minimum")
	ErrPayoutUnavailable   = errors.New("payouts are temporarily unavailable")
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
)

// InsufficientBalanceError reports the amount needed and the balance available.
type InsufficientBalanceError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s required, %s available",
		domain.FormatCents(e.Required), domain.FormatCents(e.Balance))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// SessionConflictError names the open session that blocks a new request.
type SessionConflictError struct {
	SessionID uuid.UUID
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("participant already has an open session: %s", e.SessionID)
}

func (e *SessionConflictError) Unwrap() error { return ErrSessionConflict }
