package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/store"
	"github.com/google/uuid"
)

// CreditDeposit adds a successful top-up to a client balance. Replaying the
// same external reference is rejected with store.ErrDuplicateReference.
func (s *SessionService) CreditDeposit(ctx context.Context, event domain.DepositEvent) (*domain.LedgerEntry, error) {
	reference := strings.TrimSpace(event.Reference)
	if event.UserID == uuid.Nil || reference == "" {
		return nil, ErrInvalidID
	}
	if event.Amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive: %d", event.Amount)
	}
	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = s.opts.Now()
	}
	ledger, err := s.repo.CreditBalance(ctx, event.UserID, event.Amount, &domain.Transaction{
		ID:          uuid.New(),
		UserID:      event.UserID,
		Type:        domain.TransactionTypeDeposit,
		Status:      domain.TransactionStatusCompleted,
		Amount:      event.Amount,
		Description: "balance top-up",
		Reference:   &reference,
		CreatedAt:   createdAt,
	})
	if err != nil {
		return nil, fmt.Errorf("credit deposit %s: %w", reference, err)
	}
	log.Printf("level=info component=deposit msg=\"deposit credited\" user_id=%s amount=%d balance=%d reference=%s", event.UserID, event.Amount, ledger.Balance, reference)
	return ledger, nil
}

// DepositConsumer applies wallet deposit events from the broker.
type DepositConsumer struct {
	svc *SessionService
}

func NewDepositConsumer(svc *SessionService) *DepositConsumer {
	return &DepositConsumer{svc: svc}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *DepositConsumer) HandleMessage(body []byte) bool {
	var event domain.DepositEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("deposit-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.svc.CreditDeposit(ctx, event)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrDuplicateReference):
		log.Printf("deposit-consumer: reference %s already credited; acknowledging", event.Reference)
		return true
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, ErrInvalidID):
		log.Printf("deposit-consumer: dropping deposit %s: %v", event.Reference, err)
		return true
	default:
		log.Printf("deposit-consumer: processing error for reference %s: %v", event.Reference, err)
		return false
	}
}
