package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/store"
	"github.com/EmilynnJ/seerplexv2-sub000/pkg/rabbitmq"
	"github.com/google/uuid"
)

// PayoutSubmitter hands a reserved payout to the external money-movement system.
type PayoutSubmitter interface {
	SubmitPayout(ctx context.Context, req domain.PayoutRequest) error
}

// BrokerPayoutSubmitter publishes payout requests for the payments worker.
type BrokerPayoutSubmitter struct {
	producer rabbitmq.Publisher
}

func NewBrokerPayoutSubmitter(producer rabbitmq.Publisher) *BrokerPayoutSubmitter {
	return &BrokerPayoutSubmitter{producer: producer}
}

func (b *BrokerPayoutSubmitter) SubmitPayout(ctx context.Context, req domain.PayoutRequest) error {
	if err := b.producer.PublishEvent(ctx, domain.EventPayoutRequested, req); err != nil {
		if errors.Is(err, rabbitmq.ErrPublisherUnavailable) {
			return fmt.Errorf("%w: %w", ErrPayoutUnavailable, err)
		}
		return err
	}
	return nil
}

// RequestPayout reserves all pending earnings of a reader and submits them for
// payout. A submission failure releases the reservation again.
func (s *SessionService) RequestPayout(ctx context.Context, readerID uuid.UUID) (*domain.Transaction, error) {
	profile, err := s.repo.FindUserProfile(ctx, readerID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("load reader profile: %w", err)
	}
	if profile.Role != domain.RoleReader {
		return nil, ErrUnauthorized
	}
	if s.payouts == nil {
		return nil, ErrPayoutUnavailable
	}

	now := s.opts.Now()
	reserved, err := s.repo.ReservePayout(ctx, readerID, s.opts.PayoutMinimum, &domain.Transaction{
		ID:          uuid.New(),
		UserID:      readerID,
		Type:        domain.TransactionTypePayout,
		Status:      domain.TransactionStatusPending,
		Description: "reader earnings payout",
		CreatedAt:   now,
	})
	if err != nil {
		if errors.Is(err, store.ErrBelowPayoutMinimum) {
			return nil, ErrPayoutBelowMinimum
		}
		return nil, fmt.Errorf("reserve payout: %w", err)
	}

	req := domain.PayoutRequest{
		TransactionID: reserved.ID,
		ReaderID:      readerID,
		Amount:        reserved.Amount,
		RequestedAt:   now,
	}
	if err := s.payouts.SubmitPayout(ctx, req); err != nil {
		if releaseErr := s.repo.ReleasePayout(ctx, reserved.ID); releaseErr != nil {
			log.Printf("level=error component=payout msg=\"payout release failed\" transaction_id=%s err=%v", reserved.ID, releaseErr)
			return nil, fmt.Errorf("submit payout: %w", errors.Join(err, releaseErr))
		}
		log.Printf("level=warn component=payout msg=\"payout submission failed; reservation released\" transaction_id=%s err=%v", reserved.ID, err)
		return nil, fmt.Errorf("submit payout: %w", err)
	}

	log.Printf("level=info component=payout msg=\"payout requested\" reader_id=%s transaction_id=%s amount=%d", readerID, reserved.ID, reserved.Amount)
	return reserved, nil
}
