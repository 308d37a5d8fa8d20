package store

import (
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
)

// ==================== User models ====================

type userModel struct {
	ID              string `bson:"_id"`
	ExternalID      string `bson:"clerk_user_id,omitempty"`
	Role            string `bson:"role"`
	IsActive        bool   `bson:"is_active"`
	IsOnline        bool   `bson:"is_online"`
	RateVideo       int64  `bson:"rate_video"`
	RateAudio       int64  `bson:"rate_audio"`
	RateChat        int64  `bson:"rate_chat"`
	Balance         int64  `bson:"balance"`
	PendingEarnings int64  `bson:"pending_earnings"`
	TotalEarnings   int64  `bson:"total_earnings"`
	PaidEarnings    int64  `bson:"paid_earnings"`
}

func fromUserModel(m *userModel) (*domain.UserProfile, *domain.LedgerEntry) {
	id := parseID(m.ID)
	profile := &domain.UserProfile{
		ID:         id,
		ExternalID: m.ExternalID,
		Role:       domain.Role(m.Role),
		IsActive:   m.IsActive,
		IsOnline:   m.IsOnline,
		Rates:      domain.ReaderRates{Video: m.RateVideo, Audio: m.RateAudio, Chat: m.RateChat},
	}
	ledger := &domain.LedgerEntry{
		UserID:          id,
		Balance:         m.Balance,
		PendingEarnings: m.PendingEarnings,
		TotalEarnings:   m.TotalEarnings,
		PaidEarnings:    m.PaidEarnings,
	}
	return profile, ledger
}

// ==================== Session models ====================

type sessionModel struct {
	ID              string              `bson:"_id"`
	ClientID        string              `bson:"client_id"`
	ReaderID        string              `bson:"reader_id"`
	Type            string              `bson:"session_type"`
	Rate            int64               `bson:"rate"`
	Status          string              `bson:"status"`
	StartTime       *time.Time          `bson:"start_time,omitempty"`
	EndTime         *time.Time          `bson:"end_time,omitempty"`
	DurationSeconds int64               `bson:"duration_seconds"`
	TotalCost       int64               `bson:"total_cost"`
	BillingHistory  []billingEntryModel `bson:"billing_history"`
	EndReason       *string             `bson:"end_reason,omitempty"`
	AdminNote       *string             `bson:"admin_note,omitempty"`
	Rating          *int                `bson:"rating,omitempty"`
	Review          *string             `bson:"review,omitempty"`
	CreatedAt       time.Time           `bson:"created_at"`
	UpdatedAt       time.Time           `bson:"updated_at"`
}

type billingEntryModel struct {
	Seq         int       `bson:"seq"`
	Timestamp   time.Time `bson:"timestamp"`
	Amount      int64     `bson:"amount"`
	Description string    `bson:"description"`
}

func toSessionModel(s *domain.Session) *sessionModel {
	history := make([]billingEntryModel, len(s.BillingHistory))
	for i, e := range s.BillingHistory {
		history[i] = toBillingEntryModel(e)
	}
	return &sessionModel{
		ID:              s.ID.String(),
		ClientID:        s.ClientID.String(),
		ReaderID:        s.ReaderID.String(),
		Type:            string(s.Type),
		Rate:            s.Rate,
		Status:          string(s.Status),
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DurationSeconds: s.DurationSeconds,
		TotalCost:       s.TotalCost,
		BillingHistory:  history,
		EndReason:       s.EndReason,
		AdminNote:       s.AdminNote,
		Rating:          s.Rating,
		Review:          s.Review,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func fromSessionModel(m *sessionModel) *domain.Session {
	history := make([]domain.BillingEntry, len(m.BillingHistory))
	for i, e := range m.BillingHistory {
		history[i] = domain.BillingEntry{Seq: e.Seq, Timestamp: e.Timestamp, Amount: e.Amount, Description: e.Description}
	}
	return &domain.Session{
		ID:              parseID(m.ID),
		ClientID:        parseID(m.ClientID),
		ReaderID:        parseID(m.ReaderID),
		Type:            domain.SessionType(m.Type),
		Rate:            m.Rate,
		Status:          domain.SessionStatus(m.Status),
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		DurationSeconds: m.DurationSeconds,
		TotalCost:       m.TotalCost,
		BillingHistory:  history,
		EndReason:       m.EndReason,
		AdminNote:       m.AdminNote,
		Rating:          m.Rating,
		Review:          m.Review,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toBillingEntryModel(e domain.BillingEntry) billingEntryModel {
	return billingEntryModel{Seq: e.Seq, Timestamp: e.Timestamp, Amount: e.Amount, Description: e.Description}
}

// ==================== Transaction models ====================

type transactionModel struct {
	ID            string    `bson:"_id"`
	UserID        string    `bson:"user_id"`
	SessionID     *string   `bson:"session_id,omitempty"`
	Type          string    `bson:"type"`
	Status        string    `bson:"status"`
	Amount        int64     `bson:"amount"`
	BalanceBefore int64     `bson:"balance_before"`
	BalanceAfter  int64     `bson:"balance_after"`
	Description   string    `bson:"description"`
	Reference     *string   `bson:"reference,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

func toTransactionModel(t *domain.Transaction) *transactionModel {
	m := &transactionModel{
		ID:            t.ID.String(),
		UserID:        t.UserID.String(),
		Type:          t.Type,
		Status:        t.Status,
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		Description:   t.Description,
		Reference:     t.Reference,
		CreatedAt:     t.CreatedAt,
	}
	if t.SessionID != nil {
		sid := t.SessionID.String()
		m.SessionID = &sid
	}
	return m
}

func fromTransactionModel(m *transactionModel) domain.Transaction {
	t := domain.Transaction{
		ID:            parseID(m.ID),
		UserID:        parseID(m.UserID),
		Type:          m.Type,
		Status:        m.Status,
		Amount:        m.Amount,
		BalanceBefore: m.BalanceBefore,
		BalanceAfter:  m.BalanceAfter,
		Description:   m.Description,
		Reference:     m.Reference,
		CreatedAt:     m.CreatedAt,
	}
	if m.SessionID != nil {
		sid := parseID(*m.SessionID)
		t.SessionID = &sid
	}
	return t
}

// parseID returns uuid.Nil for malformed ids rather than failing the whole read.
func parseID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}
