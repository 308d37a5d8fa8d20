package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository is a process-local Repository used for development and tests.
// A single mutex makes every method atomic, which gives the same guarantees the
// SQL and document stores get from their transactions.
type MemoryRepository struct {
	mu           sync.Mutex
	profiles     map[uuid.UUID]domain.UserProfile
	ledgers      map[uuid.UUID]domain.LedgerEntry
	externalIDs  map[string]uuid.UUID
	sessions     map[uuid.UUID]*domain.Session
	transactions []domain.Transaction
	references   map[string]uuid.UUID
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		profiles:    map[uuid.UUID]domain.UserProfile{},
		ledgers:     map[uuid.UUID]domain.LedgerEntry{},
		externalIDs: map[string]uuid.UUID{},
		sessions:    map[uuid.UUID]*domain.Session{},
		references:  map[string]uuid.UUID{},
	}
}

// PutUser inserts or replaces a user profile together with its ledger balances.
func (r *MemoryRepository) PutUser(profile domain.UserProfile, ledger domain.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger.UserID = profile.ID
	r.profiles[profile.ID] = profile
	r.ledgers[profile.ID] = ledger
	if profile.ExternalID != "" {
		r.externalIDs[profile.ExternalID] = profile.ID
	}
}

// SetOnline flips the presence flag of a user.
func (r *MemoryRepository) SetOnline(userID uuid.UUID, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if profile, ok := r.profiles[userID]; ok {
		profile.IsOnline = online
		r.profiles[userID] = profile
	}
}

// SetBalance overwrites a client balance. Intended for seeding and tests.
func (r *MemoryRepository) SetBalance(userID uuid.UUID, balance int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger := r.ledgers[userID]
	ledger.UserID = userID
	ledger.Balance = balance
	r.ledgers[userID] = ledger
}

// Transactions returns a copy of every recorded transaction in write order.
func (r *MemoryRepository) Transactions() []domain.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Transaction, len(r.transactions))
	copy(out, r.transactions)
	return out
}

func (r *MemoryRepository) ResolveUserID(ctx context.Context, externalID string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.externalIDs[externalID]; ok {
		return id, nil
	}
	return uuid.Nil, ErrUserNotFound
}

func (r *MemoryRepository) FindUserProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.profiles[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &profile, nil
}

func (r *MemoryRepository) GetLedger(ctx context.Context, userID uuid.UUID) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger, ok := r.ledgers[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &ledger, nil
}

func (r *MemoryRepository) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64, txn *domain.Transaction) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger, ok := r.ledgers[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if txn.Reference != nil {
		if _, seen := r.references[*txn.Reference]; seen {
			return nil, ErrDuplicateReference
		}
		r.references[*txn.Reference] = txn.ID
	}
	txn.BalanceBefore = ledger.Balance
	ledger.Balance += amount
	txn.BalanceAfter = ledger.Balance
	r.ledgers[userID] = ledger
	r.transactions = append(r.transactions, *txn)
	return &ledger, nil
}

func (r *MemoryRepository) ReservePayout(ctx context.Context, readerID uuid.UUID, minimum int64, txn *domain.Transaction) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger, ok := r.ledgers[readerID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if ledger.PendingEarnings <= 0 || ledger.PendingEarnings < minimum {
		return nil, ErrBelowPayoutMinimum
	}
	out := *txn
	out.Amount = ledger.PendingEarnings
	out.BalanceBefore = ledger.PendingEarnings
	out.BalanceAfter = 0
	ledger.PaidEarnings += ledger.PendingEarnings
	ledger.PendingEarnings = 0
	r.ledgers[readerID] = ledger
	r.transactions = append(r.transactions, out)
	return &out, nil
}

func (r *MemoryRepository) ReleasePayout(ctx context.Context, transactionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.transactions {
		txn := &r.transactions[i]
		if txn.ID != transactionID {
			continue
		}
		if txn.Type != domain.TransactionTypePayout || txn.Status != domain.TransactionStatusPending {
			return ErrTransactionNotFound
		}
		ledger := r.ledgers[txn.UserID]
		ledger.PaidEarnings -= txn.Amount
		ledger.PendingEarnings += txn.Amount
		r.ledgers[txn.UserID] = ledger
		txn.Status = domain.TransactionStatusFailed
		return nil
	}
	return ErrTransactionNotFound
}

func (r *MemoryRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if r.transactions[i].UserID == userID {
			out = append(out, r.transactions[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryRepository) FindSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (r *MemoryRepository) FindOpenSessionByUser(ctx context.Context, userID uuid.UUID) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.Status.IsOpen() && session.HasParticipant(userID) {
			return cloneSession(session), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListSessionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, session := range r.sessions {
		if session.HasParticipant(userID) {
			out = append(out, *cloneSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, createdBefore time.Time) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, session := range r.sessions {
		if session.Status == status && session.CreatedAt.Before(createdBefore) {
			out = append(out, *cloneSession(session))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ActivateSession(ctx context.Context, sessionID uuid.UUID, startTime time.Time) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Status != domain.SessionStatusPending {
		return nil, ErrStaleSessionState
	}
	start := startTime
	session.Status = domain.SessionStatusActive
	session.StartTime = &start
	session.UpdatedAt = startTime
	return cloneSession(session), nil
}

func (r *MemoryRepository) CloseSession(ctx context.Context, params CloseSessionParams) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[params.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Status != params.From {
		return nil, ErrStaleSessionState
	}
	end := params.EndTime
	reason := params.Reason
	session.Status = params.To
	session.EndTime = &end
	session.DurationSeconds = params.DurationSeconds
	session.EndReason = &reason
	if params.AdminNote != nil {
		note := *params.AdminNote
		session.AdminNote = &note
	}
	session.UpdatedAt = params.EndTime
	return cloneSession(session), nil
}

func (r *MemoryRepository) ApplyCharge(ctx context.Context, params ChargeParams) (*domain.ChargeResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[params.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Status != domain.SessionStatusActive {
		return nil, ErrSessionNotActive
	}
	client, ok := r.ledgers[params.ClientID]
	if !ok {
		return nil, ErrUserNotFound
	}
	reader, ok := r.ledgers[params.ReaderID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if client.Balance < params.Amount {
		return nil, ErrInsufficientFunds
	}

	clientBefore, readerBefore := client.Balance, reader.PendingEarnings
	client.Balance -= params.Amount
	reader.PendingEarnings += params.ReaderEarnings
	reader.TotalEarnings += params.ReaderEarnings

	entry := domain.BillingEntry{
		Seq:         len(session.BillingHistory) + 1,
		Timestamp:   params.ChargedAt,
		Amount:      params.Amount,
		Description: params.Description,
	}
	debit, credit := chargeTransactions(params, clientBefore, client.Balance, readerBefore, reader.PendingEarnings)

	r.ledgers[params.ClientID] = client
	r.ledgers[params.ReaderID] = reader
	session.BillingHistory = append(session.BillingHistory, entry)
	session.TotalCost += params.Amount
	session.UpdatedAt = params.ChargedAt
	r.transactions = append(r.transactions, debit, credit)

	return &domain.ChargeResult{
		Entry:          entry,
		TotalCost:      session.TotalCost,
		ClientBalance:  client.Balance,
		ReaderEarnings: params.ReaderEarnings,
		PlatformFee:    params.PlatformFee,
	}, nil
}

func (r *MemoryRepository) SaveReview(ctx context.Context, sessionID uuid.UUID, rating int, review string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Status != domain.SessionStatusEnded || session.Rating != nil {
		return nil, ErrStaleSessionState
	}
	session.Rating = &rating
	session.Review = &review
	return cloneSession(session), nil
}

func cloneSession(s *domain.Session) *domain.Session {
	out := *s
	out.BillingHistory = append([]domain.BillingEntry(nil), s.BillingHistory...)
	if s.StartTime != nil {
		start := *s.StartTime
		out.StartTime = &start
	}
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return &out
}
