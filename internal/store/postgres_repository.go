/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for users, ledger balances, sessions, billing entries and the
 * transaction audit trail.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Balance mutations are conditional UPDATE ... RETURNING statements executed inside
 *   a transaction that first locks the session row with FOR UPDATE.
 * - The users table carries CHECK (balance >= 0) as a last line of defence.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, client_id, reader_id, session_type, rate, status, start_time, end_time,
	duration_seconds, total_cost, end_reason, admin_note, rating, review, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ResolveUserID resolves the internal UUID from a Clerk user id.
func (r *PostgresRepository) ResolveUserID(ctx context.Context, externalID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", externalID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// FindUserProfile retrieves the role, presence and rates of a user.
func (r *PostgresRepository) FindUserProfile(ctx context.Context, userID uuid.UUID) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	var externalID *string
	query := `
		SELECT id, clerk_user_id, role, is_active, is_online, rate_video, rate_audio, rate_chat
		FROM users
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&profile.ID,
		&externalID,
		&profile.Role,
		&profile.IsActive,
		&profile.IsOnline,
		&profile.Rates.Video,
		&profile.Rates.Audio,
		&profile.Rates.Chat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if externalID != nil {
		profile.ExternalID = *externalID
	}
	return &profile, nil
}

// GetLedger returns the balances of a user.
func (r *PostgresRepository) GetLedger(ctx context.Context, userID uuid.UUID) (*domain.LedgerEntry, error) {
	var ledger domain.LedgerEntry
	query := `SELECT id, balance, pending_earnings, total_earnings, paid_earnings FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&ledger.UserID,
		&ledger.Balance,
		&ledger.PendingEarnings,
		&ledger.TotalEarnings,
		&ledger.PaidEarnings,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &ledger, nil
}

// CreditBalance adds a deposit to a client balance and records the deposit transaction.
// A reference that was already recorded yields ErrDuplicateReference and leaves the balance untouched.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64, txn *domain.Transaction) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var ledger domain.LedgerEntry
	err = tx.QueryRow(ctx, `
		UPDATE users SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, balance, pending_earnings, total_earnings, paid_earnings
	`, amount, userID).Scan(&ledger.UserID, &ledger.Balance, &ledger.PendingEarnings, &ledger.TotalEarnings, &ledger.PaidEarnings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	txn.BalanceBefore = ledger.Balance - amount
	txn.BalanceAfter = ledger.Balance
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ledger, nil
}

// ReservePayout moves all pending earnings of a reader into paid earnings and records
// a pending payout transaction for the full amount.
func (r *PostgresRepository) ReservePayout(ctx context.Context, readerID uuid.UUID, minimum int64, txn *domain.Transaction) (*domain.Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var pending int64
	err = tx.QueryRow(ctx, `SELECT pending_earnings FROM users WHERE id = $1 FOR UPDATE`, readerID).Scan(&pending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if pending <= 0 || pending < minimum {
		return nil, ErrBelowPayoutMinimum
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET paid_earnings = paid_earnings + pending_earnings, pending_earnings = 0, updated_at = NOW()
		WHERE id = $1
	`, readerID); err != nil {
		return nil, err
	}

	out := *txn
	out.Amount = pending
	out.BalanceBefore = pending
	out.BalanceAfter = 0
	if err := insertTransaction(ctx, tx, &out); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleasePayout reverses a reserved payout that could not be submitted.
func (r *PostgresRepository) ReleasePayout(ctx context.Context, transactionID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var readerID uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE transactions SET status = $2
		WHERE id = $1 AND type = $3 AND status = $4
		RETURNING user_id, amount
	`, transactionID, domain.TransactionStatusFailed, domain.TransactionTypePayout, domain.TransactionStatusPending).Scan(&readerID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTransactionNotFound
		}
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET pending_earnings = pending_earnings + $1, paid_earnings = paid_earnings - $1, updated_at = NOW()
		WHERE id = $2
	`, amount, readerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListTransactionsByUser returns the most recent transactions of a user, newest first.
func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, session_id, type, status, amount, balance_before, balance_after, description, reference, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Type, &t.Status, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Description, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateSession inserts a new pending session.
func (r *PostgresRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (id, client_id, reader_id, session_type, rate, status, total_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, session.ID, session.ClientID, session.ReaderID, session.Type, session.Rate, session.Status, session.CreatedAt)
	return err
}

// FindSessionByID retrieves a session together with its billing history.
func (r *PostgresRepository) FindSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	history, err := r.billingHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.BillingHistory = history
	return session, nil
}

// FindOpenSessionByUser returns any pending or active session the user participates in.
func (r *PostgresRepository) FindOpenSessionByUser(ctx context.Context, userID uuid.UUID) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRow(ctx, "SELECT "+sessionColumns+`
		FROM sessions
		WHERE (client_id = $1 OR reader_id = $1) AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, domain.SessionStatusPending, domain.SessionStatusActive))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// ListSessionsByUser returns the sessions of a user, newest first. Billing history is not loaded.
func (r *PostgresRepository) ListSessionsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	rows, err := r.db.Query(ctx, "SELECT "+sessionColumns+`
		FROM sessions
		WHERE client_id = $1 OR reader_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListSessionsByStatus returns sessions in a status created before the cutoff, oldest first.
func (r *PostgresRepository) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, createdBefore time.Time) ([]domain.Session, error) {
	rows, err := r.db.Query(ctx, "SELECT "+sessionColumns+`
		FROM sessions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
	`, status, createdBefore)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ActivateSession moves a pending session to active and stamps its start time.
func (r *PostgresRepository) ActivateSession(ctx context.Context, sessionID uuid.UUID, startTime time.Time) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRow(ctx, `
		UPDATE sessions SET status = $2, start_time = $3, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+sessionColumns,
		sessionID, domain.SessionStatusActive, startTime, domain.SessionStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.staleOrMissing(ctx, sessionID)
		}
		return nil, err
	}
	return session, nil
}

// CloseSession performs a compare-and-set transition from params.From into a terminal status.
func (r *PostgresRepository) CloseSession(ctx context.Context, params CloseSessionParams) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRow(ctx, `
		UPDATE sessions
		SET status = $2, end_time = $3, duration_seconds = $4, end_reason = $5,
			admin_note = COALESCE($6, admin_note), updated_at = $3
		WHERE id = $1 AND status = $7
		RETURNING `+sessionColumns,
		params.SessionID, params.To, params.EndTime, params.DurationSeconds, params.Reason, params.AdminNote, params.From))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.staleOrMissing(ctx, params.SessionID)
		}
		return nil, err
	}
	history, err := r.billingHistory(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}
	session.BillingHistory = history
	return session, nil
}

// ApplyCharge debits the client, credits the reader, appends the billing entry and
// records both transactions in a single database transaction.
func (r *PostgresRepository) ApplyCharge(ctx context.Context, params ChargeParams) (*domain.ChargeResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status domain.SessionStatus
	err = tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, params.SessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if status != domain.SessionStatusActive {
		return nil, ErrSessionNotActive
	}

	var clientAfter int64
	err = tx.QueryRow(ctx, `
		UPDATE users SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, params.Amount, params.ClientID).Scan(&clientAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	var readerAfter int64
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET pending_earnings = pending_earnings + $1, total_earnings = total_earnings + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING pending_earnings
	`, params.ReaderEarnings, params.ReaderID).Scan(&readerAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	entry := domain.BillingEntry{Timestamp: params.ChargedAt, Amount: params.Amount, Description: params.Description}
	err = tx.QueryRow(ctx, `
		INSERT INTO session_billing_entries (session_id, seq, charged_at, amount, description)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::timestamptz, $3::bigint, $4::text FROM session_billing_entries WHERE session_id = $1
		RETURNING seq
	`, params.SessionID, params.ChargedAt, params.Amount, params.Description).Scan(&entry.Seq)
	if err != nil {
		return nil, err
	}

	var totalCost int64
	err = tx.QueryRow(ctx, `
		UPDATE sessions SET total_cost = total_cost + $1, updated_at = $2
		WHERE id = $3
		RETURNING total_cost
	`, params.Amount, params.ChargedAt, params.SessionID).Scan(&totalCost)
	if err != nil {
		return nil, err
	}

	debit, credit := chargeTransactions(params, clientAfter+params.Amount, clientAfter, readerAfter-params.ReaderEarnings, readerAfter)
	if err := insertTransaction(ctx, tx, &debit); err != nil {
		return nil, err
	}
	if err := insertTransaction(ctx, tx, &credit); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &domain.ChargeResult{
		Entry:          entry,
		TotalCost:      totalCost,
		ClientBalance:  clientAfter,
		ReaderEarnings: params.ReaderEarnings,
		PlatformFee:    params.PlatformFee,
	}, nil
}

// SaveReview attaches a rating to an ended session that has not been rated yet.
func (r *PostgresRepository) SaveReview(ctx context.Context, sessionID uuid.UUID, rating int, review string) (*domain.Session, error) {
	session, err := scanSession(r.db.QueryRow(ctx, `
		UPDATE sessions SET rating = $2, review = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND rating IS NULL
		RETURNING `+sessionColumns,
		sessionID, rating, review, domain.SessionStatusEnded))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.staleOrMissing(ctx, sessionID)
		}
		return nil, err
	}
	return session, nil
}

func (r *PostgresRepository) staleOrMissing(ctx context.Context, sessionID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}
	return ErrStaleSessionState
}

func (r *PostgresRepository) billingHistory(ctx context.Context, sessionID uuid.UUID) ([]domain.BillingEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT seq, charged_at, amount, description
		FROM session_billing_entries
		WHERE session_id = $1
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []domain.BillingEntry{}
	for rows.Next() {
		var entry domain.BillingEntry
		if err := rows.Scan(&entry.Seq, &entry.Timestamp, &entry.Amount, &entry.Description); err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, session_id, type, status, amount, balance_before, balance_after, description, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.UserID, t.SessionID, t.Type, t.Status, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Description, t.Reference, t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(
		&s.ID,
		&s.ClientID,
		&s.ReaderID,
		&s.Type,
		&s.Rate,
		&s.Status,
		&s.StartTime,
		&s.EndTime,
		&s.DurationSeconds,
		&s.TotalCost,
		&s.EndReason,
		&s.AdminNote,
		&s.Rating,
		&s.Review,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]domain.Session, error) {
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
