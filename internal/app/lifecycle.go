/**
 * @description
 * This file contains the core business logic for the session-service. The
 * `SessionService` owns the session state machine (pending -> active -> ended,
 * pending -> cancelled), drives metered billing through the BillingClock, and
 * coordinates the realtime notifier and the signaling relay.
 *
 * Key features:
 * - Per-session locks serialise accept, decline, charge and end for one session.
 * - Every charge is a single atomic store operation; a failed charge writes nothing.
 * - Consecutive charge failures escalate to a technical-error end with an admin note.
 * - Participant disconnects arm a grace timer that ends the session when it expires.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For publishing lifecycle events.
 * - github.com/shopspring/decimal: For the reader share of each charge.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/store"
	"github.com/EmilynnJ/seerplexv2-sub000/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SystemCaller identifies transitions initiated by the service itself.
var SystemCaller = uuid.Nil

const (
	defaultBillingInterval  = time.Minute
	defaultFailureThreshold = 3
	defaultHistoryLimit     = 50
	maxHistoryLimit         = 200
	maxReasonLength         = 120
	tickTimeout             = 30 * time.Second
	requestRateLimitScope   = "session_request"
)

// Notifier delivers best-effort realtime events to a connected user.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, n domain.Notification) bool
}

// RelayTeardown disconnects the signaling group of a finished session.
type RelayTeardown interface {
	Teardown(ctx context.Context, sessionID uuid.UUID, reason string)
}

// RateLimiter counts attempts per subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options tunes billing and housekeeping behaviour.
type Options struct {
	BillingInterval        time.Duration
	ReaderShare            decimal.Decimal
	ChargeFailureThreshold int
	DisconnectGrace        time.Duration
	PendingTimeout         time.Duration
	PayoutMinimum          int64
	RequestRateLimit       int
	Now                    func() time.Time
}

type presenceKey struct {
	sessionID     uuid.UUID
	participantID uuid.UUID
}

// SessionService provides the session lifecycle and billing logic.
type SessionService struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	notifier Notifier
	relay    RelayTeardown
	limiter  RateLimiter
	payouts  PayoutSubmitter
	clock    *BillingClock
	opts     Options

	sessionLocks *keyedLocker
	userLocks    *keyedLocker

	mu       sync.Mutex
	failures map[uuid.UUID]int
	grace    map[presenceKey]*time.Timer
	joins    map[presenceKey]uint64
}

// NewSessionService creates a session service and its billing clock.
func NewSessionService(repo store.Repository, producer rabbitmq.Publisher, opts Options) *SessionService {
	if opts.BillingInterval <= 0 {
		opts.BillingInterval = defaultBillingInterval
	}
	if opts.ReaderShare.IsZero() {
		opts.ReaderShare = decimal.RequireFromString("0.70")
	}
	if opts.ChargeFailureThreshold <= 0 {
		opts.ChargeFailureThreshold = defaultFailureThreshold
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}

	s := &SessionService{
		repo:         repo,
		producer:     producer,
		opts:         opts,
		sessionLocks: newKeyedLocker(),
		userLocks:    newKeyedLocker(),
		failures:     make(map[uuid.UUID]int),
		grace:        make(map[presenceKey]*time.Timer),
		joins:        make(map[presenceKey]uint64),
	}
	s.clock = NewBillingClock(s.runTick)
	return s
}

func (s *SessionService) SetNotifier(n Notifier)               { s.notifier = n }
func (s *SessionService) SetRelay(r RelayTeardown)             { s.relay = r }
func (s *SessionService) SetRateLimiter(l RateLimiter)         { s.limiter = l }
func (s *SessionService) SetPayoutSubmitter(p PayoutSubmitter) { s.payouts = p }

// Clock exposes the billing clock registry.
func (s *SessionService) Clock() *BillingClock { return s.clock }

// ResolveUserID converts an identity-provider subject into the internal user id.
func (s *SessionService) ResolveUserID(ctx context.Context, externalID string) (uuid.UUID, error) {
	return s.repo.ResolveUserID(ctx, externalID)
}

// RequestSession creates a pending session from clientID to readerID.
func (s *SessionService) RequestSession(ctx context.Context, clientID, readerID uuid.UUID, rawType string) (*domain.Session, error) {
	sessionType, ok := domain.ParseSessionType(rawType)
	if !ok {
		return nil, ErrInvalidSessionType
	}
	if clientID == uuid.Nil || readerID == uuid.Nil || clientID == readerID {
		return nil, ErrInvalidID
	}

	if s.limiter != nil && s.opts.RequestRateLimit > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, requestRateLimitScope, clientID.String(), s.opts.RequestRateLimit, time.Minute)
		if err != nil {
			log.Printf("level=warn component=lifecycle msg=\"rate limiter unavailable; allowing request\" client_id=%s err=%v", clientID, err)
		} else if count > s.opts.RequestRateLimit {
			log.Printf("level=info component=lifecycle msg=\"session request rate limited\" client_id=%s retry_after=%d", clientID, retryAfter)
			return nil, ErrRateLimited
		}
	}

	reader, err := s.repo.FindUserProfile(ctx, readerID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrReaderUnavailable
		}
		return nil, fmt.Errorf("load reader profile: %w", err)
	}
	rate := reader.Rates.For(sessionType)
	if reader.Role != domain.RoleReader || !reader.IsActive || !reader.IsOnline || rate <= 0 {
		return nil, ErrReaderUnavailable
	}

	ledger, err := s.repo.GetLedger(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidID
		}
		return nil, fmt.Errorf("load client ledger: %w", err)
	}
	if ledger.Balance < rate {
		return nil, &InsufficientBalanceError{Required: rate, Balance: ledger.Balance}
	}

	unlock := s.userLocks.LockAll(clientID, readerID)
	defer unlock()

	for _, participant := range []uuid.UUID{clientID, readerID} {
		open, err := s.repo.FindOpenSessionByUser(ctx, participant)
		if err == nil {
			return nil, &SessionConflictError{SessionID: open.ID}
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check open sessions: %w", err)
		}
	}

	now := s.opts.Now()
	session := &domain.Session{
		ID:             uuid.New(),
		ClientID:       clientID,
		ReaderID:       readerID,
		Type:           sessionType,
		Rate:           rate,
		Status:         domain.SessionStatusPending,
		BillingHistory: []domain.BillingEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Printf("level=info component=lifecycle msg=\"session requested\" session_id=%s client_id=%s reader_id=%s type=%s rate=%d", session.ID, clientID, readerID, sessionType, rate)

	s.notify(ctx, readerID, domain.NotificationSessionRequest, session, "", "")
	s.publish(ctx, domain.EventSessionRequested, domain.NewSessionEvent(session, "", now))
	return session, nil
}

// AcceptSession activates a pending session and starts billing.
func (s *SessionService) AcceptSession(ctx context.Context, sessionID, readerID uuid.UUID) (*domain.Session, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ReaderID != readerID {
		return nil, ErrUnauthorized
	}
	if session.Status != domain.SessionStatusPending {
		return nil, ErrInvalidState
	}

	reader, err := s.repo.FindUserProfile(ctx, readerID)
	if err != nil {
		return nil, fmt.Errorf("load reader profile: %w", err)
	}
	if !reader.IsActive || !reader.IsOnline {
		return nil, ErrReaderUnavailable
	}

	ledger, err := s.repo.GetLedger(ctx, session.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client ledger: %w", err)
	}
	if ledger.Balance < session.Rate {
		cancelled, err := s.closeSession(ctx, session, domain.SessionStatusCancelled, domain.EndReasonInsufficientBalance, nil)
		if err != nil {
			return nil, err
		}
		log.Printf("level=info component=lifecycle msg=\"request cancelled on accept\" session_id=%s balance=%d rate=%d", sessionID, ledger.Balance, session.Rate)
		s.notify(ctx, session.ClientID, domain.NotificationSessionDeclined, cancelled, domain.EndReasonInsufficientBalance,
			fmt.Sprintf("balance %s is below the %s rate", domain.FormatCents(ledger.Balance), domain.FormatCents(session.Rate)))
		s.publish(ctx, domain.EventSessionDeclined, domain.NewSessionEvent(cancelled, domain.EndReasonInsufficientBalance, s.opts.Now()))
		return nil, &InsufficientBalanceError{Required: session.Rate, Balance: ledger.Balance}
	}

	now := s.opts.Now()
	active, err := s.repo.ActivateSession(ctx, sessionID, now)
	if err != nil {
		if errors.Is(err, store.ErrStaleSessionState) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("activate session: %w", err)
	}
	s.clock.Start(sessionID, s.opts.BillingInterval)
	log.Printf("level=info component=lifecycle msg=\"session accepted\" session_id=%s", sessionID)

	s.notify(ctx, active.ClientID, domain.NotificationSessionAccepted, active, "", "")
	s.publish(ctx, domain.EventSessionAccepted, domain.NewSessionEvent(active, "", now))
	return active, nil
}

// DeclineSession cancels a pending session on behalf of its reader.
func (s *SessionService) DeclineSession(ctx context.Context, sessionID, readerID uuid.UUID) (*domain.Session, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ReaderID != readerID {
		return nil, ErrUnauthorized
	}
	if session.Status != domain.SessionStatusPending {
		return nil, ErrInvalidState
	}

	cancelled, err := s.closeSession(ctx, session, domain.SessionStatusCancelled, domain.EndReasonDeclined, nil)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=lifecycle msg=\"session declined\" session_id=%s", sessionID)
	s.notify(ctx, cancelled.ClientID, domain.NotificationSessionDeclined, cancelled, domain.EndReasonDeclined, "")
	s.publish(ctx, domain.EventSessionDeclined, domain.NewSessionEvent(cancelled, domain.EndReasonDeclined, s.opts.Now()))
	return cancelled, nil
}

// ChargeTick performs one metered charge for an active session. It is bound to
// the billing clock and is not exposed to external callers.
func (s *SessionService) ChargeTick(ctx context.Context, sessionID uuid.UUID) error {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.repo.FindSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.clock.Stop(sessionID)
			return nil
		}
		return s.recordChargeFailure(ctx, sessionID, nil, fmt.Errorf("load session: %w", err))
	}
	if session.Status != domain.SessionStatusActive {
		s.clock.Stop(sessionID)
		return nil
	}

	ledger, err := s.repo.GetLedger(ctx, session.ClientID)
	if err != nil {
		return s.recordChargeFailure(ctx, sessionID, session, fmt.Errorf("load client ledger: %w", err))
	}
	if ledger.Balance < session.Rate {
		return s.endForInsufficientBalance(ctx, session, ledger.Balance)
	}

	readerEarnings, platformFee := SplitCharge(session.Rate, s.opts.ReaderShare)
	now := s.opts.Now()
	result, err := s.repo.ApplyCharge(ctx, store.ChargeParams{
		SessionID:      session.ID,
		ClientID:       session.ClientID,
		ReaderID:       session.ReaderID,
		Amount:         session.Rate,
		ReaderEarnings: readerEarnings,
		PlatformFee:    platformFee,
		Description:    fmt.Sprintf("%s session minute at %s", session.Type, domain.FormatCents(session.Rate)),
		ChargedAt:      now,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInsufficientFunds):
		return s.endForInsufficientBalance(ctx, session, ledger.Balance)
	case errors.Is(err, store.ErrSessionNotActive):
		s.clock.Stop(sessionID)
		return nil
	default:
		return s.recordChargeFailure(ctx, sessionID, session, fmt.Errorf("apply charge: %w", err))
	}

	s.resetChargeFailures(sessionID)
	log.Printf("level=info component=lifecycle msg=\"session charged\" session_id=%s seq=%d amount=%d reader_earnings=%d platform_fee=%d balance=%d",
		sessionID, result.Entry.Seq, session.Rate, result.ReaderEarnings, result.PlatformFee, result.ClientBalance)

	s.push(ctx, session.ClientID, domain.Notification{
		Type:      domain.NotificationBillingUpdate,
		SessionID: sessionID,
		Payload: domain.BillingNotice{
			Amount:    session.Rate,
			TotalCost: result.TotalCost,
			Balance:   result.ClientBalance,
			Ticks:     result.Entry.Seq,
		},
	})
	s.publish(ctx, domain.EventSessionCharged, domain.ChargeEvent{
		SessionID:      sessionID,
		ClientID:       session.ClientID,
		ReaderID:       session.ReaderID,
		Amount:         session.Rate,
		ReaderEarnings: result.ReaderEarnings,
		PlatformFee:    result.PlatformFee,
		Seq:            result.Entry.Seq,
		Timestamp:      now,
	})
	return nil
}

// EndSession ends an active session or withdraws a pending one. Ending a
// session that is already terminal returns the stored record unchanged.
func (s *SessionService) EndSession(ctx context.Context, sessionID, callerID uuid.UUID, reason string) (*domain.Session, error) {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if callerID != SystemCaller && !session.HasParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	return s.endLocked(ctx, session, callerID, normalizeReason(reason, callerID), nil, "")
}

// ReviewSession attaches the client's rating to an ended session.
func (s *SessionService) ReviewSession(ctx context.Context, sessionID, clientID uuid.UUID, rating int, review string) (*domain.Session, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ClientID != clientID {
		return nil, ErrUnauthorized
	}
	if session.Status != domain.SessionStatusEnded {
		return nil, ErrInvalidState
	}
	reviewed, err := s.repo.SaveReview(ctx, sessionID, rating, strings.TrimSpace(review))
	if err != nil {
		if errors.Is(err, store.ErrStaleSessionState) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("save review: %w", err)
	}
	return reviewed, nil
}

// GetSession returns a session visible to one of its participants.
func (s *SessionService) GetSession(ctx context.Context, sessionID, callerID uuid.UUID) (*domain.Session, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasParticipant(callerID) {
		return nil, ErrUnauthorized
	}
	return session, nil
}

// ListSessions returns the caller's session history, newest first.
func (s *SessionService) ListSessions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	return s.repo.ListSessionsByUser(ctx, userID, clampLimit(limit))
}

// GetLedger returns the balances of a user.
func (s *SessionService) GetLedger(ctx context.Context, userID uuid.UUID) (*domain.LedgerEntry, error) {
	return s.repo.GetLedger(ctx, userID)
}

// ListTransactions returns the caller's ledger audit trail, newest first.
func (s *SessionService) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	return s.repo.ListTransactionsByUser(ctx, userID, clampLimit(limit))
}

// ParticipantJoined disarms any pending disconnect timer for the participant.
func (s *SessionService) ParticipantJoined(ctx context.Context, sessionID, participantID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := presenceKey{sessionID: sessionID, participantID: participantID}
	s.joins[key]++
	if timer, ok := s.grace[key]; ok {
		timer.Stop()
		delete(s.grace, key)
		log.Printf("level=info component=lifecycle msg=\"participant rejoined\" session_id=%s participant_id=%s", sessionID, participantID)
	}
}

// ParticipantLeft reacts to a participant leaving the relay group. For an active
// session the participant has DisconnectGrace to rejoin before the session ends.
// A rejoin reported while the session is being looked up cancels the departure.
func (s *SessionService) ParticipantLeft(ctx context.Context, sessionID, participantID uuid.UUID) {
	key := presenceKey{sessionID: sessionID, participantID: participantID}
	s.mu.Lock()
	generation := s.joins[key]
	s.mu.Unlock()

	session, err := s.repo.FindSessionByID(ctx, sessionID)
	if err != nil {
		log.Printf("level=warn component=lifecycle msg=\"presence lookup failed\" session_id=%s err=%v", sessionID, err)
		return
	}
	if session.Status != domain.SessionStatusActive || !session.HasParticipant(participantID) {
		return
	}

	s.mu.Lock()
	if s.joins[key] != generation {
		s.mu.Unlock()
		log.Printf("level=info component=lifecycle msg=\"participant rejoined before departure was handled\" session_id=%s participant_id=%s", sessionID, participantID)
		return
	}
	if s.opts.DisconnectGrace <= 0 {
		s.mu.Unlock()
		s.endAfterDisconnect(sessionID, participantID)
		return
	}
	defer s.mu.Unlock()
	if _, armed := s.grace[key]; armed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.opts.DisconnectGrace, func() {
		s.mu.Lock()
		current, ok := s.grace[key]
		if ok && current == timer {
			delete(s.grace, key)
		}
		s.mu.Unlock()
		if ok && current == timer {
			s.endAfterDisconnect(sessionID, participantID)
		}
	})
	s.grace[key] = timer
	log.Printf("level=info component=lifecycle msg=\"participant left; grace timer armed\" session_id=%s participant_id=%s grace=%s", sessionID, participantID, s.opts.DisconnectGrace)
}

func (s *SessionService) endAfterDisconnect(sessionID, participantID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	if _, err := s.EndSession(ctx, sessionID, SystemCaller, domain.EndReasonParticipantDisconnect); err != nil {
		log.Printf("level=error component=lifecycle msg=\"disconnect end failed\" session_id=%s participant_id=%s err=%v", sessionID, participantID, err)
	}
}

// Recover ends every session left active without a running clock, typically
// after a restart. Billing never resumes across a restart.
func (s *SessionService) Recover(ctx context.Context) (int, error) {
	sessions, err := s.repo.ListSessionsByStatus(ctx, domain.SessionStatusActive, s.opts.Now().Add(time.Second))
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	recovered := 0
	for i := range sessions {
		if s.clock.Running(sessions[i].ID) {
			continue
		}
		note := "session was active without a billing clock at startup; billed through the last recorded tick"
		if err := s.endSystem(ctx, sessions[i].ID, domain.EndReasonServiceRestart, &note); err != nil {
			log.Printf("level=error component=lifecycle msg=\"recovery end failed\" session_id=%s err=%v", sessions[i].ID, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		log.Printf("level=warn component=lifecycle msg=\"orphaned active sessions ended\" count=%d", recovered)
	}
	return recovered, nil
}

// ExpireStalePending cancels requests left pending longer than PendingTimeout.
func (s *SessionService) ExpireStalePending(ctx context.Context) (int, error) {
	if s.opts.PendingTimeout <= 0 {
		return 0, nil
	}
	cutoff := s.opts.Now().Add(-s.opts.PendingTimeout)
	sessions, err := s.repo.ListSessionsByStatus(ctx, domain.SessionStatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list pending sessions: %w", err)
	}
	expired := 0
	for i := range sessions {
		if err := s.endSystem(ctx, sessions[i].ID, domain.EndReasonRequestTimeout, nil); err != nil {
			log.Printf("level=error component=lifecycle msg=\"pending expiry failed\" session_id=%s err=%v", sessions[i].ID, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Shutdown stops every billing clock and disarms all disconnect timers. The
// returned context is done once in-flight ticks have finished.
func (s *SessionService) Shutdown() context.Context {
	s.mu.Lock()
	for key, timer := range s.grace {
		timer.Stop()
		delete(s.grace, key)
	}
	s.mu.Unlock()
	return s.clock.StopAll()
}

func (s *SessionService) runTick(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	if err := s.ChargeTick(ctx, sessionID); err != nil {
		log.Printf("level=error component=lifecycle msg=\"charge tick failed\" session_id=%s err=%v", sessionID, err)
	}
}

func (s *SessionService) endSystem(ctx context.Context, sessionID uuid.UUID, reason string, adminNote *string) error {
	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.endLocked(ctx, session, SystemCaller, reason, adminNote, "")
	return err
}

// endLocked performs the end transition. The caller must hold the session lock.
func (s *SessionService) endLocked(ctx context.Context, session *domain.Session, callerID uuid.UUID, reason string, adminNote *string, message string) (*domain.Session, error) {
	if session.Status.IsTerminal() {
		return session, nil
	}

	if session.Status == domain.SessionStatusPending {
		if reason == "" {
			reason = domain.EndReasonRequestWithdrawn
		}
		cancelled, err := s.closeSession(ctx, session, domain.SessionStatusCancelled, reason, adminNote)
		if err != nil {
			return nil, err
		}
		log.Printf("level=info component=lifecycle msg=\"pending session cancelled\" session_id=%s reason=%s", session.ID, reason)
		s.notifyEnd(ctx, cancelled, callerID, reason, message)
		s.publish(ctx, domain.EventSessionEnded, domain.NewSessionEvent(cancelled, reason, s.opts.Now()))
		return cancelled, nil
	}

	if reason == "" {
		reason = domain.EndReasonClientEnded
		if callerID == session.ReaderID {
			reason = domain.EndReasonReaderEnded
		}
	}

	s.clock.Stop(session.ID)
	s.resetChargeFailures(session.ID)
	s.disarmSession(session.ID)

	ended, err := s.closeSession(ctx, session, domain.SessionStatusEnded, reason, adminNote)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=lifecycle msg=\"session ended\" session_id=%s reason=%s duration=%d total_cost=%d", ended.ID, reason, ended.DurationSeconds, ended.TotalCost)

	s.notifyEnd(ctx, ended, callerID, reason, message)
	if s.relay != nil {
		s.relay.Teardown(ctx, ended.ID, reason)
	}
	s.publish(ctx, domain.EventSessionEnded, domain.NewSessionEvent(ended, reason, s.opts.Now()))
	return ended, nil
}

func (s *SessionService) endForInsufficientBalance(ctx context.Context, session *domain.Session, balance int64) error {
	log.Printf("level=info component=lifecycle msg=\"balance below rate; ending session\" session_id=%s balance=%d rate=%d", session.ID, balance, session.Rate)
	message := fmt.Sprintf("balance %s is below the %s rate", domain.FormatCents(balance), domain.FormatCents(session.Rate))
	_, err := s.endLocked(ctx, session, SystemCaller, domain.EndReasonInsufficientBalance, nil, message)
	return err
}

// recordChargeFailure counts a failed tick. Reaching the threshold ends the
// session with a technical-error reason and an admin note.
func (s *SessionService) recordChargeFailure(ctx context.Context, sessionID uuid.UUID, session *domain.Session, cause error) error {
	s.mu.Lock()
	s.failures[sessionID]++
	count := s.failures[sessionID]
	s.mu.Unlock()

	log.Printf("level=error component=lifecycle msg=\"charge failed; tick not recorded\" session_id=%s consecutive_failures=%d err=%v", sessionID, count, cause)
	if count < s.opts.ChargeFailureThreshold {
		return cause
	}

	if session == nil {
		loaded, err := s.repo.FindSessionByID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("escalate after %d failures: %w", count, errors.Join(cause, err))
		}
		session = loaded
	}
	note := fmt.Sprintf("billing halted after %d consecutive charge failures: %v", count, cause)
	if _, err := s.endLocked(ctx, session, SystemCaller, domain.EndReasonTechnicalError, &note, "billing is temporarily unavailable"); err != nil {
		return fmt.Errorf("escalate after %d failures: %w", count, errors.Join(cause, err))
	}
	return cause
}

func (s *SessionService) resetChargeFailures(sessionID uuid.UUID) {
	s.mu.Lock()
	delete(s.failures, sessionID)
	s.mu.Unlock()
}

func (s *SessionService) disarmSession(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.grace {
		if key.sessionID == sessionID {
			timer.Stop()
			delete(s.grace, key)
		}
	}
	for key := range s.joins {
		if key.sessionID == sessionID {
			delete(s.joins, key)
		}
	}
}

func (s *SessionService) closeSession(ctx context.Context, session *domain.Session, to domain.SessionStatus, reason string, adminNote *string) (*domain.Session, error) {
	now := s.opts.Now()
	var duration int64
	if session.Status == domain.SessionStatusActive {
		duration = domain.ElapsedSeconds(session.StartTime, now)
	}
	closed, err := s.repo.CloseSession(ctx, store.CloseSessionParams{
		SessionID:       session.ID,
		From:            session.Status,
		To:              to,
		EndTime:         now,
		DurationSeconds: duration,
		Reason:          reason,
		AdminNote:       adminNote,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleSessionState) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("close session: %w", err)
	}
	return closed, nil
}

func (s *SessionService) loadSession(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	session, err := s.repo.FindSessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

// notifyEnd tells the other participant why the session ended. System-initiated
// ends are pushed to both participants as force-ended.
func (s *SessionService) notifyEnd(ctx context.Context, session *domain.Session, callerID uuid.UUID, reason, message string) {
	if callerID == SystemCaller {
		s.notify(ctx, session.ClientID, domain.NotificationSessionForceEnded, session, reason, message)
		s.notify(ctx, session.ReaderID, domain.NotificationSessionForceEnded, session, reason, message)
		return
	}
	s.notify(ctx, session.Counterpart(callerID), domain.NotificationSessionEnded, session, reason, message)
}

func (s *SessionService) notify(ctx context.Context, userID uuid.UUID, kind string, session *domain.Session, reason, message string) {
	s.push(ctx, userID, domain.Notification{
		Type:      kind,
		SessionID: session.ID,
		Payload:   domain.SessionNotice{Session: session, Reason: reason, Message: message},
	})
}

func (s *SessionService) push(ctx context.Context, userID uuid.UUID, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, userID, n)
}

func (s *SessionService) publish(ctx context.Context, routingKey string, body interface{}) {
	// The fallback producer logs dropped events itself.
	if err := s.producer.PublishEvent(ctx, routingKey, body); err != nil && !errors.Is(err, rabbitmq.ErrPublisherUnavailable) {
		log.Printf("level=warn component=lifecycle msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

// systemEndReasons may only be recorded by the service itself.
var systemEndReasons = map[string]bool{
	domain.EndReasonInsufficientBalance:   true,
	domain.EndReasonParticipantDisconnect: true,
	domain.EndReasonTechnicalError:        true,
	domain.EndReasonServiceRestart:        true,
	domain.EndReasonRequestTimeout:        true,
}

// normalizeReason trims a caller-supplied reason to maxReasonLength runes of
// valid UTF-8. Participants cannot claim a system reason; theirs falls back to
// the default for their role.
func normalizeReason(reason string, callerID uuid.UUID) string {
	reason = strings.TrimSpace(strings.ToValidUTF8(reason, ""))
	if runes := []rune(reason); len(runes) > maxReasonLength {
		reason = strings.TrimSpace(string(runes[:maxReasonLength]))
	}
	if callerID != SystemCaller && systemEndReasons[reason] {
		return ""
	}
	return reason
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
