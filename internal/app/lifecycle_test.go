package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentNotification struct {
	userID uuid.UUID
	n      domain.Notification
}

type notifierStub struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *notifierStub) Notify(ctx context.Context, userID uuid.UUID, note domain.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{userID: userID, n: note})
	return true
}

func (n *notifierStub) find(userID uuid.UUID, kind string) (domain.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s.userID == userID && s.n.Type == kind {
			return s.n, true
		}
	}
	return domain.Notification{}, false
}

type relayStub struct {
	mu        sync.Mutex
	teardowns []uuid.UUID
}

func (r *relayStub) Teardown(ctx context.Context, sessionID uuid.UUID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardowns = append(r.teardowns, sessionID)
}

func (r *relayStub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.teardowns)
}

type publisherStub struct {
	mu     sync.Mutex
	keys   []string
	bodies []interface{}
	err    error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *publisherStub) PublishEvent(ctx context.Context, routingKey string, body interface{}) error {
	return p.Publish(ctx, "seerplex.events", routingKey, body)
}

func (p *publisherStub) Close() {}

func (p *publisherStub) countKey(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}

// failingChargeRepo fails the next `failures` ApplyCharge calls.
type failingChargeRepo struct {
	store.Repository
	mu       sync.Mutex
	failures int
}

func (r *failingChargeRepo) ApplyCharge(ctx context.Context, params store.ChargeParams) (*domain.ChargeResult, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.Repository.ApplyCharge(ctx, params)
}

type testEnv struct {
	svc       *SessionService
	repo      *store.MemoryRepository
	clock     *fakeClock
	notifier  *notifierStub
	relay     *relayStub
	publisher *publisherStub
	clientID  uuid.UUID
	readerID  uuid.UUID
}

func newTestEnv(t *testing.T, balance, rate int64, configure func(*Options)) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	env := &testEnv{
		repo:      repo,
		clock:     newFakeClock(),
		notifier:  &notifierStub{},
		relay:     &relayStub{},
		publisher: &publisherStub{},
		clientID:  uuid.New(),
		readerID:  uuid.New(),
	}
	repo.PutUser(domain.UserProfile{ID: env.clientID, Role: domain.RoleClient, IsActive: true}, domain.LedgerEntry{Balance: balance})
	repo.PutUser(domain.UserProfile{
		ID:       env.readerID,
		Role:     domain.RoleReader,
		IsActive: true,
		IsOnline: true,
		Rates:    domain.ReaderRates{Video: rate, Audio: rate, Chat: rate},
	}, domain.LedgerEntry{})

	opts := Options{
		BillingInterval:        time.Hour,
		ReaderShare:            decimal.RequireFromString("0.70"),
		ChargeFailureThreshold: 3,
		PayoutMinimum:          1500,
		Now:                    env.clock.Now,
	}
	if configure != nil {
		configure(&opts)
	}
	env.svc = newServiceWithRepo(t, repo, env, opts)
	return env
}

func newServiceWithRepo(t *testing.T, repo store.Repository, env *testEnv, opts Options) *SessionService {
	t.Helper()
	svc := NewSessionService(repo, env.publisher, opts)
	svc.SetNotifier(env.notifier)
	svc.SetRelay(env.relay)
	t.Cleanup(func() { <-svc.Shutdown().Done() })
	return svc
}

func (e *testEnv) startSession(t *testing.T) *domain.Session {
	t.Helper()
	ctx := context.Background()
	session, err := e.svc.RequestSession(ctx, e.clientID, e.readerID, "video")
	if err != nil {
		t.Fatalf("request session: %v", err)
	}
	active, err := e.svc.AcceptSession(ctx, session.ID, e.readerID)
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	return active
}

func (e *testEnv) session(t *testing.T, id uuid.UUID) *domain.Session {
	t.Helper()
	s, err := e.repo.FindSessionByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	return s
}

func (e *testEnv) balance(t *testing.T, id uuid.UUID) *domain.LedgerEntry {
	t.Helper()
	l, err := e.repo.GetLedger(context.Background(), id)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	return l
}

func TestChargeTickEndsSessionWhenBalanceRunsOut(t *testing.T) {
	env := newTestEnv(t, 500, 200, nil)
	ctx := context.Background()
	session := env.startSession(t)

	if !env.svc.Clock().Running(session.ID) {
		t.Fatal("expected billing clock to run after accept")
	}

	env.clock.Advance(time.Minute)
	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if got := env.balance(t, env.clientID).Balance; got != 300 {
		t.Fatalf("expected balance 300 after tick 1, got %d", got)
	}
	if got := len(env.session(t, session.ID).BillingHistory); got != 1 {
		t.Fatalf("expected 1 billing entry, got %d", got)
	}

	env.clock.Advance(time.Minute)
	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if got := env.balance(t, env.clientID).Balance; got != 100 {
		t.Fatalf("expected balance 100 after tick 2, got %d", got)
	}

	env.clock.Advance(30 * time.Second)
	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("tick 3: %v", err)
	}

	ended := env.session(t, session.ID)
	if ended.Status != domain.SessionStatusEnded {
		t.Fatalf("expected ended, got %s", ended.Status)
	}
	if ended.EndReason == nil || *ended.EndReason != domain.EndReasonInsufficientBalance {
		t.Fatalf("expected insufficient_balance reason, got %v", ended.EndReason)
	}
	if ended.TotalCost != 400 || ended.BillingTotal() != 400 || len(ended.BillingHistory) != 2 {
		t.Fatalf("expected two $2.00 entries totalling 400, got %+v", ended)
	}
	if ended.DurationSeconds != 150 {
		t.Fatalf("expected duration of 150s up to detection, got %d", ended.DurationSeconds)
	}
	if got := env.balance(t, env.clientID).Balance; got != 100 {
		t.Fatalf("expected balance to stay at 100, got %d", got)
	}
	reader := env.balance(t, env.readerID)
	if reader.PendingEarnings != 280 || reader.TotalEarnings != 280 {
		t.Fatalf("expected reader earnings of 280, got %+v", reader)
	}
	if env.svc.Clock().Running(session.ID) {
		t.Fatal("expected billing clock to be stopped")
	}
	if note, ok := env.notifier.find(env.clientID, domain.NotificationSessionForceEnded); !ok {
		t.Fatal("expected client to receive a force-ended notification")
	} else if notice, _ := note.Payload.(domain.SessionNotice); notice.Message == "" {
		t.Fatal("expected force-ended notice to explain the balance shortfall")
	}
	if env.relay.count() != 1 {
		t.Fatalf("expected relay teardown, got %d", env.relay.count())
	}
}

func TestChargeTickWithExactBalance(t *testing.T) {
	env := newTestEnv(t, 200, 200, nil)
	ctx := context.Background()
	session := env.startSession(t)

	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if got := env.balance(t, env.clientID).Balance; got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
	if got := env.session(t, session.ID).Status; got != domain.SessionStatusActive {
		t.Fatalf("expected session still active after exact charge, got %s", got)
	}

	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	ended := env.session(t, session.ID)
	if ended.Status != domain.SessionStatusEnded || ended.TotalCost != 200 {
		t.Fatalf("expected ended session with total 200, got %s %d", ended.Status, ended.TotalCost)
	}
	if got := env.balance(t, env.clientID).Balance; got != 0 {
		t.Fatalf("expected balance to remain 0, got %d", got)
	}
}

func TestChargeTickSplitsEveryCharge(t *testing.T) {
	env := newTestEnv(t, 10000, 333, nil)
	ctx := context.Background()
	session := env.startSession(t)

	for i := 0; i < 5; i++ {
		if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	for _, body := range env.publisher.bodies {
		event, ok := body.(domain.ChargeEvent)
		if !ok {
			continue
		}
		if event.ReaderEarnings+event.PlatformFee != event.Amount {
			t.Fatalf("split drift: %d + %d != %d", event.ReaderEarnings, event.PlatformFee, event.Amount)
		}
	}
	if got := env.publisher.countKey(domain.EventSessionCharged); got != 5 {
		t.Fatalf("expected 5 charge events, got %d", got)
	}
	stored := env.session(t, session.ID)
	if stored.TotalCost != stored.BillingTotal() {
		t.Fatalf("total cost %d does not match history %d", stored.TotalCost, stored.BillingTotal())
	}
	if note, ok := env.notifier.find(env.clientID, domain.NotificationBillingUpdate); !ok {
		t.Fatal("expected billing-update notification")
	} else if _, ok := note.Payload.(domain.BillingNotice); !ok {
		t.Fatalf("unexpected billing payload %T", note.Payload)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	ctx := context.Background()
	session := env.startSession(t)
	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}

	env.clock.Advance(90 * time.Second)
	first, err := env.svc.EndSession(ctx, session.ID, env.clientID, "")
	if err != nil {
		t.Fatalf("first end: %v", err)
	}
	env.clock.Advance(time.Hour)
	second, err := env.svc.EndSession(ctx, session.ID, env.readerID, "")
	if err != nil {
		t.Fatalf("second end: %v", err)
	}

	if first.Status != domain.SessionStatusEnded || *first.EndReason != domain.EndReasonClientEnded {
		t.Fatalf("unexpected first end: %s %v", first.Status, first.EndReason)
	}
	if !second.EndTime.Equal(*first.EndTime) || second.DurationSeconds != first.DurationSeconds || second.DurationSeconds != 90 {
		t.Fatalf("expected identical terminal record, got %+v vs %+v", first, second)
	}
	if got := env.publisher.countKey(domain.EventSessionEnded); got != 1 {
		t.Fatalf("expected exactly one session.ended event, got %d", got)
	}
	if reader := env.balance(t, env.readerID); reader.TotalEarnings != 140 {
		t.Fatalf("expected earnings credited once, got %d", reader.TotalEarnings)
	}
	if _, ok := env.notifier.find(env.readerID, domain.NotificationSessionEnded); !ok {
		t.Fatal("expected reader to be told the client ended the session")
	}
}

func TestEndSessionRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	session := env.startSession(t)

	_, err := env.svc.EndSession(context.Background(), session.ID, uuid.New(), "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := env.session(t, session.ID).Status; got != domain.SessionStatusActive {
		t.Fatalf("expected session untouched, got %s", got)
	}
}

func TestNormalizeReason(t *testing.T) {
	participant := uuid.New()
	long := strings.Repeat("é", maxReasonLength+10)
	tests := []struct {
		name   string
		reason string
		caller uuid.UUID
		want   string
	}{
		{name: "trimmed", reason: "  wrapping up  ", caller: participant, want: "wrapping up"},
		{name: "multibyte truncated by rune", reason: long, caller: participant, want: strings.Repeat("é", maxReasonLength)},
		{name: "invalid utf8 dropped", reason: "bye\xff", caller: participant, want: "bye"},
		{name: "participant cannot claim system reason", reason: domain.EndReasonTechnicalError, caller: participant, want: ""},
		{name: "system keeps system reason", reason: domain.EndReasonParticipantDisconnect, caller: SystemCaller, want: domain.EndReasonParticipantDisconnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeReason(tt.reason, tt.caller)
			if got != tt.want {
				t.Fatalf("normalizeReason(%q) = %q, want %q", tt.reason, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("normalizeReason returned invalid UTF-8 %q", got)
			}
		})
	}
}

func TestEndSessionIgnoresSpoofedSystemReason(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	session := env.startSession(t)

	ended, err := env.svc.EndSession(context.Background(), session.ID, env.readerID, domain.EndReasonInsufficientBalance)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if *ended.EndReason != domain.EndReasonReaderEnded {
		t.Fatalf("expected reader_ended, got %s", *ended.EndReason)
	}
}

func TestEndSessionWithdrawsPendingRequest(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	ctx := context.Background()
	session, err := env.svc.RequestSession(ctx, env.clientID, env.readerID, "chat")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	cancelled, err := env.svc.EndSession(ctx, session.ID, env.clientID, "")
	if err != nil {
		t.Fatalf("end pending: %v", err)
	}
	if cancelled.Status != domain.SessionStatusCancelled || *cancelled.EndReason != domain.EndReasonRequestWithdrawn {
		t.Fatalf("expected cancelled/request_withdrawn, got %s %v", cancelled.Status, cancelled.EndReason)
	}
}

func TestRequestSessionConflict(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	active := env.startSession(t)

	otherClient := uuid.New()
	env.repo.PutUser(domain.UserProfile{ID: otherClient, Role: domain.RoleClient, IsActive: true}, domain.LedgerEntry{Balance: 5000})

	_, err := env.svc.RequestSession(context.Background(), otherClient, env.readerID, "video")
	var conflict *SessionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SessionConflictError, got %v", err)
	}
	if conflict.SessionID != active.ID || !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected conflict on %s, got %s", active.ID, conflict.SessionID)
	}
	if got := env.session(t, active.ID).Status; got != domain.SessionStatusActive {
		t.Fatalf("expected existing session untouched, got %s", got)
	}
}

func TestRequestSessionValidation(t *testing.T) {
	env := newTestEnv(t, 150, 200, nil)
	offline := uuid.New()
	env.repo.PutUser(domain.UserProfile{ID: offline, Role: domain.RoleReader, IsActive: true, Rates: domain.ReaderRates{Video: 100}}, domain.LedgerEntry{})
	ctx := context.Background()

	tests := []struct {
		name     string
		client   uuid.UUID
		reader   uuid.UUID
		kind     string
		expected error
	}{
		{name: "unknown type", client: env.clientID, reader: env.readerID, kind: "phone", expected: ErrInvalidSessionType},
		{name: "self request", client: env.readerID, reader: env.readerID, kind: "video", expected: ErrInvalidID},
		{name: "nil client", client: uuid.Nil, reader: env.readerID, kind: "video", expected: ErrInvalidID},
		{name: "unknown reader", client: env.clientID, reader: uuid.New(), kind: "video", expected: ErrReaderUnavailable},
		{name: "offline reader", client: env.clientID, reader: offline, kind: "video", expected: ErrReaderUnavailable},
		{name: "client is not a reader", client: env.readerID, reader: env.clientID, kind: "video", expected: ErrReaderUnavailable},
		{name: "balance below rate", client: env.clientID, reader: env.readerID, kind: "audio", expected: ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.RequestSession(ctx, tt.client, tt.reader, tt.kind)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}

	_, err := env.svc.RequestSession(ctx, env.clientID, env.readerID, "video")
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) || insufficient.Required != 200 || insufficient.Balance != 150 {
		t.Fatalf("expected required 200 / balance 150, got %v", err)
	}
}

func TestRequestSessionRateLimited(t *testing.T) {
	limiter := &limiterStub{count: 6}
	env := newTestEnv(t, 1000, 200, func(o *Options) { o.RequestRateLimit = 5 })
	env.svc.SetRateLimiter(limiter)

	_, err := env.svc.RequestSession(context.Background(), env.clientID, env.readerID, "video")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if limiter.scope != requestRateLimitScope || limiter.subject != env.clientID.String() {
		t.Fatalf("unexpected limiter key %s/%s", limiter.scope, limiter.subject)
	}

	limiter.count = 1
	if _, err := env.svc.RequestSession(context.Background(), env.clientID, env.readerID, "video"); err != nil {
		t.Fatalf("expected request under the limit to pass, got %v", err)
	}
}

type limiterStub struct {
	count   int
	scope   string
	subject string
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.scope, l.subject = scope, subject
	return l.count, 60, nil
}

func TestAcceptSessionWithStaleBalanceCancels(t *testing.T) {
	env := newTestEnv(t, 500, 200, nil)
	ctx := context.Background()
	session, err := env.svc.RequestSession(ctx, env.clientID, env.readerID, "video")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	env.repo.SetBalance(env.clientID, 100)
	_, err = env.svc.AcceptSession(ctx, session.ID, env.readerID)
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) || insufficient.Required != 200 || insufficient.Balance != 100 {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}

	stored := env.session(t, session.ID)
	if stored.Status != domain.SessionStatusCancelled || *stored.EndReason != domain.EndReasonInsufficientBalance {
		t.Fatalf("expected cancelled/insufficient_balance, got %s %v", stored.Status, stored.EndReason)
	}
	if env.svc.Clock().Running(session.ID) {
		t.Fatal("expected no billing clock for a cancelled session")
	}
	if _, ok := env.notifier.find(env.clientID, domain.NotificationSessionDeclined); !ok {
		t.Fatal("expected the client to be notified")
	}
}

func TestAcceptAndDeclineRequireOwningReader(t *testing.T) {
	env := newTestEnv(t, 500, 200, nil)
	ctx := context.Background()
	session, err := env.svc.RequestSession(ctx, env.clientID, env.readerID, "audio")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := env.svc.AcceptSession(ctx, session.ID, env.clientID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on accept, got %v", err)
	}
	if _, err := env.svc.DeclineSession(ctx, session.ID, uuid.New()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on decline, got %v", err)
	}

	declined, err := env.svc.DeclineSession(ctx, session.ID, env.readerID)
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if declined.Status != domain.SessionStatusCancelled || *declined.EndReason != domain.EndReasonDeclined {
		t.Fatalf("expected cancelled/declined, got %s %v", declined.Status, declined.EndReason)
	}
	if _, err := env.svc.AcceptSession(ctx, session.ID, env.readerID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState accepting a declined session, got %v", err)
	}
	if _, err := env.svc.AcceptSession(ctx, uuid.New(), env.readerID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestConcurrentChargeAndEndNeverChargesAfterEnd(t *testing.T) {
	for i := 0; i < 25; i++ {
		env := newTestEnv(t, 10000, 200, nil)
		ctx := context.Background()
		session := env.startSession(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = env.svc.ChargeTick(ctx, session.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = env.svc.EndSession(ctx, session.ID, env.readerID, "")
		}()
		wg.Wait()

		// A tick that lost the race must be a no-op.
		if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
			t.Fatalf("late tick: %v", err)
		}

		ended := env.session(t, session.ID)
		if ended.Status != domain.SessionStatusEnded {
			t.Fatalf("expected ended, got %s", ended.Status)
		}
		if n := len(ended.BillingHistory); n > 1 {
			t.Fatalf("expected at most one charge, got %d", n)
		}
		for _, entry := range ended.BillingHistory {
			if entry.Timestamp.After(*ended.EndTime) {
				t.Fatalf("charge at %s recorded after end %s", entry.Timestamp, ended.EndTime)
			}
		}
		if spent := 10000 - env.balance(t, env.clientID).Balance; spent != ended.TotalCost {
			t.Fatalf("ledger moved %d but session recorded %d", spent, ended.TotalCost)
		}
	}
}

func TestDisconnectEndsSessionAfterGrace(t *testing.T) {
	env := newTestEnv(t, 1000, 200, func(o *Options) { o.DisconnectGrace = 20 * time.Millisecond })
	ctx := context.Background()
	session := env.startSession(t)

	env.svc.ParticipantLeft(ctx, session.ID, env.clientID)

	deadline := time.Now().Add(2 * time.Second)
	for env.session(t, session.ID).Status != domain.SessionStatusEnded {
		if time.Now().After(deadline) {
			t.Fatal("session did not end after the grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ended := env.session(t, session.ID)
	if *ended.EndReason != domain.EndReasonParticipantDisconnect {
		t.Fatalf("expected participant_disconnected, got %s", *ended.EndReason)
	}
	if env.svc.Clock().Running(session.ID) {
		t.Fatal("expected billing clock stopped after disconnect")
	}
	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("tick after end: %v", err)
	}
	if got := len(env.session(t, session.ID).BillingHistory); got != 0 {
		t.Fatalf("expected no charges after disconnect, got %d", got)
	}
}

func TestRejoinWithinGraceKeepsSessionActive(t *testing.T) {
	env := newTestEnv(t, 1000, 200, func(o *Options) { o.DisconnectGrace = 50 * time.Millisecond })
	ctx := context.Background()
	session := env.startSession(t)

	env.svc.ParticipantLeft(ctx, session.ID, env.readerID)
	env.svc.ParticipantJoined(ctx, session.ID, env.readerID)
	time.Sleep(150 * time.Millisecond)

	if got := env.session(t, session.ID).Status; got != domain.SessionStatusActive {
		t.Fatalf("expected session to stay active, got %s", got)
	}
}

// pausingLookupRepo holds FindSessionByID open once armed, so a test can act
// while a lookup is in flight.
type pausingLookupRepo struct {
	store.Repository
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (r *pausingLookupRepo) arm() {
	r.mu.Lock()
	r.armed = true
	r.entered = make(chan struct{})
	r.release = make(chan struct{})
	r.mu.Unlock()
}

func (r *pausingLookupRepo) FindSessionByID(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	r.mu.Lock()
	armed := r.armed
	r.armed = false
	entered, release := r.entered, r.release
	r.mu.Unlock()
	if armed {
		close(entered)
		<-release
	}
	return r.Repository.FindSessionByID(ctx, sessionID)
}

func TestRejoinDuringDepartureLookupKeepsSessionActive(t *testing.T) {
	for _, grace := range []time.Duration{0, 20 * time.Millisecond} {
		env := newTestEnv(t, 1000, 200, nil)
		paused := &pausingLookupRepo{Repository: env.repo}
		env.svc = newServiceWithRepo(t, paused, env, Options{
			BillingInterval: time.Hour,
			DisconnectGrace: grace,
			Now:             env.clock.Now,
		})
		ctx := context.Background()
		session := env.startSession(t)

		paused.arm()
		done := make(chan struct{})
		go func() {
			defer close(done)
			env.svc.ParticipantLeft(ctx, session.ID, env.clientID)
		}()
		<-paused.entered
		env.svc.ParticipantJoined(ctx, session.ID, env.clientID)
		close(paused.release)
		<-done

		time.Sleep(grace + 80*time.Millisecond)
		if got := env.session(t, session.ID).Status; got != domain.SessionStatusActive {
			t.Fatalf("grace=%s: expected session to stay active after rejoin, got %s", grace, got)
		}
	}
}

func TestDisconnectWithoutGraceEndsImmediately(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	session := env.startSession(t)

	env.svc.ParticipantLeft(context.Background(), session.ID, env.readerID)

	if got := env.session(t, session.ID).Status; got != domain.SessionStatusEnded {
		t.Fatalf("expected ended, got %s", got)
	}
	if _, ok := env.notifier.find(env.clientID, domain.NotificationSessionForceEnded); !ok {
		t.Fatal("expected client to receive force-ended notification")
	}
}

func TestChargeFailuresEscalateToTechnicalError(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	failing := &failingChargeRepo{Repository: env.repo, failures: 10}
	env.svc = newServiceWithRepo(t, failing, env, Options{
		BillingInterval:        time.Hour,
		ChargeFailureThreshold: 3,
		Now:                    env.clock.Now,
	})
	ctx := context.Background()
	session := env.startSession(t)

	for i := 1; i <= 2; i++ {
		if err := env.svc.ChargeTick(ctx, session.ID); err == nil {
			t.Fatalf("expected tick %d to report the storage failure", i)
		}
		if got := env.session(t, session.ID).Status; got != domain.SessionStatusActive {
			t.Fatalf("expected active after %d failures, got %s", i, got)
		}
	}
	if err := env.svc.ChargeTick(ctx, session.ID); err == nil {
		t.Fatal("expected third tick to report the storage failure")
	}

	ended := env.session(t, session.ID)
	if ended.Status != domain.SessionStatusEnded || *ended.EndReason != domain.EndReasonTechnicalError {
		t.Fatalf("expected ended/technical_error, got %s %v", ended.Status, ended.EndReason)
	}
	if ended.AdminNote == nil || *ended.AdminNote == "" {
		t.Fatal("expected an admin note explaining the escalation")
	}
	if len(ended.BillingHistory) != 0 || env.balance(t, env.clientID).Balance != 1000 {
		t.Fatal("expected failed ticks to leave no trace in the ledger")
	}
}

func TestChargeFailureCounterResetsAfterSuccess(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	failing := &failingChargeRepo{Repository: env.repo, failures: 2}
	env.svc = newServiceWithRepo(t, failing, env, Options{
		BillingInterval:        time.Hour,
		ChargeFailureThreshold: 3,
		Now:                    env.clock.Now,
	})
	ctx := context.Background()
	session := env.startSession(t)

	_ = env.svc.ChargeTick(ctx, session.ID)
	_ = env.svc.ChargeTick(ctx, session.ID)
	if err := env.svc.ChargeTick(ctx, session.ID); err != nil {
		t.Fatalf("expected third tick to succeed, got %v", err)
	}

	failing.mu.Lock()
	failing.failures = 2
	failing.mu.Unlock()
	_ = env.svc.ChargeTick(ctx, session.ID)
	_ = env.svc.ChargeTick(ctx, session.ID)

	if got := env.session(t, session.ID).Status; got != domain.SessionStatusActive {
		t.Fatalf("expected session active since failures were not consecutive, got %s", got)
	}
}

func TestRecoverEndsOrphanedActiveSessions(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	ctx := context.Background()
	start := env.clock.Now()

	orphan := &domain.Session{
		ID:        uuid.New(),
		ClientID:  env.clientID,
		ReaderID:  env.readerID,
		Type:      domain.SessionTypeVideo,
		Rate:      200,
		Status:    domain.SessionStatusPending,
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := env.repo.CreateSession(ctx, orphan); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.repo.ActivateSession(ctx, orphan.ID, start); err != nil {
		t.Fatalf("activate: %v", err)
	}

	env.clock.Advance(10 * time.Minute)
	recovered, err := env.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered session, got %d", recovered)
	}
	ended := env.session(t, orphan.ID)
	if ended.Status != domain.SessionStatusEnded || *ended.EndReason != domain.EndReasonServiceRestart {
		t.Fatalf("expected ended/service_restart, got %s %v", ended.Status, ended.EndReason)
	}
	if ended.AdminNote == nil {
		t.Fatal("expected recovery admin note")
	}

	live := env.startSessionForNewPair(t)
	recovered, err = env.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if recovered != 0 || env.session(t, live.ID).Status != domain.SessionStatusActive {
		t.Fatal("expected sessions with running clocks to be left alone")
	}
}

func (e *testEnv) startSessionForNewPair(t *testing.T) *domain.Session {
	t.Helper()
	e.clientID, e.readerID = uuid.New(), uuid.New()
	e.repo.PutUser(domain.UserProfile{ID: e.clientID, Role: domain.RoleClient, IsActive: true}, domain.LedgerEntry{Balance: 1000})
	e.repo.PutUser(domain.UserProfile{ID: e.readerID, Role: domain.RoleReader, IsActive: true, IsOnline: true, Rates: domain.ReaderRates{Video: 200}}, domain.LedgerEntry{})
	return e.startSession(t)
}

func TestExpireStalePending(t *testing.T) {
	env := newTestEnv(t, 1000, 200, func(o *Options) { o.PendingTimeout = 5 * time.Minute })
	ctx := context.Background()
	session, err := env.svc.RequestSession(ctx, env.clientID, env.readerID, "video")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	env.clock.Advance(time.Minute)
	if expired, _ := env.svc.ExpireStalePending(ctx); expired != 0 {
		t.Fatalf("expected fresh request to survive, expired %d", expired)
	}

	env.clock.Advance(5 * time.Minute)
	expired, err := env.svc.ExpireStalePending(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired request, got %d", expired)
	}
	stored := env.session(t, session.ID)
	if stored.Status != domain.SessionStatusCancelled || *stored.EndReason != domain.EndReasonRequestTimeout {
		t.Fatalf("expected cancelled/request_timeout, got %s %v", stored.Status, stored.EndReason)
	}
}

func TestReviewSession(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	ctx := context.Background()
	session := env.startSession(t)

	if _, err := env.svc.ReviewSession(ctx, session.ID, env.clientID, 5, "great"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before end, got %v", err)
	}
	if _, err := env.svc.EndSession(ctx, session.ID, env.clientID, ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := env.svc.ReviewSession(ctx, session.ID, env.clientID, 6, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
	if _, err := env.svc.ReviewSession(ctx, session.ID, env.readerID, 4, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for reader, got %v", err)
	}

	reviewed, err := env.svc.ReviewSession(ctx, session.ID, env.clientID, 4, "  insightful  ")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if *reviewed.Rating != 4 || *reviewed.Review != "insightful" {
		t.Fatalf("unexpected review %v %v", reviewed.Rating, reviewed.Review)
	}
	if _, err := env.svc.ReviewSession(ctx, session.ID, env.clientID, 3, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second review to be rejected, got %v", err)
	}
}

func TestGetSessionIsParticipantScoped(t *testing.T) {
	env := newTestEnv(t, 1000, 200, nil)
	ctx := context.Background()
	session := env.startSession(t)

	if _, err := env.svc.GetSession(ctx, session.ID, env.clientID); err != nil {
		t.Fatalf("client get: %v", err)
	}
	if _, err := env.svc.GetSession(ctx, session.ID, uuid.New()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	list, err := env.svc.ListSessions(ctx, env.readerID, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one session in reader history, got %d (%v)", len(list), err)
	}
}
