/**
 * @description
 * The billing clock keeps one recurring cron entry per active session. Each entry
 * fires the configured tick function once per interval.
 *
 * @notes
 * - Start is idempotent: a session that already has an entry keeps it.
 * - Entries are wrapped in cron.SkipIfStillRunning, so a tick that is still
 *   charging when the next interval elapses causes that next tick to be skipped.
 * - Stop only removes the entry and never waits for a running tick, which makes
 *   it safe to call from inside the tick itself.
 */

package app

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// TickFunc is invoked by the billing clock for one session.
type TickFunc func(sessionID uuid.UUID)

// BillingClock is a registry of per-session recurring charge timers.
type BillingClock struct {
	cron    *cron.Cron
	logger  cron.Logger
	tick    TickFunc
	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
}

// NewBillingClock creates and starts a clock that calls tick for every due session.
func NewBillingClock(tick TickFunc) *BillingClock {
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(logger)))
	c.Start()
	return &BillingClock{
		cron:    c,
		logger:  logger,
		tick:    tick,
		entries: make(map[uuid.UUID]cron.EntryID),
	}
}

// Start registers a repeating tick for sessionID. It reports false when the
// session already had a running clock.
func (c *BillingClock) Start(sessionID uuid.UUID, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionID]; ok {
		return false
	}
	job := cron.NewChain(cron.SkipIfStillRunning(c.logger)).Then(cron.FuncJob(func() {
		c.tick(sessionID)
	}))
	c.entries[sessionID] = c.cron.Schedule(cron.Every(interval), job)
	log.Printf("level=info component=billing_clock msg=\"clock started\" session_id=%s interval=%s", sessionID, interval)
	return true
}

// Stop cancels the clock of sessionID. Stopping a session without a clock is a no-op.
func (c *BillingClock) Stop(sessionID uuid.UUID) bool {
	c.mu.Lock()
	id, ok := c.entries[sessionID]
	if ok {
		delete(c.entries, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.cron.Remove(id)
	log.Printf("level=info component=billing_clock msg=\"clock stopped\" session_id=%s", sessionID)
	return true
}

// Running reports whether sessionID currently has a clock.
func (c *BillingClock) Running(sessionID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sessionID]
	return ok
}

// Len returns the number of running clocks.
func (c *BillingClock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StopAll removes every clock and stops the scheduler. The returned context is
// done once in-flight ticks have finished.
func (c *BillingClock) StopAll() context.Context {
	c.mu.Lock()
	for sessionID, id := range c.entries {
		c.cron.Remove(id)
		delete(c.entries, sessionID)
	}
	c.mu.Unlock()
	return c.cron.Stop()
}
