// Package webhook ingests provider push notifications and keeps cached
// calendar state fresh. Deliveries are at-least-once and unordered; the
// orchestrator deduplicates concurrent notifications per channel and runs a
// re-sync that is safe to repeat, so a duplicate that slips through changes
// nothing.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slotd/internal/booking"
	"slotd/internal/models"
	"slotd/internal/provider"
)

// Resource states a provider may send. "sync" is the channel-creation
// handshake ping; "exists" signals that the watched resource changed.
const (
	StateSync   = "sync"
	StateExists = "exists"
)

// Outcome tags what a notification resulted in.
type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeHandshake Outcome = "handshake"
	OutcomeIgnored   Outcome = "ignored"
)

// Notification is one decoded provider push.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
}

// Snapshot is the cached busy view of one calendar after its last sync.
type Snapshot struct {
	Calendar  models.ConnectedCalendar
	Busy      []models.TimeInterval
	FetchedAt time.Time
}

// SnapshotCache holds the per-process cached calendar state the orchestrator
// overwrites on every sync. Overwriting is what makes re-syncs idempotent.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]Snapshot
}

func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{entries: make(map[string]Snapshot)}
}

func (c *SnapshotCache) Put(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[snap.Calendar.Key()] = snap
}

func (c *SnapshotCache) Get(calendarKey string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entries[calendarKey]
	return snap, ok
}

// Orchestrator drives the per-channel IDLE -> LOCKED -> IDLE cycle.
type Orchestrator struct {
	logger   *slog.Logger
	locks    *ChannelLocks
	registry *provider.Registry
	store    booking.Store
	cache    *SnapshotCache
	horizon  time.Duration
	now      func() time.Time
}

// NewOrchestrator wires the orchestrator. horizon is how far ahead a re-sync
// fetches busy time; now is the clock, nil for time.Now.
func NewOrchestrator(logger *slog.Logger, locks *ChannelLocks, registry *provider.Registry, store booking.Store, cache *SnapshotCache, horizon time.Duration, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		logger:   logger,
		locks:    locks,
		registry: registry,
		store:    store,
		cache:    cache,
		horizon:  horizon,
		now:      now,
	}
}

// Notify handles one provider notification. A notification for a channel
// whose sync is already in flight is dropped: the in-flight sync observes
// the same underlying change, and the provider must not be told to retry.
func (o *Orchestrator) Notify(ctx context.Context, n Notification) (Outcome, error) {
	if n.ResourceState == StateSync {
		o.logger.Info("Channel handshake acknowledged", "channel", n.ChannelID)
		return OutcomeHandshake, nil
	}

	if !o.locks.TryAcquire(n.ChannelID) {
		o.logger.Info("Skipping notification, sync in progress", "channel", n.ChannelID)
		return OutcomeSkipped, nil
	}
	defer o.locks.Release(n.ChannelID)

	cal, err := o.store.FindCalendarByChannel(ctx, n.ChannelID)
	if err != nil {
		// A lapsed channel we no longer track. Ack so the provider stops
		// redelivering; the cron backstop covers any real calendar.
		o.logger.Warn("Notification for unknown channel", "channel", n.ChannelID, "error", err)
		return OutcomeIgnored, nil
	}

	if err := o.SyncCalendar(ctx, cal); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeSynced, nil
}

// SyncCalendar re-fetches provider state for one calendar and overwrites the
// cached snapshot. Running it twice for the same underlying state yields the
// same cache contents, which is what at-least-once delivery relies on.
func (o *Orchestrator) SyncCalendar(ctx context.Context, cal models.ConnectedCalendar) error {
	adapter, err := o.registry.Get(cal.Provider)
	if err != nil {
		return fmt.Errorf("sync %s: %w", cal.Key(), err)
	}

	updated, err := adapter.Refresh(ctx, cal)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", cal.Key(), err)
	}

	now := o.now()
	window := models.TimeInterval{Start: now, End: now.Add(o.horizon)}
	busy, err := adapter.ListBusyIntervals(ctx, updated, window)
	if err != nil {
		return fmt.Errorf("list busy for %s: %w", updated.Key(), err)
	}

	intervals := make([]models.TimeInterval, 0, len(busy))
	for _, b := range busy {
		intervals = append(intervals, b.TimeInterval)
	}
	o.cache.Put(Snapshot{Calendar: updated, Busy: intervals, FetchedAt: now})

	updated.LastSyncedAt = now
	if err := o.store.UpsertConnectedCalendar(ctx, updated); err != nil {
		return fmt.Errorf("record sync for %s: %w", updated.Key(), err)
	}
	o.logger.Info("Calendar synced", "calendar", updated.Key(), "busy_intervals", len(intervals))
	return nil
}

// SyncAll re-syncs every sync-enabled calendar, used by the periodic
// freshness backstop. Per-calendar failures are logged and skipped.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	cals, err := o.store.ListSyncEnabledCalendars(ctx)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}
	for _, cal := range cals {
		if cal.ChannelID != "" && !o.locks.TryAcquire(cal.ChannelID) {
			o.logger.Info("Skipping periodic sync, webhook sync in progress", "calendar", cal.Key())
			continue
		}
		err := o.SyncCalendar(ctx, cal)
		if cal.ChannelID != "" {
			o.locks.Release(cal.ChannelID)
		}
		if err != nil {
			o.logger.Error("Periodic sync failed", "calendar", cal.Key(), "error", err)
		}
	}
	return nil
}
