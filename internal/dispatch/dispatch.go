// Package dispatch propagates internal booking mutations out to every
// participant's connected external calendars. The booking store is the
// source of truth; external pushes are best effort, one participant's
// failure never blocks another's push or the booking itself.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"slotd/internal/booking"
	"slotd/internal/models"
	"slotd/internal/provider"
)

// PushResult is the outcome of one calendar push. Failures are reported to
// the caller's retry/queueing machinery, not retried here. Error carries the
// failure text for API responses; Err is the wrapped error for callers.
type PushResult struct {
	Participant     models.Participant       `json:"participant"`
	Calendar        models.ConnectedCalendar `json:"calendar"`
	ExternalEventID string                   `json:"externalEventId,omitempty"`
	Error           string                   `json:"error,omitempty"`
	Err             error                    `json:"-"`
}

// Dispatcher pushes meeting mutations to external calendars.
type Dispatcher struct {
	logger   *slog.Logger
	registry *provider.Registry
	store    booking.Store
}

func NewDispatcher(logger *slog.Logger, registry *provider.Registry, store booking.Store) *Dispatcher {
	return &Dispatcher{logger: logger, registry: registry, store: store}
}

// MeetingCreated pushes slot to every sync-enabled calendar of every
// participant, in parallel, and records the external event mapping for each
// successful push.
func (d *Dispatcher) MeetingCreated(ctx context.Context, slot models.MeetingSlot) []PushResult {
	return d.fanOut(ctx, slot, func(ctx context.Context, adapter provider.Adapter, cal models.ConnectedCalendar) (string, error) {
		eventID, err := adapter.PushEvent(ctx, cal, slot)
		if err != nil {
			return "", err
		}
		if err := d.store.SaveEventMapping(ctx, slot.ID, cal.Key(), eventID); err != nil {
			d.logger.Error("Failed to record event mapping", "booking", slot.ID, "calendar", cal.Key(), "error", err)
		}
		return eventID, nil
	})
}

// MeetingUpdated replaces the external event on every participant calendar.
// Calendars that never received the original still get a fresh push.
func (d *Dispatcher) MeetingUpdated(ctx context.Context, slot models.MeetingSlot) []PushResult {
	mappings, err := d.store.ListEventMappings(ctx, slot.ID)
	if err != nil {
		d.logger.Error("Failed to load event mappings", "booking", slot.ID, "error", err)
		mappings = nil
	}
	return d.fanOut(ctx, slot, func(ctx context.Context, adapter provider.Adapter, cal models.ConnectedCalendar) (string, error) {
		if oldID, ok := mappings[cal.Key()]; ok {
			if err := adapter.DeleteEvent(ctx, cal, oldID); err != nil && !errors.Is(err, provider.ErrNotFound) {
				return "", err
			}
		}
		eventID, err := adapter.PushEvent(ctx, cal, slot)
		if err != nil {
			return "", err
		}
		if err := d.store.SaveEventMapping(ctx, slot.ID, cal.Key(), eventID); err != nil {
			d.logger.Error("Failed to record event mapping", "booking", slot.ID, "calendar", cal.Key(), "error", err)
		}
		return eventID, nil
	})
}

// MeetingCancelled removes the external event wherever one was recorded.
func (d *Dispatcher) MeetingCancelled(ctx context.Context, slot models.MeetingSlot) []PushResult {
	mappings, err := d.store.ListEventMappings(ctx, slot.ID)
	if err != nil {
		d.logger.Error("Failed to load event mappings", "booking", slot.ID, "error", err)
		return nil
	}
	return d.fanOut(ctx, slot, func(ctx context.Context, adapter provider.Adapter, cal models.ConnectedCalendar) (string, error) {
		eventID, ok := mappings[cal.Key()]
		if !ok {
			return "", nil
		}
		if err := adapter.DeleteEvent(ctx, cal, eventID); err != nil && !errors.Is(err, provider.ErrNotFound) {
			return "", err
		}
		if err := d.store.DeleteEventMapping(ctx, slot.ID, cal.Key()); err != nil {
			d.logger.Error("Failed to drop event mapping", "booking", slot.ID, "calendar", cal.Key(), "error", err)
		}
		return eventID, nil
	})
}

type pushFunc func(ctx context.Context, adapter provider.Adapter, cal models.ConnectedCalendar) (string, error)

func (d *Dispatcher) fanOut(ctx context.Context, slot models.MeetingSlot, push pushFunc) []PushResult {
	type target struct {
		participant models.Participant
		cal         models.ConnectedCalendar
	}
	var targets []target
	for _, p := range slot.Participants {
		cals, err := d.store.ListConnectedCalendars(ctx, p.Key())
		if err != nil {
			d.logger.Error("Failed to list calendars", "participant", p.Key(), "error", err)
			continue
		}
		for _, cal := range cals {
			if cal.SyncEnabled {
				targets = append(targets, target{participant: p, cal: cal})
			}
		}
	}

	results := make([]PushResult, len(targets))
	var wg sync.WaitGroup
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg target) {
			defer wg.Done()
			res := PushResult{Participant: tg.participant, Calendar: tg.cal}
			adapter, err := d.registry.Get(tg.cal.Provider)
			if err != nil {
				res.Err = err
			} else {
				res.ExternalEventID, res.Err = push(ctx, adapter, tg.cal)
			}
			if res.Err != nil {
				res.Error = res.Err.Error()
				d.logger.Error("External calendar push failed",
					"booking", slot.ID, "calendar", tg.cal.Key(), "error", res.Err)
			}
			results[i] = res
		}(i, tg)
	}
	wg.Wait()
	return results
}
