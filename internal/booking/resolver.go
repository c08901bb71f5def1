package booking

import (
	"context"
	"errors"
	"fmt"

	"slotd/internal/models"
	"slotd/internal/series"
)

// Resolver maps an opaque meeting identifier to the correctly-scoped record:
// a plain booking, a materialized exception, or a slot synthesized from a
// series recurrence rule.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up identifier. Composite identifiers (series ID joined to an
// occurrence key) resolve against the exception index first, then fall back
// to synthesizing the occurrence from the rule. Plain identifiers are direct
// booking lookups.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (models.MeetingSlot, error) {
	seriesID, occurrenceKey, composite := series.SplitID(identifier)
	if !composite {
		return r.store.GetBooking(ctx, identifier)
	}

	exc, err := r.store.GetException(ctx, seriesID, occurrenceKey)
	if err == nil {
		return exc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.MeetingSlot{}, err
	}

	s, err := r.store.GetSeries(ctx, seriesID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// A composite-looking ID may still be a plain booking whose ID
			// happens to end in a date.
			return r.store.GetBooking(ctx, identifier)
		}
		return models.MeetingSlot{}, err
	}

	slot, err := series.Occurrence(s, occurrenceKey)
	if err != nil {
		if errors.Is(err, series.ErrNoOccurrence) {
			return models.MeetingSlot{}, fmt.Errorf("meeting %s: %w", identifier, ErrNotFound)
		}
		return models.MeetingSlot{}, err
	}
	return slot, nil
}
