// Package booking is the engine's view of the internal booking store: the
// single source of truth for meetings, series, materialized exceptions,
// connected calendars and availability blocks. Double-booking prevention
// lives here, at write time; the merger's free-slot output is advisory.
package booking

import (
	"context"
	"errors"

	"slotd/internal/models"
)

var (
	// ErrNotFound is returned for any missing booking, series, calendar or
	// availability block.
	ErrNotFound = errors.New("booking: not found")

	// ErrSlotTaken is returned when a booking would overlap an existing
	// booking for the same account. Admission control fails closed on it.
	ErrSlotTaken = errors.New("booking: slot already booked")
)

// Store is implemented by the Postgres backend and by the in-memory store
// used in tests.
type Store interface {
	// CreateBooking persists a one-off slot. It must atomically reject a
	// slot overlapping any existing non-cancelled booking for the same
	// account with ErrSlotTaken.
	CreateBooking(ctx context.Context, slot models.MeetingSlot) error
	GetBooking(ctx context.Context, id string) (models.MeetingSlot, error)

	// UpdateBooking rewrites a non-cancelled slot in place, subject to the
	// same overlap admission as CreateBooking (the slot's own row excluded).
	UpdateBooking(ctx context.Context, slot models.MeetingSlot) error
	CancelBooking(ctx context.Context, id string) error

	// BusyIntervals returns the account's internal busy time inside
	// window: one-off bookings plus synthesized series occurrences, with
	// materialized exceptions taking precedence over synthesis.
	BusyIntervals(ctx context.Context, accountAddress string, window models.TimeInterval) ([]models.BusyInterval, error)

	CreateSeries(ctx context.Context, s models.MeetingSeries) error
	GetSeries(ctx context.Context, seriesID string) (models.MeetingSeries, error)
	ListSeries(ctx context.Context, accountAddress string) ([]models.MeetingSeries, error)

	// UpsertException materializes a "this occurrence only" edit. The slot
	// must carry SeriesID and OccurrenceKey.
	UpsertException(ctx context.Context, slot models.MeetingSlot) error
	GetException(ctx context.Context, seriesID, occurrenceKey string) (models.MeetingSlot, error)

	UpsertConnectedCalendar(ctx context.Context, cal models.ConnectedCalendar) error
	ListConnectedCalendars(ctx context.Context, accountAddress string) ([]models.ConnectedCalendar, error)
	ListSyncEnabledCalendars(ctx context.Context) ([]models.ConnectedCalendar, error)
	FindCalendarByChannel(ctx context.Context, channelID string) (models.ConnectedCalendar, error)
	DisableCalendarSync(ctx context.Context, provider, externalID string) error

	SaveAvailabilityBlock(ctx context.Context, block models.AvailabilityBlock) error
	GetAvailabilityBlock(ctx context.Context, accountAddress, blockID string) (models.AvailabilityBlock, error)

	// Event mappings record which external event a booking became on each
	// connected calendar, keyed by the calendar's provider/externalID key.
	SaveEventMapping(ctx context.Context, bookingID, calendarKey, externalEventID string) error
	ListEventMappings(ctx context.Context, bookingID string) (map[string]string, error)
	DeleteEventMapping(ctx context.Context, bookingID, calendarKey string) error

	Ping(ctx context.Context) error
	Close() error
}
