// Package provider defines the uniform boundary between the engine and
// external calendar providers. Each concrete adapter translates its
// provider's native event and recurrence model into plain busy intervals;
// recurrence quirks never leak past this boundary.
package provider

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"slotd/internal/models"
)

// Error taxonomy. Adapters wrap one of these sentinels so callers can
// dispatch on the failure class with errors.Is.
var (
	// ErrNeedsReauth means the calendar's credential is expired or revoked.
	// The calendar must be flagged for reconnection; retrying is pointless.
	ErrNeedsReauth = errors.New("provider: credential needs reauthorization")

	// ErrTransient covers timeouts, rate limits and 5xx responses. The
	// caller may retry with backoff.
	ErrTransient = errors.New("provider: transient error")

	// ErrNotFound means the calendar or event is gone at the provider.
	// The caller disables the calendar instead of retrying.
	ErrNotFound = errors.New("provider: not found")
)

// Adapter is the capability interface every provider family implements.
type Adapter interface {
	// Name returns the provider identifier ("google", "caldav", "outlook").
	Name() string

	// ListBusyIntervals returns the calendar's busy time inside window,
	// with the provider's own recurring-event structure already collapsed
	// into concrete intervals.
	ListBusyIntervals(ctx context.Context, cal models.ConnectedCalendar, window models.TimeInterval) ([]models.BusyInterval, error)

	// PushEvent creates or replaces the external event for slot and
	// returns the provider's event identifier.
	PushEvent(ctx context.Context, cal models.ConnectedCalendar, slot models.MeetingSlot) (string, error)

	// DeleteEvent removes a previously pushed event.
	DeleteEvent(ctx context.Context, cal models.ConnectedCalendar, externalEventID string) error

	// Refresh re-reads provider-side calendar state and returns the
	// updated record. Safe to repeat; it overwrites, never accumulates.
	Refresh(ctx context.Context, cal models.ConnectedCalendar) (models.ConnectedCalendar, error)
}

// CredentialSource hands adapters an already-refreshed OAuth credential.
// Token storage and refresh belong to the credential collaborator, not to
// this engine.
type CredentialSource interface {
	TokenSource(ctx context.Context, cal models.ConnectedCalendar) (oauth2.TokenSource, error)
}
