// Package google adapts Google Calendar to the provider boundary. Busy time
// comes from the FreeBusy API, which already collapses recurring events into
// concrete periods on the provider side.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"slotd/internal/models"
	"slotd/internal/provider"
)

const ProviderName = "google"

// Adapter implements provider.Adapter against the Google Calendar API.
type Adapter struct {
	logger *slog.Logger
	creds  provider.CredentialSource
	opts   []option.ClientOption
}

// New creates the adapter. Extra client options are for tests
// (option.WithEndpoint against a local server).
func New(logger *slog.Logger, creds provider.CredentialSource, opts ...option.ClientOption) *Adapter {
	return &Adapter{logger: logger, creds: creds, opts: opts}
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) service(ctx context.Context, cal models.ConnectedCalendar) (*calendar.Service, error) {
	ts, err := a.creds.TokenSource(ctx, cal)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", cal.Key(), provider.ErrNeedsReauth)
	}
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, a.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

func (a *Adapter) ListBusyIntervals(ctx context.Context, cal models.ConnectedCalendar, window models.TimeInterval) ([]models.BusyInterval, error) {
	svc, err := a.service(ctx, cal)
	if err != nil {
		return nil, err
	}

	res, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: window.Start.UTC().Format(time.RFC3339),
		TimeMax: window.End.UTC().Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: cal.ExternalID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapError(fmt.Errorf("freebusy query for %s: %w", cal.ExternalID, err), err)
	}

	entry, ok := res.Calendars[cal.ExternalID]
	if !ok {
		return nil, fmt.Errorf("calendar %s missing from freebusy response: %w", cal.ExternalID, provider.ErrNotFound)
	}
	for _, fbErr := range entry.Errors {
		if fbErr.Reason == "notFound" {
			return nil, fmt.Errorf("calendar %s: %w", cal.ExternalID, provider.ErrNotFound)
		}
		return nil, fmt.Errorf("freebusy for %s: %s: %w", cal.ExternalID, fbErr.Reason, provider.ErrTransient)
	}

	out := make([]models.BusyInterval, 0, len(entry.Busy))
	for _, period := range entry.Busy {
		start, err := time.Parse(time.RFC3339, period.Start)
		if err != nil {
			return nil, fmt.Errorf("bad busy period start %q: %w", period.Start, err)
		}
		end, err := time.Parse(time.RFC3339, period.End)
		if err != nil {
			return nil, fmt.Errorf("bad busy period end %q: %w", period.End, err)
		}
		if !start.Before(end) {
			continue
		}
		out = append(out, models.BusyInterval{
			TimeInterval: models.TimeInterval{Start: start.UTC(), End: end.UTC()},
			Source:       models.SourceCalendar,
			SourceID:     cal.Key(),
		})
	}
	a.logger.Debug("Fetched busy periods from Google", "calendar", cal.ExternalID, "count", len(out))
	return out, nil
}

func (a *Adapter) PushEvent(ctx context.Context, cal models.ConnectedCalendar, slot models.MeetingSlot) (string, error) {
	svc, err := a.service(ctx, cal)
	if err != nil {
		return "", err
	}

	var attendees []*calendar.EventAttendee
	for _, p := range slot.Participants {
		if p.AccountAddress != "" {
			attendees = append(attendees, &calendar.EventAttendee{Email: p.AccountAddress})
		}
	}
	event := &calendar.Event{
		Summary:   slot.Title,
		Start:     &calendar.EventDateTime{DateTime: slot.Start.UTC().Format(time.RFC3339)},
		End:       &calendar.EventDateTime{DateTime: slot.End.UTC().Format(time.RFC3339)},
		Attendees: attendees,
	}

	created, err := svc.Events.Insert(cal.ExternalID, event).Context(ctx).Do()
	if err != nil {
		return "", mapError(fmt.Errorf("insert event in %s: %w", cal.ExternalID, err), err)
	}
	a.logger.Info("Pushed event to Google Calendar", "calendar", cal.ExternalID, "event", created.Id)
	return created.Id, nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, cal models.ConnectedCalendar, externalEventID string) error {
	svc, err := a.service(ctx, cal)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(cal.ExternalID, externalEventID).Context(ctx).Do(); err != nil {
		return mapError(fmt.Errorf("delete event %s from %s: %w", externalEventID, cal.ExternalID, err), err)
	}
	return nil
}

func (a *Adapter) Refresh(ctx context.Context, cal models.ConnectedCalendar) (models.ConnectedCalendar, error) {
	svc, err := a.service(ctx, cal)
	if err != nil {
		return cal, err
	}
	if _, err := svc.CalendarList.Get(cal.ExternalID).Context(ctx).Do(); err != nil {
		return cal, mapError(fmt.Errorf("refresh calendar %s: %w", cal.ExternalID, err), err)
	}
	return cal, nil
}

// mapError attaches the provider taxonomy sentinel matching the Google API
// failure. wrapped carries the context message; raw is googleapi's error.
func mapError(wrapped, raw error) error {
	var apiErr *googleapi.Error
	if !errors.As(raw, &apiErr) {
		// Network-level failure; the caller may retry.
		return fmt.Errorf("%w: %w", provider.ErrTransient, wrapped)
	}
	switch {
	case apiErr.Code == 401 || apiErr.Code == 403:
		return fmt.Errorf("%w: %w", provider.ErrNeedsReauth, wrapped)
	case apiErr.Code == 404 || apiErr.Code == 410:
		return fmt.Errorf("%w: %w", provider.ErrNotFound, wrapped)
	case apiErr.Code == 429 || apiErr.Code >= 500:
		return fmt.Errorf("%w: %w", provider.ErrTransient, wrapped)
	default:
		return wrapped
	}
}
