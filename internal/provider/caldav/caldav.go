// Package caldav adapts CalDAV servers (iCloud and compatible) to the
// provider boundary. Unlike the Google adapter there is no free/busy service
// to lean on, so recurring events are expanded locally from their RRULE,
// honoring EXDATE and RECURRENCE-ID overrides.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"slotd/internal/models"
	"slotd/internal/provider"
)

const ProviderName = "caldav"

// expandCap bounds local recurrence expansion for pathological rules.
const expandCap = 1000

// PasswordSource supplies basic-auth credentials for a connected calendar.
// iCloud uses app-specific passwords here.
type PasswordSource interface {
	Credentials(ctx context.Context, cal models.ConnectedCalendar) (username, password string, err error)
}

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "slotd/1.0")
	return t.Transport.RoundTrip(req)
}

// Adapter implements provider.Adapter against a CalDAV endpoint. The
// connected calendar's ExternalID is the calendar collection path on the
// server, discovered once via FindCalendarPath.
type Adapter struct {
	logger   *slog.Logger
	creds    PasswordSource
	endpoint string
}

func New(logger *slog.Logger, creds PasswordSource, endpoint string) *Adapter {
	return &Adapter{logger: logger, creds: creds, endpoint: endpoint}
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) clients(ctx context.Context, cal models.ConnectedCalendar) (*caldav.Client, *webdav.Client, error) {
	username, password, err := a.creds.Credentials(ctx, cal)
	if err != nil {
		return nil, nil, fmt.Errorf("credential for %s: %w", cal.Key(), provider.ErrNeedsReauth)
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}}

	caldavClient, err := caldav.NewClient(httpClient, a.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, a.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create webdav client: %w", err)
	}
	return caldavClient, webdavClient, nil
}

func (a *Adapter) ListBusyIntervals(ctx context.Context, cal models.ConnectedCalendar, window models.TimeInterval) ([]models.BusyInterval, error) {
	caldavClient, _, err := a.clients(ctx, cal)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: window.Start.UTC(),
				End:   window.End.UTC(),
			}},
		},
	}

	objects, err := caldavClient.QueryCalendar(ctx, cal.ExternalID, query)
	if err != nil {
		return nil, mapError(fmt.Errorf("query calendar %s: %w", cal.ExternalID, err), err)
	}

	events := collectEvents(objects)
	busy := expandBusy(events, window)
	for i := range busy {
		busy[i].Source = models.SourceCalendar
		busy[i].SourceID = cal.Key()
	}
	a.logger.Debug("Fetched busy periods from CalDAV", "calendar", cal.ExternalID, "count", len(busy))
	return busy, nil
}

func (a *Adapter) PushEvent(ctx context.Context, cal models.ConnectedCalendar, slot models.MeetingSlot) (string, error) {
	_, webdavClient, err := a.clients(ctx, cal)
	if err != nil {
		return "", err
	}

	uid := slot.ID
	if uid == "" {
		uid = uuid.New().String()
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, slot.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, slot.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, slot.End.UTC())
	for _, p := range slot.Participants {
		if p.AccountAddress == "" {
			continue
		}
		prop := ical.NewProp(ical.PropAttendee)
		prop.SetText(fmt.Sprintf("mailto:%s", p.AccountAddress))
		ve.Props.Add(prop)
	}

	calDoc := ical.NewCalendar()
	calDoc.Props.SetText(ical.PropVersion, "2.0")
	calDoc.Props.SetText(ical.PropProductID, "-//slotd//EN")
	calDoc.Children = append(calDoc.Children, ve)

	eventPath := path.Join(cal.ExternalID, fmt.Sprintf("%s.ics", uid))
	writer, err := webdavClient.Create(ctx, eventPath)
	if err != nil {
		return "", mapError(fmt.Errorf("failed to create event on CalDAV server: %w", err), err)
	}
	defer writer.Close()

	if err := ical.NewEncoder(writer).Encode(calDoc); err != nil {
		return "", fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	a.logger.Info("Pushed event to CalDAV", "calendar", cal.ExternalID, "uid", uid)
	return uid, nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, cal models.ConnectedCalendar, externalEventID string) error {
	_, webdavClient, err := a.clients(ctx, cal)
	if err != nil {
		return err
	}
	eventPath := path.Join(cal.ExternalID, fmt.Sprintf("%s.ics", externalEventID))
	if err := webdavClient.RemoveAll(ctx, eventPath); err != nil {
		return mapError(fmt.Errorf("delete event %s from %s: %w", externalEventID, cal.ExternalID, err), err)
	}
	return nil
}

// Refresh verifies the calendar collection still exists on the server.
func (a *Adapter) Refresh(ctx context.Context, cal models.ConnectedCalendar) (models.ConnectedCalendar, error) {
	caldavClient, _, err := a.clients(ctx, cal)
	if err != nil {
		return cal, err
	}
	principalPath, err := caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return cal, mapError(fmt.Errorf("failed to find principal path: %w", err), err)
	}
	homeSetPath, err := caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return cal, mapError(fmt.Errorf("failed to find calendar home set: %w", err), err)
	}
	calendars, err := caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return cal, mapError(fmt.Errorf("failed to find calendars: %w", err), err)
	}
	for _, c := range calendars {
		if c.Path == cal.ExternalID {
			return cal, nil
		}
	}
	return cal, fmt.Errorf("calendar %s no longer on server: %w", cal.ExternalID, provider.ErrNotFound)
}

// FindCalendarPath discovers the collection path for the calendar with the
// given display name. Used when connecting a calendar for the first time.
func (a *Adapter) FindCalendarPath(ctx context.Context, cal models.ConnectedCalendar, name string) (string, error) {
	caldavClient, _, err := a.clients(ctx, cal)
	if err != nil {
		return "", err
	}
	principalPath, err := caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}
	homeSetPath, err := caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	calendars, err := caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}
	for _, c := range calendars {
		if c.Name == name {
			return c.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s': %w", name, provider.ErrNotFound)
}

// parsedEvent is one VEVENT pulled out of the query response.
type parsedEvent struct {
	uid          string
	start, end   time.Time
	rawRRule     string
	exDates      []time.Time
	recurrenceID time.Time
	transparent  bool
}

func collectEvents(objects []caldav.CalendarObject) []parsedEvent {
	var events []parsedEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, ok := parseEvent(comp)
			if !ok {
				continue
			}
			events = append(events, ev)
		}
	}
	return events
}

func parseEvent(comp *ical.Component) (parsedEvent, bool) {
	var ev parsedEvent
	start, err := comp.Props.DateTime(ical.PropDateTimeStart, time.UTC)
	if err != nil || start.IsZero() {
		return ev, false
	}
	end, err := comp.Props.DateTime(ical.PropDateTimeEnd, time.UTC)
	if err != nil || end.IsZero() || !start.Before(end) {
		return ev, false
	}
	ev.start = start.UTC()
	ev.end = end.UTC()

	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		ev.uid = prop.Value
	}
	if prop := comp.Props.Get(ical.PropRecurrenceRule); prop != nil {
		ev.rawRRule = prop.Value
	}
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		for _, raw := range strings.Split(prop.Value, ",") {
			if t, err := parseICalTime(raw); err == nil {
				ev.exDates = append(ev.exDates, t)
			}
		}
	}
	if prop := comp.Props.Get(ical.PropRecurrenceID); prop != nil {
		if t, err := parseICalTime(prop.Value); err == nil {
			ev.recurrenceID = t
		}
	}
	if prop := comp.Props.Get(ical.PropTransparency); prop != nil {
		ev.transparent = strings.EqualFold(prop.Value, "TRANSPARENT")
	}
	return ev, true
}

var icalTimeLayouts = []string{"20060102T150405Z", "20060102T150405", "20060102"}

func parseICalTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range icalTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized ical time %q", raw)
}

// expandBusy turns parsed VEVENTs into concrete busy intervals inside the
// window. Override components (those carrying RECURRENCE-ID) replace the
// occurrence they name; EXDATEs suppress occurrences outright.
func expandBusy(events []parsedEvent, window models.TimeInterval) []models.BusyInterval {
	// Overrides indexed by uid + original occurrence start.
	overridden := make(map[string]map[time.Time]bool)
	for _, ev := range events {
		if ev.recurrenceID.IsZero() {
			continue
		}
		if overridden[ev.uid] == nil {
			overridden[ev.uid] = make(map[time.Time]bool)
		}
		overridden[ev.uid][ev.recurrenceID] = true
	}

	var busy []models.BusyInterval
	add := func(start, end time.Time) {
		if end.After(window.Start) && start.Before(window.End) {
			busy = append(busy, models.BusyInterval{
				TimeInterval: models.TimeInterval{Start: start, End: end},
			})
		}
	}

	for _, ev := range events {
		if ev.transparent {
			continue
		}
		// Override components contribute their own (moved) time directly.
		if !ev.recurrenceID.IsZero() {
			add(ev.start, ev.end)
			continue
		}
		if ev.rawRRule == "" {
			add(ev.start, ev.end)
			continue
		}

		opt, err := rrule.StrToROption(ev.rawRRule)
		if err != nil {
			// Fall back to the base occurrence rather than dropping the event.
			add(ev.start, ev.end)
			continue
		}
		opt.Dtstart = ev.start
		rule, err := rrule.NewRRule(*opt)
		if err != nil {
			add(ev.start, ev.end)
			continue
		}

		duration := ev.end.Sub(ev.start)
		skip := make(map[time.Time]bool, len(ev.exDates))
		for _, ex := range ev.exDates {
			skip[ex] = true
		}
		starts := rule.Between(window.Start.Add(-duration), window.End, true)
		if len(starts) > expandCap {
			starts = starts[:expandCap]
		}
		for _, start := range starts {
			if skip[start] || overridden[ev.uid][start] {
				continue
			}
			add(start, start.Add(duration))
		}
	}
	return busy
}

func mapError(wrapped, raw error) error {
	var httpErr *webdav.HTTPError
	if !errors.As(raw, &httpErr) {
		return fmt.Errorf("%w: %w", provider.ErrTransient, wrapped)
	}
	switch {
	case httpErr.Code == 401 || httpErr.Code == 403:
		return fmt.Errorf("%w: %w", provider.ErrNeedsReauth, wrapped)
	case httpErr.Code == 404 || httpErr.Code == 410:
		return fmt.Errorf("%w: %w", provider.ErrNotFound, wrapped)
	case httpErr.Code == 429 || httpErr.Code >= 500:
		return fmt.Errorf("%w: %w", provider.ErrTransient, wrapped)
	default:
		return wrapped
	}
}
