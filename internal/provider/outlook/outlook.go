// Package outlook adapts Microsoft Outlook/365 calendars via the Graph API.
// Busy time comes from the calendarView endpoint, which expands recurring
// series server-side into concrete instances.
package outlook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"slotd/internal/models"
	"slotd/internal/provider"
)

const (
	ProviderName = "outlook"

	msGraphBaseURL    = "https://graph.microsoft.com/v1.0"
	outlookTimeFormat = "2006-01-02T15:04:05"

	// maxViewPages bounds @odata.nextLink chasing on a runaway feed.
	maxViewPages = 50
)

// Adapter implements provider.Adapter against the Microsoft Graph API.
type Adapter struct {
	logger  *slog.Logger
	creds   provider.CredentialSource
	baseURL string
}

// New creates the adapter. baseURL overrides the Graph endpoint when
// non-empty (for tests against a local server).
func New(logger *slog.Logger, creds provider.CredentialSource, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = msGraphBaseURL
	}
	return &Adapter{logger: logger, creds: creds, baseURL: baseURL}
}

func (a *Adapter) Name() string { return ProviderName }

func (a *Adapter) client(ctx context.Context, cal models.ConnectedCalendar) (*http.Client, error) {
	ts, err := a.creds.TokenSource(ctx, cal)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", cal.Key(), provider.ErrNeedsReauth)
	}
	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("token for %s: %w", cal.Key(), provider.ErrNeedsReauth)
	}
	return &http.Client{Transport: &tokenTransport{token: token.AccessToken, base: http.DefaultTransport}}, nil
}

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func (a *Adapter) ListBusyIntervals(ctx context.Context, cal models.ConnectedCalendar, window models.TimeInterval) ([]models.BusyInterval, error) {
	client, err := a.client(ctx, cal)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	params.Set("$select", "id,showAs,start,end")
	params.Set("$top", "500")
	next := a.baseURL + "/me/calendars/" + url.PathEscape(cal.ExternalID) + "/calendarView?" + params.Encode()

	// Graph paginates the view; follow @odata.nextLink until exhausted.
	var out []models.BusyInterval
	for page := 0; next != ""; page++ {
		if page >= maxViewPages {
			return nil, fmt.Errorf("calendar view for %s: more than %d pages", cal.ExternalID, maxViewPages)
		}
		busy, link, err := a.fetchViewPage(ctx, client, cal, next)
		if err != nil {
			return nil, err
		}
		out = append(out, busy...)
		next = link
	}
	a.logger.Debug("Fetched busy periods from Outlook", "calendar", cal.ExternalID, "count", len(out))
	return out, nil
}

func (a *Adapter) fetchViewPage(ctx context.Context, client *http.Client, cal models.ConnectedCalendar, endpoint string) ([]models.BusyInterval, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Prefer", "outlook.timezone=\"UTC\"")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: calendar view request: %w", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("calendar view", cal.ExternalID, resp.StatusCode)
	}

	var result struct {
		Value []struct {
			ID     string    `json:"id"`
			ShowAs string    `json:"showAs"`
			Start  graphTime `json:"start"`
			End    graphTime `json:"end"`
		} `json:"value"`
		NextLink string `json:"@odata.nextLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, "", fmt.Errorf("failed to decode response: %w", err)
	}

	out := make([]models.BusyInterval, 0, len(result.Value))
	for _, ev := range result.Value {
		if ev.ShowAs == "free" {
			continue
		}
		start, err := ev.Start.Time()
		if err != nil {
			return nil, "", err
		}
		end, err := ev.End.Time()
		if err != nil {
			return nil, "", err
		}
		if !start.Before(end) {
			continue
		}
		out = append(out, models.BusyInterval{
			TimeInterval: models.TimeInterval{Start: start, End: end},
			Source:       models.SourceCalendar,
			SourceID:     cal.Key(),
		})
	}
	return out, result.NextLink, nil
}

func (a *Adapter) PushEvent(ctx context.Context, cal models.ConnectedCalendar, slot models.MeetingSlot) (string, error) {
	client, err := a.client(ctx, cal)
	if err != nil {
		return "", err
	}

	type graphDateTime struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	}
	type graphAttendee struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
		Type string `json:"type"`
	}

	var attendees []graphAttendee
	for _, p := range slot.Participants {
		if p.AccountAddress == "" {
			continue
		}
		var att graphAttendee
		att.EmailAddress.Address = p.AccountAddress
		att.Type = "required"
		attendees = append(attendees, att)
	}
	body := struct {
		Subject   string          `json:"subject"`
		Start     graphDateTime   `json:"start"`
		End       graphDateTime   `json:"end"`
		Attendees []graphAttendee `json:"attendees,omitempty"`
	}{
		Subject:   slot.Title,
		Start:     graphDateTime{DateTime: slot.Start.UTC().Format(outlookTimeFormat), TimeZone: "UTC"},
		End:       graphDateTime{DateTime: slot.End.UTC().Format(outlookTimeFormat), TimeZone: "UTC"},
		Attendees: attendees,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	endpoint := a.baseURL + "/me/calendars/" + url.PathEscape(cal.ExternalID) + "/events"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: create event request: %w", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError("create event", cal.ExternalID, resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	a.logger.Info("Pushed event to Outlook", "calendar", cal.ExternalID, "event", created.ID)
	return created.ID, nil
}

func (a *Adapter) DeleteEvent(ctx context.Context, cal models.ConnectedCalendar, externalEventID string) error {
	client, err := a.client(ctx, cal)
	if err != nil {
		return err
	}
	endpoint := a.baseURL + "/me/events/" + url.PathEscape(externalEventID)
	req, err := http.NewRequestWithContext(ctx, "DELETE", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete event request: %w", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return statusError("delete event", externalEventID, resp.StatusCode)
	}
	return nil
}

func (a *Adapter) Refresh(ctx context.Context, cal models.ConnectedCalendar) (models.ConnectedCalendar, error) {
	client, err := a.client(ctx, cal)
	if err != nil {
		return cal, err
	}
	endpoint := a.baseURL + "/me/calendars/" + url.PathEscape(cal.ExternalID)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return cal, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return cal, fmt.Errorf("%w: get calendar request: %w", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cal, statusError("get calendar", cal.ExternalID, resp.StatusCode)
	}
	return cal, nil
}

// graphTime is Graph's {dateTime, timeZone} pair. With the Prefer header the
// timezone is always UTC; dateTime carries fractional seconds.
type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func (g graphTime) Time() (time.Time, error) {
	raw := g.DateTime
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	t, err := time.ParseInLocation(outlookTimeFormat, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad graph time %q: %w", g.DateTime, err)
	}
	return t, nil
}

func statusError(op, id string, code int) error {
	base := fmt.Errorf("%s for %s failed with status %d", op, id, code)
	switch {
	case code == 401 || code == 403:
		return fmt.Errorf("%w: %w", provider.ErrNeedsReauth, base)
	case code == 404 || code == 410:
		return fmt.Errorf("%w: %w", provider.ErrNotFound, base)
	case code == 429 || code >= 500:
		return fmt.Errorf("%w: %w", provider.ErrTransient, base)
	default:
		return base
	}
}
