package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"slotd/internal/booking"
	"slotd/internal/models"
	"slotd/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAdapter serves canned busy intervals per calendar external ID, or a
// canned error.
type fakeAdapter struct {
	name string
	busy map[string][]models.BusyInterval
	errs map[string]error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) ListBusyIntervals(_ context.Context, cal models.ConnectedCalendar, window models.TimeInterval) ([]models.BusyInterval, error) {
	if err := f.errs[cal.ExternalID]; err != nil {
		return nil, err
	}
	return f.busy[cal.ExternalID], nil
}

func (f *fakeAdapter) PushEvent(context.Context, models.ConnectedCalendar, models.MeetingSlot) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (f *fakeAdapter) DeleteEvent(context.Context, models.ConnectedCalendar, string) error {
	return fmt.Errorf("not implemented")
}

func (f *fakeAdapter) Refresh(_ context.Context, cal models.ConnectedCalendar) (models.ConnectedCalendar, error) {
	return cal, nil
}

func day(h, m int) time.Time {
	return time.Date(2024, 6, 3, h, m, 0, 0, time.UTC)
}

func busyIv(sh, sm, eh, em int) models.BusyInterval {
	return models.BusyInterval{
		TimeInterval: models.TimeInterval{Start: day(sh, sm), End: day(eh, em)},
		Source:       models.SourceCalendar,
		SourceID:     "ev",
	}
}

func setup(t *testing.T, adapter provider.Adapter) (*Merger, *booking.MemoryStore) {
	t.Helper()
	store := booking.NewMemoryStore()
	reg := provider.NewRegistry()
	if adapter != nil {
		if err := reg.Register(adapter); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return NewMerger(testLogger(), reg, store), store
}

func connect(t *testing.T, store *booking.MemoryStore, addr, providerName, externalID string) {
	t.Helper()
	err := store.UpsertConnectedCalendar(context.Background(), models.ConnectedCalendar{
		AccountAddress: addr,
		Provider:       providerName,
		ExternalID:     externalID,
		SyncEnabled:    true,
	})
	if err != nil {
		t.Fatalf("connect calendar: %v", err)
	}
}

func TestBusyForAccountsMergesCalendarAndInternal(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		busy: map[string][]models.BusyInterval{"cal-1": {busyIv(10, 0, 11, 0)}},
	}
	m, store := setup(t, adapter)
	connect(t, store, "alice@example.com", "fake", "cal-1")

	err := store.CreateBooking(ctx, models.MeetingSlot{
		ID:             "b-1",
		AccountAddress: "alice@example.com",
		Start:          day(14, 0),
		End:            day(14, 30),
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}

	window := models.TimeInterval{Start: day(0, 0), End: day(0, 0).AddDate(0, 0, 1)}
	got, report, err := m.BusyForAccounts(ctx, []string{"alice@example.com"}, window, Options{})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.Degraded() {
		t.Fatalf("unexpected degradation: %+v", report)
	}
	want := []models.TimeInterval{
		{Start: day(10, 0), End: day(11, 0)},
		{Start: day(14, 0), End: day(14, 30)},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d intervals, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Fatalf("interval %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBusyForAccountsFailingAdapterDegrades(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		busy: map[string][]models.BusyInterval{"cal-ok": {busyIv(9, 0, 10, 0)}},
		errs: map[string]error{"cal-bad": fmt.Errorf("rate limited: %w", provider.ErrTransient)},
	}
	m, store := setup(t, adapter)
	connect(t, store, "alice@example.com", "fake", "cal-ok")
	connect(t, store, "alice@example.com", "fake", "cal-bad")

	window := models.TimeInterval{Start: day(0, 0), End: day(0, 0).AddDate(0, 0, 1)}
	got, report, err := m.BusyForAccounts(ctx, []string{"alice@example.com"}, window, Options{})
	if err != nil {
		t.Fatalf("partial failure must not fail the merge: %v", err)
	}
	if !report.Degraded() || len(report.Failures) != 1 {
		t.Fatalf("report = %+v, want one failure", report)
	}
	if report.Failures[0].CalendarID != "cal-bad" {
		t.Fatalf("wrong failed calendar: %+v", report.Failures[0])
	}
	if len(got) != 1 || !got[0].Start.Equal(day(9, 0)) {
		t.Fatalf("healthy calendar's busy time lost: %v", got)
	}
}

func TestBusyForAccountsStrictMode(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		errs: map[string]error{"cal-bad": provider.ErrTransient},
	}
	m, store := setup(t, adapter)
	connect(t, store, "alice@example.com", "fake", "cal-bad")

	window := models.TimeInterval{Start: day(0, 0), End: day(0, 0).AddDate(0, 0, 1)}
	_, _, err := m.BusyForAccounts(ctx, []string{"alice@example.com"}, window, Options{Strict: true})
	if !errors.Is(err, ErrSourcesFailed) {
		t.Fatalf("err = %v, want ErrSourcesFailed", err)
	}
}

func TestBusyForAccountsNotFoundDisablesCalendar(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		errs: map[string]error{"cal-gone": provider.ErrNotFound},
	}
	m, store := setup(t, adapter)
	connect(t, store, "alice@example.com", "fake", "cal-gone")

	window := models.TimeInterval{Start: day(0, 0), End: day(0, 0).AddDate(0, 0, 1)}
	if _, _, err := m.BusyForAccounts(ctx, []string{"alice@example.com"}, window, Options{}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	cals, err := store.ListConnectedCalendars(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cals) != 1 || cals[0].SyncEnabled {
		t.Fatalf("gone calendar not disabled: %+v", cals)
	}
}

func TestBusyForAccountsRejectsBadInput(t *testing.T) {
	m, _ := setup(t, nil)
	window := models.TimeInterval{Start: day(0, 0), End: day(0, 0).AddDate(0, 0, 1)}

	if _, _, err := m.BusyForAccounts(context.Background(), nil, window, Options{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty address list: err = %v, want ErrInvalidRequest", err)
	}
	bad := models.TimeInterval{Start: window.End, End: window.Start}
	if _, _, err := m.BusyForAccounts(context.Background(), []string{"a@b"}, bad, Options{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("inverted window: err = %v, want ErrInvalidRequest", err)
	}
	if _, _, _, err := m.BusyForParticipants(context.Background(), []models.Participant{{AccountAddress: "a@b"}}, Relation("SOME"), window, false, Options{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown relation: err = %v, want ErrInvalidRequest", err)
	}
}

func TestBusyForParticipantsAll(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		busy: map[string][]models.BusyInterval{
			"cal-a": {busyIv(9, 0, 10, 0)},
			"cal-b": {busyIv(9, 30, 10, 30)},
		},
	}
	m, store := setup(t, adapter)
	connect(t, store, "alice@example.com", "fake", "cal-a")
	connect(t, store, "guest-1", "fake", "cal-b")

	participants := []models.Participant{
		{AccountAddress: "alice@example.com"},
		{ParticipantID: "guest-1"},
	}
	window := models.TimeInterval{Start: day(9, 0), End: day(11, 0)}
	merged, _, report, err := m.BusyForParticipants(ctx, participants, RelationAll, window, false, Options{})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.Degraded() {
		t.Fatalf("unexpected degradation: %+v", report)
	}
	if len(merged) != 1 || !merged[0].Start.Equal(day(9, 0)) || !merged[0].End.Equal(day(10, 30)) {
		t.Fatalf("ALL busy = %v, want [09:00, 10:30)", merged)
	}
}

func TestBusyForParticipantsAny(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		busy: map[string][]models.BusyInterval{
			"cal-a": {busyIv(9, 0, 10, 0)},
			"cal-b": {busyIv(9, 30, 10, 30)},
		},
	}
	m, store := setup(t, adapter)
	connect(t, store, "a@example.com", "fake", "cal-a")
	connect(t, store, "b@example.com", "fake", "cal-b")

	participants := []models.Participant{
		{AccountAddress: "a@example.com"},
		{AccountAddress: "b@example.com"},
	}
	window := models.TimeInterval{Start: day(9, 0), End: day(11, 0)}
	merged, _, _, err := m.BusyForParticipants(ctx, participants, RelationAny, window, false, Options{})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	// Both busy only during the overlap [09:30, 10:00).
	if len(merged) != 1 || !merged[0].Start.Equal(day(9, 30)) || !merged[0].End.Equal(day(10, 0)) {
		t.Fatalf("ANY busy = %v, want [09:30, 10:00)", merged)
	}
}

func TestBusyForParticipantsRaw(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		busy: map[string][]models.BusyInterval{"cal-a": {busyIv(9, 0, 10, 0)}},
	}
	m, store := setup(t, adapter)
	connect(t, store, "alice@example.com", "fake", "cal-a")

	participants := []models.Participant{
		{AccountAddress: "alice@example.com"},
		{ParticipantID: "guest-nocal"},
	}
	window := models.TimeInterval{Start: day(9, 0), End: day(11, 0)}
	merged, per, _, err := m.BusyForParticipants(ctx, participants, RelationAll, window, true, Options{})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged != nil {
		t.Fatalf("raw call returned merged intervals: %v", merged)
	}
	if len(per) != 2 {
		t.Fatalf("got %d participant sets", len(per))
	}
	if len(per[0].Busy) != 1 {
		t.Fatalf("alice busy = %v", per[0].Busy)
	}
	// Guest with no calendar and no account contributes nothing.
	if len(per[1].Busy) != 0 {
		t.Fatalf("guest busy = %v", per[1].Busy)
	}
}

func TestFreeSlotsSubtractsBusy(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		name: "fake",
		busy: map[string][]models.BusyInterval{"cal-1": {busyIv(10, 0, 11, 0)}},
	}
	m, store := setup(t, adapter)
	connect(t, store, "alice@example.com", "fake", "cal-1")

	block := models.AvailabilityBlock{
		ID:             "default",
		AccountAddress: "alice@example.com",
		Timezone:       "UTC",
		Rules: []models.AvailabilityRule{{
			Weekday: time.Monday, // 2024-06-03
			Ranges:  []models.MinuteRange{{StartMinute: 9 * 60, EndMinute: 12 * 60}},
		}},
	}
	window := models.TimeInterval{Start: day(0, 0), End: day(0, 0).AddDate(0, 0, 1)}
	free, _, err := m.FreeSlots(ctx, block, window, time.Hour, Options{})
	if err != nil {
		t.Fatalf("free slots: %v", err)
	}
	// Candidates 9, 10, 11; the 10:00 slot overlaps the busy hour.
	if len(free) != 2 {
		t.Fatalf("got %d free slots: %v", len(free), free)
	}
	if !free[0].Start.Equal(day(9, 0)) || !free[1].Start.Equal(day(11, 0)) {
		t.Fatalf("wrong free slots: %v", free)
	}
}
