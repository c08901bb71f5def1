package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"slotd/internal/booking"
	"slotd/internal/models"
	"slotd/internal/provider"
)

type recordingAdapter struct {
	name    string
	failFor string // external calendar ID whose pushes fail
	pushes  atomic.Int32
	deletes atomic.Int32
}

func (a *recordingAdapter) Name() string { return a.name }

func (a *recordingAdapter) ListBusyIntervals(context.Context, models.ConnectedCalendar, models.TimeInterval) ([]models.BusyInterval, error) {
	return nil, nil
}

func (a *recordingAdapter) PushEvent(_ context.Context, cal models.ConnectedCalendar, slot models.MeetingSlot) (string, error) {
	if cal.ExternalID == a.failFor {
		return "", fmt.Errorf("push %s: %w", cal.ExternalID, provider.ErrTransient)
	}
	a.pushes.Add(1)
	return "ext-" + cal.ExternalID + "-" + slot.ID, nil
}

func (a *recordingAdapter) DeleteEvent(_ context.Context, cal models.ConnectedCalendar, _ string) error {
	if cal.ExternalID == a.failFor {
		return provider.ErrTransient
	}
	a.deletes.Add(1)
	return nil
}

func (a *recordingAdapter) Refresh(_ context.Context, cal models.ConnectedCalendar) (models.ConnectedCalendar, error) {
	return cal, nil
}

func testSlot() models.MeetingSlot {
	return models.MeetingSlot{
		ID:             "b-1",
		AccountAddress: "alice@example.com",
		Title:          "Intro call",
		Start:          time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 6, 3, 10, 30, 0, 0, time.UTC),
		Participants: []models.Participant{
			{AccountAddress: "alice@example.com"},
			{AccountAddress: "bob@example.com"},
		},
	}
}

func newDispatcher(t *testing.T, adapter provider.Adapter) (*Dispatcher, *booking.MemoryStore) {
	t.Helper()
	store := booking.NewMemoryStore()
	reg := provider.NewRegistry()
	if err := reg.Register(adapter); err != nil {
		t.Fatalf("register: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(logger, reg, store), store
}

func connectCal(t *testing.T, store *booking.MemoryStore, addr, externalID string) {
	t.Helper()
	err := store.UpsertConnectedCalendar(context.Background(), models.ConnectedCalendar{
		AccountAddress: addr,
		Provider:       "fake",
		ExternalID:     externalID,
		SyncEnabled:    true,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestMeetingCreatedPushesAllParticipants(t *testing.T) {
	adapter := &recordingAdapter{name: "fake"}
	d, store := newDispatcher(t, adapter)
	connectCal(t, store, "alice@example.com", "cal-alice")
	connectCal(t, store, "bob@example.com", "cal-bob")

	results := d.MeetingCreated(context.Background(), testSlot())
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("push failed: %v", r.Err)
		}
		if r.ExternalEventID == "" {
			t.Fatalf("no external event ID for %s", r.Calendar.Key())
		}
	}

	mappings, err := store.ListEventMappings(context.Background(), "b-1")
	if err != nil {
		t.Fatalf("mappings: %v", err)
	}
	if len(mappings) != 2 {
		t.Fatalf("got %d mappings: %v", len(mappings), mappings)
	}
}

func TestMeetingCreatedFailureIsIsolated(t *testing.T) {
	adapter := &recordingAdapter{name: "fake", failFor: "cal-bob"}
	d, store := newDispatcher(t, adapter)
	connectCal(t, store, "alice@example.com", "cal-alice")
	connectCal(t, store, "bob@example.com", "cal-bob")

	results := d.MeetingCreated(context.Background(), testSlot())
	var ok, failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		} else {
			ok++
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("ok=%d failed=%d, want 1/1", ok, failed)
	}
	// The successful participant's mapping exists; the failed one's does not.
	mappings, _ := store.ListEventMappings(context.Background(), "b-1")
	if len(mappings) != 1 {
		t.Fatalf("mappings = %v", mappings)
	}
}

func TestPushResultFailureSerializes(t *testing.T) {
	adapter := &recordingAdapter{name: "fake", failFor: "cal-bob"}
	d, store := newDispatcher(t, adapter)
	connectCal(t, store, "bob@example.com", "cal-bob")

	results := d.MeetingCreated(context.Background(), testSlot())
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected one failed result: %+v", results)
	}
	if results[0].Error != results[0].Err.Error() {
		t.Fatalf("Error = %q, want %q", results[0].Error, results[0].Err.Error())
	}

	raw, err := json.Marshal(results)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(decoded[0].Error, "cal-bob") {
		t.Fatalf("serialized failure lost its message: %s", raw)
	}
}

func TestMeetingCancelledDeletesMappedEvents(t *testing.T) {
	adapter := &recordingAdapter{name: "fake"}
	d, store := newDispatcher(t, adapter)
	connectCal(t, store, "alice@example.com", "cal-alice")
	connectCal(t, store, "bob@example.com", "cal-bob")

	slot := testSlot()
	ctx := context.Background()
	d.MeetingCreated(ctx, slot)
	d.MeetingCancelled(ctx, slot)

	if adapter.deletes.Load() != 2 {
		t.Fatalf("deletes = %d, want 2", adapter.deletes.Load())
	}
	mappings, _ := store.ListEventMappings(ctx, "b-1")
	if len(mappings) != 0 {
		t.Fatalf("mappings not cleared: %v", mappings)
	}
}

func TestMeetingUpdatedReplacesEvents(t *testing.T) {
	adapter := &recordingAdapter{name: "fake"}
	d, store := newDispatcher(t, adapter)
	connectCal(t, store, "alice@example.com", "cal-alice")

	slot := testSlot()
	slot.Participants = slot.Participants[:1]
	ctx := context.Background()
	d.MeetingCreated(ctx, slot)

	slot.Start = slot.Start.Add(time.Hour)
	slot.End = slot.End.Add(time.Hour)
	results := d.MeetingUpdated(ctx, slot)
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("update results: %+v", results)
	}
	if adapter.deletes.Load() != 1 || adapter.pushes.Load() != 2 {
		t.Fatalf("deletes=%d pushes=%d, want 1/2", adapter.deletes.Load(), adapter.pushes.Load())
	}
}

func TestParticipantsWithoutCalendarsSkipped(t *testing.T) {
	adapter := &recordingAdapter{name: "fake"}
	d, _ := newDispatcher(t, adapter)

	results := d.MeetingCreated(context.Background(), testSlot())
	if len(results) != 0 {
		t.Fatalf("got %d results for participants with no calendars", len(results))
	}
}
