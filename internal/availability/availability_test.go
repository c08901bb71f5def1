package availability

import (
	"testing"
	"time"

	"slotd/internal/interval"
	"slotd/internal/models"
)

func workweekBlock(tz string) models.AvailabilityBlock {
	rules := make([]models.AvailabilityRule, 0, 5)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		rules = append(rules, models.AvailabilityRule{
			Weekday: wd,
			Ranges:  []models.MinuteRange{{StartMinute: 9 * 60, EndMinute: 17 * 60}},
		})
	}
	return models.AvailabilityBlock{
		ID:             "default",
		AccountAddress: "alice@example.com",
		Name:           "Working hours",
		Timezone:       tz,
		Rules:          rules,
	}
}

func utcWindow(y int, m time.Month, d, days int) models.TimeInterval {
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return models.TimeInterval{Start: start, End: start.AddDate(0, 0, days)}
}

func TestSlotsSingleDay(t *testing.T) {
	block := workweekBlock("UTC")
	// 2024-06-03 is a Monday.
	slots, err := Slots(block, utcWindow(2024, 6, 3, 1), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 8 {
		t.Fatalf("got %d slots, want 8", len(slots))
	}
	first := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	if !slots[0].Start.Equal(first) {
		t.Fatalf("first slot starts %v, want %v", slots[0].Start, first)
	}
	last := slots[len(slots)-1]
	if !last.End.Equal(time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("last slot ends %v", last.End)
	}
	for _, s := range slots {
		if s.Duration() != time.Hour {
			t.Fatalf("slot %v has duration %s", s, s.Duration())
		}
	}
}

func TestSlotsZeroWindow(t *testing.T) {
	block := workweekBlock("UTC")
	at := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	slots, err := Slots(block, models.TimeInterval{Start: at, End: at}, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("zero-length window produced %d slots", len(slots))
	}
}

func TestSlotsInvalidInputs(t *testing.T) {
	block := workweekBlock("UTC")
	w := utcWindow(2024, 6, 3, 1)

	if _, err := Slots(block, models.TimeInterval{Start: w.End, End: w.Start}, time.Hour); err == nil {
		t.Fatal("expected error for inverted window")
	}
	if _, err := Slots(block, w, 0); err == nil {
		t.Fatal("expected error for zero duration")
	}
	bad := block
	bad.Timezone = "Not/AZone"
	if _, err := Slots(bad, w, time.Hour); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	badRange := workweekBlock("UTC")
	badRange.Rules[0].Ranges = []models.MinuteRange{{StartMinute: 600, EndMinute: 540}}
	if _, err := Slots(badRange, w, time.Hour); err == nil {
		t.Fatal("expected error for inverted minute range")
	}
}

func TestSlotsTimezoneConversion(t *testing.T) {
	block := workweekBlock("America/New_York")
	// 2024-06-03, EDT (UTC-4): 09:00 local is 13:00 UTC. Window must span
	// enough UTC time to cover the local working day.
	window := models.TimeInterval{
		Start: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 4, 6, 0, 0, 0, time.UTC),
	}
	slots, err := Slots(block, window, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 8 {
		t.Fatalf("got %d slots, want 8", len(slots))
	}
	if !slots[0].Start.Equal(time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("first slot starts %v, want 13:00 UTC", slots[0].Start)
	}
}

func TestSlotsSpringForwardSkipsMissingHour(t *testing.T) {
	// 2024-03-10 in America/New_York: 02:00-03:00 local does not exist.
	block := models.AvailabilityBlock{
		ID:       "early",
		Timezone: "America/New_York",
		Rules: []models.AvailabilityRule{{
			Weekday: time.Sunday,
			Ranges:  []models.MinuteRange{{StartMinute: 1 * 60, EndMinute: 4 * 60}},
		}},
	}
	window := models.TimeInterval{
		Start: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}
	slots, err := Slots(block, window, 30*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Normally 6 half-hour ticks; exactly the two inside the missing hour
	// are skipped.
	if len(slots) != 4 {
		t.Fatalf("got %d slots, want 4: %v", len(slots), slots)
	}
	for _, s := range slots {
		if s.Duration() != 30*time.Minute {
			t.Fatalf("slot %v has duration %s", s, s.Duration())
		}
	}
}

func TestSlotsFallBackResolvesToEarlierOffset(t *testing.T) {
	// 2024-11-03 in America/New_York: 01:00-02:00 local happens twice.
	// Each wall-clock tick is produced once, at the earlier offset (EDT).
	block := models.AvailabilityBlock{
		ID:       "early",
		Timezone: "America/New_York",
		Rules: []models.AvailabilityRule{{
			Weekday: time.Sunday,
			Ranges:  []models.MinuteRange{{StartMinute: 30, EndMinute: 150}},
		}},
	}
	window := models.TimeInterval{
		Start: time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 11, 4, 0, 0, 0, 0, time.UTC),
	}
	slots, err := Slots(block, window, 30*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 11, 3, 4, 30, 0, 0, time.UTC), // 00:30 EDT
		time.Date(2024, 11, 3, 5, 0, 0, 0, time.UTC),  // 01:00 EDT, not 01:00 EST
		time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC), // 01:30 EDT
		time.Date(2024, 11, 3, 7, 0, 0, 0, time.UTC),  // 02:00 EST
	}
	if len(slots) != len(want) {
		t.Fatalf("got %d slots, want %d: %v", len(slots), len(want), slots)
	}
	for i, s := range slots {
		if !s.Start.Equal(want[i]) {
			t.Errorf("slot %d starts %v, want %v", i, s.Start, want[i])
		}
		if s.Duration() != 30*time.Minute {
			t.Errorf("slot %d has duration %s", i, s.Duration())
		}
	}
}

func TestSlotsDeterministic(t *testing.T) {
	block := workweekBlock("Europe/Berlin")
	window := utcWindow(2024, 6, 3, 7)
	a, err := Slots(block, window, 45*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Slots(block, window, 45*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("non-deterministic slot count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !a[i].Start.Equal(b[i].Start) || !a[i].End.Equal(b[i].End) {
			t.Fatalf("slot %d differs between runs", i)
		}
	}
}

func TestSlotsRoundTripThroughSubtract(t *testing.T) {
	// Evaluating a week of rules and subtracting an empty busy set must
	// reproduce the candidates exactly.
	block := workweekBlock("UTC")
	window := utcWindow(2024, 6, 3, 7)
	candidates, err := Slots(block, window, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	free := interval.Subtract(candidates, nil)
	merged := interval.Merge(candidates)
	if len(free) != len(merged) {
		t.Fatalf("subtract of empty busy changed the slot set: %d vs %d", len(free), len(merged))
	}
	for i := range free {
		if !free[i].Start.Equal(merged[i].Start) || !free[i].End.Equal(merged[i].End) {
			t.Fatalf("interval %d differs: %v vs %v", i, free[i], merged[i])
		}
	}
}
