// Package availability evaluates declared availability rules into candidate
// slots. Evaluation is a pure function of its inputs: same block, window and
// duration always produce the same slots, which is what request-scoped
// caching and the tests rely on.
package availability

import (
	"fmt"
	"time"

	"slotd/internal/models"
)

// Slots expands block's weekday rules over every calendar day touched by the
// half-open window [window.Start, window.End) and returns every
// duration-sized candidate slot, as UTC instants, that lies fully inside the
// window.
//
// Rule times are wall clock in the block's timezone. A wall-clock tick that
// does not exist on a given day (spring-forward DST gap) is skipped; an
// ambiguous tick (fall-back repeat) resolves to the earlier-occurring
// offset, which is what constructing the local time yields. Each wall-clock
// tick is evaluated exactly once per day, so no hour beyond the genuinely
// missing or ambiguous one is dropped or duplicated.
func Slots(block models.AvailabilityBlock, window models.TimeInterval, duration time.Duration) ([]models.TimeInterval, error) {
	if window.Start.Equal(window.End) {
		return nil, nil
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("invalid slot duration %s", duration)
	}
	loc, err := time.LoadLocation(block.Timezone)
	if err != nil {
		return nil, fmt.Errorf("availability block %s: bad timezone %q: %w", block.ID, block.Timezone, err)
	}

	rulesByWeekday := make(map[time.Weekday][]models.MinuteRange)
	for _, rule := range block.Rules {
		for _, r := range rule.Ranges {
			if r.StartMinute < 0 || r.EndMinute > 24*60 || r.StartMinute >= r.EndMinute {
				return nil, fmt.Errorf("availability block %s: bad minute range [%d, %d)", block.ID, r.StartMinute, r.EndMinute)
			}
		}
		rulesByWeekday[rule.Weekday] = append(rulesByWeekday[rule.Weekday], rule.Ranges...)
	}

	durMinutes := int(duration / time.Minute)
	if durMinutes == 0 || duration%time.Minute != 0 {
		return nil, fmt.Errorf("slot duration %s is not a whole number of minutes", duration)
	}

	var out []models.TimeInterval
	first := window.Start.In(loc)
	day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc)
	for day.Before(window.End.In(loc)) {
		for _, r := range rulesByWeekday[day.Weekday()] {
			for tick := r.StartMinute; tick+durMinutes <= r.EndMinute; tick += durMinutes {
				start, ok := localMinute(day, tick, loc)
				if !ok {
					continue // wall-clock time does not exist on this day
				}
				// The end bound is an instant offset, not a second wall-clock
				// lookup: a slot that straddles a DST transition still has
				// exactly the requested duration.
				slot := models.TimeInterval{Start: start.UTC(), End: start.Add(duration).UTC()}
				if slot.Start.Before(window.Start) || slot.End.After(window.End) {
					continue
				}
				out = append(out, slot)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return out, nil
}

// localMinute builds the instant for minute-of-day m on the given day.
// time.Date resolves an ambiguous wall-clock time to the earlier offset; a
// nonexistent one is detected by the instant not reading back as the
// requested wall clock.
func localMinute(day time.Time, m int, loc *time.Location) (time.Time, bool) {
	t := time.Date(day.Year(), day.Month(), day.Day(), 0, m, 0, 0, loc)
	if t.Hour()*60+t.Minute() != m {
		return time.Time{}, false
	}
	return t, true
}
