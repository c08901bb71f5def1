// Package series handles recurring-meeting identity: the composite
// "seriesID_occurrenceKey" identifier grammar and on-demand synthesis of a
// single occurrence from a series recurrence rule. Occurrences are never
// expanded up front; resolution evaluates the rule for one day only.
package series

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"slotd/internal/models"
)

// Separator joins a series ID and an occurrence key into an instance ID.
const Separator = "_"

// keyLayout is the wire format of an occurrence key, a calendar date in the
// series' own timezone.
const keyLayout = "2006-01-02"

// ErrNoOccurrence is returned when a series' recurrence rule produces no
// occurrence on the requested date.
var ErrNoOccurrence = errors.New("series: no occurrence on that date")

// JoinID derives an instance identifier from a series ID and occurrence key.
func JoinID(seriesID, occurrenceKey string) string {
	return seriesID + Separator + occurrenceKey
}

// SplitID splits an opaque identifier into series ID and occurrence key.
// Series IDs may themselves contain the separator, so the split happens at
// the last one, and the tail must parse as a date for the identifier to be
// treated as composite at all.
func SplitID(identifier string) (seriesID, occurrenceKey string, ok bool) {
	idx := strings.LastIndex(identifier, Separator)
	if idx <= 0 || idx == len(identifier)-1 {
		return "", "", false
	}
	key := identifier[idx+1:]
	if _, err := time.Parse(keyLayout, key); err != nil {
		return "", "", false
	}
	return identifier[:idx], key, true
}

// Key returns the occurrence key for an occurrence starting at t.
func Key(t time.Time) string {
	return t.Format(keyLayout)
}

// Occurrence synthesizes the MeetingSlot for one occurrence of s, evaluated
// at the given occurrence key. The synthesized slot carries the derived
// composite ID; it is not a persisted row.
func Occurrence(s models.MeetingSeries, occurrenceKey string) (models.MeetingSlot, error) {
	loc := s.Start.Location()
	day, err := time.ParseInLocation(keyLayout, occurrenceKey, loc)
	if err != nil {
		return models.MeetingSlot{}, fmt.Errorf("series %s: bad occurrence key %q: %w", s.SeriesID, occurrenceKey, err)
	}

	r, err := rrule.StrToRRule(s.RRule)
	if err != nil {
		return models.MeetingSlot{}, fmt.Errorf("series %s: bad recurrence rule: %w", s.SeriesID, err)
	}
	r.DTStart(s.Start)

	starts := r.Between(day, day.AddDate(0, 0, 1).Add(-time.Second), true)
	if len(starts) == 0 {
		return models.MeetingSlot{}, fmt.Errorf("series %s at %s: %w", s.SeriesID, occurrenceKey, ErrNoOccurrence)
	}

	start := starts[0]
	participants := make([]models.Participant, len(s.Participants))
	copy(participants, s.Participants)

	return models.MeetingSlot{
		ID:             JoinID(s.SeriesID, occurrenceKey),
		AccountAddress: s.AccountAddress,
		Title:          s.Title,
		Start:          start,
		End:            start.Add(s.Duration),
		Participants:   participants,
		SeriesID:       s.SeriesID,
		OccurrenceKey:  occurrenceKey,
		CreatedAt:      s.CreatedAt,
	}, nil
}

// Occurrences expands the series inside window, used by the busy merger to
// count synthesized instances as busy time. The cap bounds pathological
// rules.
func Occurrences(s models.MeetingSeries, window models.TimeInterval, cap int) ([]models.MeetingSlot, error) {
	r, err := rrule.StrToRRule(s.RRule)
	if err != nil {
		return nil, fmt.Errorf("series %s: bad recurrence rule: %w", s.SeriesID, err)
	}
	r.DTStart(s.Start)

	// Look back by one duration so an occurrence that started before the
	// window but is still running gets counted.
	loc := s.Start.Location()
	starts := r.Between(window.Start.Add(-s.Duration).In(loc), window.End.In(loc), true)
	if cap > 0 && len(starts) > cap {
		starts = starts[:cap]
	}

	out := make([]models.MeetingSlot, 0, len(starts))
	for _, start := range starts {
		occ := models.TimeInterval{Start: start, End: start.Add(s.Duration)}
		if !occ.Overlaps(window) {
			continue
		}
		slot, err := Occurrence(s, Key(start))
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, nil
}
