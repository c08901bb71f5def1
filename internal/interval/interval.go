// Package interval implements the pure algebra over half-open [start, end)
// time ranges that the merger and availability evaluator are built on.
// All functions are total over well-formed intervals; malformed intervals
// (start >= end) must be rejected at the boundary with Validate.
package interval

import (
	"sort"

	"slotd/internal/models"
)

// Validate checks every interval in ivs for well-formedness.
func Validate(ivs ...models.TimeInterval) error {
	for _, iv := range ivs {
		if err := iv.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Normalize returns a copy of ivs sorted by start instant ascending,
// tie-broken by end instant ascending. The input is not modified.
func Normalize(ivs []models.TimeInterval) []models.TimeInterval {
	out := make([]models.TimeInterval, len(ivs))
	copy(out, ivs)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].End.Before(out[j].End)
	})
	return out
}

// Merge collapses ivs into the minimal sorted set of pairwise
// non-overlapping intervals covering the same instants. Touching intervals
// (a.End == b.Start) are joined so no zero-width gaps survive.
func Merge(ivs []models.TimeInterval) []models.TimeInterval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := Normalize(ivs)
	out := make([]models.TimeInterval, 0, len(sorted))
	cur := sorted[0]
	for _, iv := range sorted[1:] {
		if iv.Start.After(cur.End) {
			out = append(out, cur)
			cur = iv
			continue
		}
		if iv.End.After(cur.End) {
			cur.End = iv.End
		}
	}
	return append(out, cur)
}

// Subtract removes every instant covered by busy from candidates. Both
// inputs may be unsorted and overlapping. No returned interval is empty.
func Subtract(candidates, busy []models.TimeInterval) []models.TimeInterval {
	if len(candidates) == 0 {
		return nil
	}
	merged := Merge(busy)
	var out []models.TimeInterval
	for _, cand := range Merge(candidates) {
		rest := cand
		for _, b := range merged {
			if !rest.Overlaps(b) {
				continue
			}
			if b.Start.After(rest.Start) {
				out = append(out, models.TimeInterval{Start: rest.Start, End: b.Start})
			}
			if b.End.Before(rest.End) {
				rest = models.TimeInterval{Start: b.End, End: rest.End}
			} else {
				rest = models.TimeInterval{}
				break
			}
		}
		if rest.Start.Before(rest.End) {
			out = append(out, rest)
		}
	}
	return out
}

// Intersect returns the instants covered by both a and b.
func Intersect(a, b []models.TimeInterval) []models.TimeInterval {
	ma, mb := Merge(a), Merge(b)
	var out []models.TimeInterval
	i, j := 0, 0
	for i < len(ma) && j < len(mb) {
		start := ma[i].Start
		if mb[j].Start.After(start) {
			start = mb[j].Start
		}
		end := ma[i].End
		if mb[j].End.Before(end) {
			end = mb[j].End
		}
		if start.Before(end) {
			out = append(out, models.TimeInterval{Start: start, End: end})
		}
		if ma[i].End.Before(mb[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}

// Clamp restricts ivs to the given window, dropping anything outside it.
func Clamp(ivs []models.TimeInterval, window models.TimeInterval) []models.TimeInterval {
	return Intersect(ivs, []models.TimeInterval{window})
}
