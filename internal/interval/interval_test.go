package interval

import (
	"testing"
	"time"

	"slotd/internal/models"
)

var base = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return base.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func iv(sh, sm, eh, em int) models.TimeInterval {
	return models.TimeInterval{Start: at(sh, sm), End: at(eh, em)}
}

func equalIntervals(t *testing.T, got, want []models.TimeInterval) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d intervals, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Fatalf("interval %d: got [%v, %v), want [%v, %v)", i, got[i].Start, got[i].End, want[i].Start, want[i].End)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(iv(10, 0, 11, 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(models.TimeInterval{Start: at(11, 0), End: at(10, 0)}); err == nil {
		t.Fatal("expected error for start after end")
	}
	if err := Validate(models.TimeInterval{Start: at(10, 0), End: at(10, 0)}); err == nil {
		t.Fatal("expected error for zero-width interval")
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []models.TimeInterval
		want []models.TimeInterval
	}{
		{"empty", nil, nil},
		{"single", []models.TimeInterval{iv(9, 0, 10, 0)}, []models.TimeInterval{iv(9, 0, 10, 0)}},
		{
			"overlapping",
			[]models.TimeInterval{iv(9, 0, 10, 0), iv(9, 30, 10, 30)},
			[]models.TimeInterval{iv(9, 0, 10, 30)},
		},
		{
			"touching joined",
			[]models.TimeInterval{iv(9, 0, 10, 0), iv(10, 0, 11, 0)},
			[]models.TimeInterval{iv(9, 0, 11, 0)},
		},
		{
			"disjoint sorted",
			[]models.TimeInterval{iv(14, 0, 14, 30), iv(10, 0, 11, 0)},
			[]models.TimeInterval{iv(10, 0, 11, 0), iv(14, 0, 14, 30)},
		},
		{
			"contained",
			[]models.TimeInterval{iv(9, 0, 12, 0), iv(10, 0, 11, 0)},
			[]models.TimeInterval{iv(9, 0, 12, 0)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			equalIntervals(t, Merge(tt.in), tt.want)
		})
	}
}

func TestMergeIsSortedAndDisjoint(t *testing.T) {
	in := []models.TimeInterval{
		iv(15, 0, 16, 0), iv(9, 0, 9, 45), iv(9, 30, 10, 15),
		iv(10, 15, 10, 30), iv(12, 0, 12, 30), iv(11, 59, 12, 1),
	}
	got := Merge(in)
	for i := 1; i < len(got); i++ {
		if !got[i-1].End.Before(got[i].Start) {
			t.Fatalf("intervals %d and %d not disjoint/sorted: %v", i-1, i, got)
		}
	}
	// Union is preserved: every input instant is covered by some output.
	for _, orig := range in {
		covered := false
		for _, g := range got {
			if !orig.Start.Before(g.Start) && !orig.End.After(g.End) {
				covered = true
				break
			}
		}
		if !covered {
			t.Fatalf("input %v not covered by merge output %v", orig, got)
		}
	}
}

func TestSubtract(t *testing.T) {
	tests := []struct {
		name             string
		candidates, busy []models.TimeInterval
		want             []models.TimeInterval
	}{
		{"empty busy", []models.TimeInterval{iv(9, 0, 17, 0)}, nil, []models.TimeInterval{iv(9, 0, 17, 0)}},
		{"empty candidates", nil, []models.TimeInterval{iv(9, 0, 17, 0)}, nil},
		{
			"hole punched",
			[]models.TimeInterval{iv(9, 0, 17, 0)},
			[]models.TimeInterval{iv(12, 0, 13, 0)},
			[]models.TimeInterval{iv(9, 0, 12, 0), iv(13, 0, 17, 0)},
		},
		{
			"busy covers candidate",
			[]models.TimeInterval{iv(10, 0, 11, 0)},
			[]models.TimeInterval{iv(9, 0, 12, 0)},
			nil,
		},
		{
			"overlap at edges",
			[]models.TimeInterval{iv(9, 0, 12, 0)},
			[]models.TimeInterval{iv(8, 0, 9, 30), iv(11, 30, 13, 0)},
			[]models.TimeInterval{iv(9, 30, 11, 30)},
		},
		{
			"unsorted busy",
			[]models.TimeInterval{iv(9, 0, 17, 0)},
			[]models.TimeInterval{iv(15, 0, 16, 0), iv(10, 0, 11, 0)},
			[]models.TimeInterval{iv(9, 0, 10, 0), iv(11, 0, 15, 0), iv(16, 0, 17, 0)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Subtract(tt.candidates, tt.busy)
			equalIntervals(t, got, tt.want)
			for _, g := range got {
				if !g.Start.Before(g.End) {
					t.Fatalf("subtract returned empty interval %v", g)
				}
			}
		})
	}
}

func TestSubtractPlusBusyReconstructsCandidates(t *testing.T) {
	candidates := []models.TimeInterval{iv(9, 0, 12, 0), iv(13, 0, 17, 0)}
	busy := []models.TimeInterval{iv(10, 0, 10, 30), iv(11, 45, 13, 30), iv(16, 0, 18, 0)}

	free := Subtract(candidates, busy)
	reconstructed := Merge(append(free, Intersect(busy, candidates)...))
	equalIntervals(t, reconstructed, Merge(candidates))
}

func TestIntersect(t *testing.T) {
	a := []models.TimeInterval{iv(9, 0, 11, 0), iv(13, 0, 15, 0)}
	b := []models.TimeInterval{iv(10, 0, 14, 0)}
	equalIntervals(t, Intersect(a, b), []models.TimeInterval{iv(10, 0, 11, 0), iv(13, 0, 14, 0)})

	if got := Intersect(a, nil); got != nil {
		t.Fatalf("intersect with empty set: got %v, want nil", got)
	}

	// Touching intervals share no instant under half-open semantics.
	if got := Intersect([]models.TimeInterval{iv(9, 0, 10, 0)}, []models.TimeInterval{iv(10, 0, 11, 0)}); got != nil {
		t.Fatalf("touching intervals intersected: %v", got)
	}
}

func TestClamp(t *testing.T) {
	ivs := []models.TimeInterval{iv(8, 0, 10, 0), iv(12, 0, 14, 0), iv(18, 0, 19, 0)}
	got := Clamp(ivs, iv(9, 0, 13, 0))
	equalIntervals(t, got, []models.TimeInterval{iv(9, 0, 10, 0), iv(12, 0, 13, 0)})
}
