// Package merge computes merged busy time across connected calendars and
// internal bookings, and derives free slots from availability rules. Fan-out
// is concurrent per calendar; output ordering is deterministic regardless of
// completion order because everything funnels through interval.Merge.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"slotd/internal/availability"
	"slotd/internal/booking"
	"slotd/internal/interval"
	"slotd/internal/models"
	"slotd/internal/provider"
)

// Relation selects multi-party merge semantics.
type Relation string

const (
	// RelationAll: free time must work for every participant, so busy is
	// the union of all participants' busy time.
	RelationAll Relation = "ALL"
	// RelationAny: free time needs only one participant, so busy is the
	// intersection of all participants' busy time.
	RelationAny Relation = "ANY"
)

var (
	// ErrInvalidRequest marks caller mistakes: empty inputs, inverted
	// windows, unknown relations.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSourcesFailed marks a strict merge aborted because one or more
	// sources failed.
	ErrSourcesFailed = errors.New("sources failed")
)

// Failure records one calendar or participant whose busy time could not be
// fetched. Its time is treated as unknown, never as free or busy.
type Failure struct {
	AccountAddress string `json:"accountAddress,omitempty"`
	Provider       string `json:"provider,omitempty"`
	CalendarID     string `json:"calendarId,omitempty"`
	Reason         string `json:"reason"`
	NeedsReauth    bool   `json:"needsReauth,omitempty"`
}

// Report aggregates per-source failures for one merge call.
type Report struct {
	Failures []Failure `json:"failures,omitempty"`
}

// Degraded reports whether any source failed.
func (r *Report) Degraded() bool {
	return r != nil && len(r.Failures) > 0
}

// ParticipantBusy is one participant's merged busy set, used for raw
// multi-party output.
type ParticipantBusy struct {
	Participant models.Participant    `json:"participant"`
	Busy        []models.TimeInterval `json:"busy"`
}

// Options tune a merge call.
type Options struct {
	// Strict makes any source failure fail the whole call, for callers
	// that need all-or-nothing semantics.
	Strict bool
}

// Merger fans out busy-time reads across provider adapters and the internal
// booking store.
type Merger struct {
	logger   *slog.Logger
	registry *provider.Registry
	store    booking.Store
}

func NewMerger(logger *slog.Logger, registry *provider.Registry, store booking.Store) *Merger {
	return &Merger{logger: logger, registry: registry, store: store}
}

type fetchResult struct {
	intervals []models.TimeInterval
	failure   *Failure
}

// BusyForAccounts merges busy time for the given accounts over window: one
// adapter call per connected calendar per account plus one internal-booking
// read per account, in parallel. A failing source degrades the result
// instead of failing it unless opts.Strict is set.
func (m *Merger) BusyForAccounts(ctx context.Context, addresses []string, window models.TimeInterval, opts Options) ([]models.TimeInterval, *Report, error) {
	if len(addresses) == 0 {
		return nil, nil, fmt.Errorf("%w: no addresses given", ErrInvalidRequest)
	}
	if err := window.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Resolve the fan-out plan before launching anything so a failing
	// calendar listing cannot strand in-flight goroutines.
	type calFetch struct {
		addr string
		cal  models.ConnectedCalendar
	}
	var calFetches []calFetch
	for _, addr := range addresses {
		cals, err := m.store.ListConnectedCalendars(ctx, addr)
		if err != nil {
			return nil, nil, fmt.Errorf("list calendars for %s: %w", addr, err)
		}
		for _, cal := range cals {
			if cal.SyncEnabled {
				calFetches = append(calFetches, calFetch{addr: addr, cal: cal})
			}
		}
	}

	results := make(chan fetchResult)
	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			m.fetchInternal(ctx, addr, window, results)
		}(addr)
	}
	for _, cf := range calFetches {
		wg.Add(1)
		go func(cf calFetch) {
			defer wg.Done()
			m.fetchCalendar(ctx, cf.addr, cf.cal, window, results)
		}(cf)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var all []models.TimeInterval
	report := &Report{}
	for res := range results {
		if res.failure != nil {
			report.Failures = append(report.Failures, *res.failure)
			continue
		}
		all = append(all, res.intervals...)
	}
	if opts.Strict && report.Degraded() {
		return nil, report, fmt.Errorf("strict merge: %d %w", len(report.Failures), ErrSourcesFailed)
	}
	return interval.Clamp(interval.Merge(all), window), report, nil
}

// BusyForParticipants merges busy time for a mixed set of account holders
// and guests. Guests contribute no internal bookings; their calendars (if
// connected) still count. With raw set, per-participant busy sets are
// returned untouched and merged is nil, letting callers derive their own
// semantics.
func (m *Merger) BusyForParticipants(ctx context.Context, participants []models.Participant, rel Relation, window models.TimeInterval, raw bool, opts Options) (merged []models.TimeInterval, perParticipant []ParticipantBusy, report *Report, err error) {
	if len(participants) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no participants given", ErrInvalidRequest)
	}
	if err := window.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if rel != RelationAll && rel != RelationAny {
		return nil, nil, nil, fmt.Errorf("%w: unknown relation %q", ErrInvalidRequest, rel)
	}

	report = &Report{}
	perParticipant = make([]ParticipantBusy, len(participants))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, p := range participants {
		wg.Add(1)
		go func(i int, p models.Participant) {
			defer wg.Done()
			busy, failures := m.busyForParticipant(ctx, p, window)
			mu.Lock()
			defer mu.Unlock()
			perParticipant[i] = ParticipantBusy{Participant: p, Busy: busy}
			report.Failures = append(report.Failures, failures...)
		}(i, p)
	}
	wg.Wait()

	if opts.Strict && report.Degraded() {
		return nil, nil, report, fmt.Errorf("strict merge: %d %w", len(report.Failures), ErrSourcesFailed)
	}
	if raw {
		return nil, perParticipant, report, nil
	}

	switch rel {
	case RelationAll:
		var all []models.TimeInterval
		for _, pb := range perParticipant {
			all = append(all, pb.Busy...)
		}
		merged = interval.Merge(all)
	case RelationAny:
		merged = perParticipant[0].Busy
		for _, pb := range perParticipant[1:] {
			merged = interval.Intersect(merged, pb.Busy)
		}
	}
	return interval.Clamp(merged, window), nil, report, nil
}

// FreeSlots evaluates the availability block over window and drops every
// candidate slot that overlaps merged busy time. The result is advisory:
// booking acceptance re-checks against the store at write time.
func (m *Merger) FreeSlots(ctx context.Context, block models.AvailabilityBlock, window models.TimeInterval, duration time.Duration, opts Options) ([]models.TimeInterval, *Report, error) {
	candidates, err := availability.Slots(block, window, duration)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, &Report{}, nil
	}
	busy, report, err := m.BusyForAccounts(ctx, []string{block.AccountAddress}, window, opts)
	if err != nil {
		return nil, report, err
	}

	free := candidates[:0:0]
	for _, cand := range candidates {
		if len(interval.Intersect([]models.TimeInterval{cand}, busy)) == 0 {
			free = append(free, cand)
		}
	}
	return free, report, nil
}

func (m *Merger) busyForParticipant(ctx context.Context, p models.Participant, window models.TimeInterval) ([]models.TimeInterval, []Failure) {
	results := make(chan fetchResult)
	var wg sync.WaitGroup

	if p.AccountAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.fetchInternal(ctx, p.AccountAddress, window, results)
		}()
	}
	cals, err := m.store.ListConnectedCalendars(ctx, p.Key())
	if err != nil {
		m.logger.Error("Could not list calendars for participant", "participant", p.Key(), "error", err)
		cals = nil
	}
	for _, cal := range cals {
		if !cal.SyncEnabled {
			continue
		}
		wg.Add(1)
		go func(cal models.ConnectedCalendar) {
			defer wg.Done()
			m.fetchCalendar(ctx, p.Key(), cal, window, results)
		}(cal)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var all []models.TimeInterval
	var failures []Failure
	for res := range results {
		if res.failure != nil {
			failures = append(failures, *res.failure)
			continue
		}
		all = append(all, res.intervals...)
	}
	return interval.Clamp(interval.Merge(all), window), failures
}

func (m *Merger) fetchInternal(ctx context.Context, addr string, window models.TimeInterval, results chan<- fetchResult) {
	busy, err := m.store.BusyIntervals(ctx, addr, window)
	if err != nil {
		m.logger.Error("Internal busy lookup failed", "account", addr, "error", err)
		results <- fetchResult{failure: &Failure{AccountAddress: addr, Reason: err.Error()}}
		return
	}
	ivs := make([]models.TimeInterval, 0, len(busy))
	for _, b := range busy {
		ivs = append(ivs, b.TimeInterval)
	}
	results <- fetchResult{intervals: ivs}
}

func (m *Merger) fetchCalendar(ctx context.Context, addr string, cal models.ConnectedCalendar, window models.TimeInterval, results chan<- fetchResult) {
	adapter, err := m.registry.Get(cal.Provider)
	if err != nil {
		results <- fetchResult{failure: &Failure{AccountAddress: addr, Provider: cal.Provider, CalendarID: cal.ExternalID, Reason: err.Error()}}
		return
	}
	busy, err := adapter.ListBusyIntervals(ctx, cal, window)
	if err != nil {
		failure := &Failure{AccountAddress: addr, Provider: cal.Provider, CalendarID: cal.ExternalID, Reason: err.Error()}
		switch {
		case errors.Is(err, provider.ErrNeedsReauth):
			// Exclude from this merge and flag for reconnection.
			failure.NeedsReauth = true
			m.logger.Warn("Calendar needs reauthorization", "account", addr, "calendar", cal.Key())
		case errors.Is(err, provider.ErrNotFound):
			// Gone at the provider; stop asking.
			m.logger.Warn("Calendar gone at provider, disabling sync", "account", addr, "calendar", cal.Key())
			if derr := m.store.DisableCalendarSync(ctx, cal.Provider, cal.ExternalID); derr != nil {
				m.logger.Error("Failed to disable calendar", "calendar", cal.Key(), "error", derr)
			}
		default:
			m.logger.Error("Calendar busy fetch failed", "account", addr, "calendar", cal.Key(), "error", err)
		}
		results <- fetchResult{failure: failure}
		return
	}
	ivs := make([]models.TimeInterval, 0, len(busy))
	for _, b := range busy {
		ivs = append(ivs, b.TimeInterval)
	}
	results <- fetchResult{intervals: ivs}
}
