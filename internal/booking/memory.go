package booking

import (
	"context"
	"fmt"
	"sync"

	"slotd/internal/models"
	"slotd/internal/series"
)

const seriesExpandCap = 1000

// MemoryStore is a mutex-guarded in-memory Store. It backs tests and
// single-process development setups; production uses the Postgres store.
type MemoryStore struct {
	mu        sync.RWMutex
	bookings  map[string]models.MeetingSlot
	series    map[string]models.MeetingSeries
	exception map[string]models.MeetingSlot // keyed seriesID + sep + occurrenceKey
	calendars map[string]models.ConnectedCalendar
	blocks    map[string]models.AvailabilityBlock // keyed account + "/" + blockID
	mappings  map[string]map[string]string        // bookingID -> calendarKey -> externalEventID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:  make(map[string]models.MeetingSlot),
		series:    make(map[string]models.MeetingSeries),
		exception: make(map[string]models.MeetingSlot),
		calendars: make(map[string]models.ConnectedCalendar),
		blocks:    make(map[string]models.AvailabilityBlock),
		mappings:  make(map[string]map[string]string),
	}
}

func (m *MemoryStore) CreateBooking(ctx context.Context, slot models.MeetingSlot) error {
	if err := slot.Interval().Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bookings[slot.ID]; exists {
		return fmt.Errorf("booking %s: %w", slot.ID, ErrSlotTaken)
	}
	for _, existing := range m.bookings {
		if existing.Cancelled || existing.AccountAddress != slot.AccountAddress {
			continue
		}
		if existing.Interval().Overlaps(slot.Interval()) {
			return fmt.Errorf("booking overlaps %s: %w", existing.ID, ErrSlotTaken)
		}
	}
	m.bookings[slot.ID] = slot
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (models.MeetingSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.bookings[id]
	if !ok {
		return models.MeetingSlot{}, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return slot, nil
}

func (m *MemoryStore) UpdateBooking(ctx context.Context, slot models.MeetingSlot) error {
	if err := slot.Interval().Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.bookings[slot.ID]
	if !ok || existing.Cancelled {
		return fmt.Errorf("booking %s: %w", slot.ID, ErrNotFound)
	}
	for id, other := range m.bookings {
		if id == slot.ID || other.Cancelled || other.AccountAddress != slot.AccountAddress {
			continue
		}
		if other.Interval().Overlaps(slot.Interval()) {
			return fmt.Errorf("booking overlaps %s: %w", other.ID, ErrSlotTaken)
		}
	}
	m.bookings[slot.ID] = slot
	return nil
}

func (m *MemoryStore) CancelBooking(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.bookings[id]
	if !ok {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	slot.Cancelled = true
	m.bookings[id] = slot
	return nil
}

func (m *MemoryStore) BusyIntervals(ctx context.Context, accountAddress string, window models.TimeInterval) ([]models.BusyInterval, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.BusyInterval
	for _, slot := range m.bookings {
		if slot.Cancelled || slot.AccountAddress != accountAddress {
			continue
		}
		if slot.Interval().Overlaps(window) {
			out = append(out, models.BusyInterval{
				TimeInterval: slot.Interval(),
				Source:       models.SourceInternal,
				SourceID:     slot.ID,
			})
		}
	}
	for _, s := range m.series {
		if s.AccountAddress != accountAddress {
			continue
		}
		occs, err := series.Occurrences(s, window, seriesExpandCap)
		if err != nil {
			return nil, err
		}
		for _, occ := range occs {
			if exc, ok := m.exception[excKey(occ.SeriesID, occ.OccurrenceKey)]; ok {
				if exc.Cancelled || !exc.Interval().Overlaps(window) {
					continue
				}
				out = append(out, models.BusyInterval{
					TimeInterval: exc.Interval(),
					Source:       models.SourceInternal,
					SourceID:     exc.ID,
				})
				continue
			}
			out = append(out, models.BusyInterval{
				TimeInterval: occ.Interval(),
				Source:       models.SourceInternal,
				SourceID:     occ.ID,
			})
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSeries(ctx context.Context, s models.MeetingSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.series[s.SeriesID]; exists {
		return fmt.Errorf("series %s already exists", s.SeriesID)
	}
	m.series[s.SeriesID] = s
	return nil
}

func (m *MemoryStore) GetSeries(ctx context.Context, seriesID string) (models.MeetingSeries, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[seriesID]
	if !ok {
		return models.MeetingSeries{}, fmt.Errorf("series %s: %w", seriesID, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) ListSeries(ctx context.Context, accountAddress string) ([]models.MeetingSeries, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.MeetingSeries
	for _, s := range m.series {
		if s.AccountAddress == accountAddress {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertException(ctx context.Context, slot models.MeetingSlot) error {
	if slot.SeriesID == "" || slot.OccurrenceKey == "" {
		return fmt.Errorf("exception row requires series ID and occurrence key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.series[slot.SeriesID]; !ok {
		return fmt.Errorf("series %s: %w", slot.SeriesID, ErrNotFound)
	}
	slot.ID = series.JoinID(slot.SeriesID, slot.OccurrenceKey)
	m.exception[excKey(slot.SeriesID, slot.OccurrenceKey)] = slot
	return nil
}

func (m *MemoryStore) GetException(ctx context.Context, seriesID, occurrenceKey string) (models.MeetingSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.exception[excKey(seriesID, occurrenceKey)]
	if !ok {
		return models.MeetingSlot{}, fmt.Errorf("exception %s at %s: %w", seriesID, occurrenceKey, ErrNotFound)
	}
	return slot, nil
}

func (m *MemoryStore) UpsertConnectedCalendar(ctx context.Context, cal models.ConnectedCalendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calendars[cal.Key()] = cal
	return nil
}

func (m *MemoryStore) ListConnectedCalendars(ctx context.Context, accountAddress string) ([]models.ConnectedCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ConnectedCalendar
	for _, cal := range m.calendars {
		if cal.AccountAddress == accountAddress {
			out = append(out, cal)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSyncEnabledCalendars(ctx context.Context) ([]models.ConnectedCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ConnectedCalendar
	for _, cal := range m.calendars {
		if cal.SyncEnabled {
			out = append(out, cal)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindCalendarByChannel(ctx context.Context, channelID string) (models.ConnectedCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cal := range m.calendars {
		if cal.ChannelID == channelID {
			return cal, nil
		}
	}
	return models.ConnectedCalendar{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
}

func (m *MemoryStore) DisableCalendarSync(ctx context.Context, provider, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := provider + "/" + externalID
	cal, ok := m.calendars[key]
	if !ok {
		return fmt.Errorf("calendar %s: %w", key, ErrNotFound)
	}
	cal.SyncEnabled = false
	m.calendars[key] = cal
	return nil
}

func (m *MemoryStore) SaveAvailabilityBlock(ctx context.Context, block models.AvailabilityBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks[block.AccountAddress+"/"+block.ID] = block
	return nil
}

func (m *MemoryStore) GetAvailabilityBlock(ctx context.Context, accountAddress, blockID string) (models.AvailabilityBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	block, ok := m.blocks[accountAddress+"/"+blockID]
	if !ok {
		return models.AvailabilityBlock{}, fmt.Errorf("availability block %s/%s: %w", accountAddress, blockID, ErrNotFound)
	}
	return block, nil
}

func (m *MemoryStore) SaveEventMapping(ctx context.Context, bookingID, calendarKey, externalEventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mappings[bookingID] == nil {
		m.mappings[bookingID] = make(map[string]string)
	}
	m.mappings[bookingID][calendarKey] = externalEventID
	return nil
}

func (m *MemoryStore) ListEventMappings(ctx context.Context, bookingID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.mappings[bookingID]))
	for k, v := range m.mappings[bookingID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) DeleteEventMapping(ctx context.Context, bookingID, calendarKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.mappings[bookingID], calendarKey)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func excKey(seriesID, occurrenceKey string) string {
	return seriesID + "\x00" + occurrenceKey
}
