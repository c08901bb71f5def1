package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"slotd/internal/models"
	"slotd/internal/series"
)

const postgresOperationTimeout = 5 * time.Second

// pq error code raised by the bookings overlap-exclusion constraint.
const pgExclusionViolation = "23P01"

// PostgresStore is the production Store. Schema is created lazily on first
// use; double-booking prevention is a gist exclusion constraint on
// (account, time range), so admission control holds under concurrent writes
// regardless of what the merger computed earlier.
type PostgresStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: empty dsn")
	}
	return &PostgresStore{dsn: dsn}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		stmts := []string{
			`CREATE EXTENSION IF NOT EXISTS btree_gist`,
			`CREATE TABLE IF NOT EXISTS bookings (
				id TEXT PRIMARY KEY,
				account_address TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				start_at TIMESTAMPTZ NOT NULL,
				end_at TIMESTAMPTZ NOT NULL,
				participants JSONB NOT NULL DEFAULT '[]',
				cancelled BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CHECK (start_at < end_at),
				CONSTRAINT bookings_no_overlap EXCLUDE USING gist (
					account_address WITH =,
					tstzrange(start_at, end_at) WITH &&
				) WHERE (NOT cancelled)
			)`,
			`CREATE TABLE IF NOT EXISTS meeting_series (
				series_id TEXT PRIMARY KEY,
				account_address TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				rrule TEXT NOT NULL,
				start_at TIMESTAMPTZ NOT NULL,
				duration_seconds BIGINT NOT NULL,
				participants JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS series_exceptions (
				series_id TEXT NOT NULL REFERENCES meeting_series(series_id),
				occurrence_key TEXT NOT NULL,
				account_address TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				start_at TIMESTAMPTZ NOT NULL,
				end_at TIMESTAMPTZ NOT NULL,
				participants JSONB NOT NULL DEFAULT '[]',
				cancelled BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (series_id, occurrence_key)
			)`,
			`CREATE TABLE IF NOT EXISTS connected_calendars (
				provider TEXT NOT NULL,
				external_id TEXT NOT NULL,
				account_address TEXT NOT NULL,
				sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
				channel_id TEXT NOT NULL DEFAULT '',
				resource_id TEXT NOT NULL DEFAULT '',
				last_synced_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
				PRIMARY KEY (provider, external_id)
			)`,
			`CREATE TABLE IF NOT EXISTS availability_blocks (
				account_address TEXT NOT NULL,
				block_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				timezone TEXT NOT NULL,
				rules JSONB NOT NULL DEFAULT '[]',
				PRIMARY KEY (account_address, block_id)
			)`,
			`CREATE TABLE IF NOT EXISTS event_mappings (
				booking_id TEXT NOT NULL,
				calendar_key TEXT NOT NULL,
				external_event_id TEXT NOT NULL,
				PRIMARY KEY (booking_id, calendar_key)
			)`,
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("postgres store: init schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) CreateBooking(ctx context.Context, slot models.MeetingSlot) error {
	if err := slot.Interval().Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	participants, err := json.Marshal(slot.Participants)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bookings (id, account_address, title, start_at, end_at, participants, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())`,
		slot.ID, slot.AccountAddress, slot.Title, slot.Start.UTC(), slot.End.UTC(), participants)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if string(pqErr.Code) == pgExclusionViolation || pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("booking %s: %w", slot.ID, ErrSlotTaken)
		}
	}
	return err
}

func (s *PostgresStore) GetBooking(ctx context.Context, id string) (models.MeetingSlot, error) {
	if err := s.ensureReady(); err != nil {
		return models.MeetingSlot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_address, title, start_at, end_at, participants, cancelled, created_at
		FROM bookings WHERE id = $1`, id)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MeetingSlot{}, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return slot, err
}

func (s *PostgresStore) UpdateBooking(ctx context.Context, slot models.MeetingSlot) error {
	if err := slot.Interval().Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	participants, err := json.Marshal(slot.Participants)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// The exclusion constraint re-checks overlap on UPDATE.
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookings SET title = $2, start_at = $3, end_at = $4, participants = $5
		WHERE id = $1 AND NOT cancelled`,
		slot.ID, slot.Title, slot.Start.UTC(), slot.End.UTC(), participants)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgExclusionViolation {
		return fmt.Errorf("booking %s: %w", slot.ID, ErrSlotTaken)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("booking %s: %w", slot.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CancelBooking(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE bookings SET cancelled = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) BusyIntervals(ctx context.Context, accountAddress string, window models.TimeInterval) ([]models.BusyInterval, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_at, end_at FROM bookings
		WHERE account_address = $1 AND NOT cancelled AND start_at < $3 AND end_at > $2`,
		accountAddress, window.Start.UTC(), window.End.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BusyInterval
	for rows.Next() {
		var id string
		var start, end time.Time
		if err := rows.Scan(&id, &start, &end); err != nil {
			return nil, err
		}
		out = append(out, models.BusyInterval{
			TimeInterval: models.TimeInterval{Start: start.UTC(), End: end.UTC()},
			Source:       models.SourceInternal,
			SourceID:     id,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seriesList, err := s.ListSeries(ctx, accountAddress)
	if err != nil {
		return nil, err
	}
	for _, sr := range seriesList {
		occs, err := series.Occurrences(sr, window, seriesExpandCap)
		if err != nil {
			return nil, err
		}
		for _, occ := range occs {
			exc, err := s.GetException(ctx, occ.SeriesID, occ.OccurrenceKey)
			switch {
			case err == nil:
				if exc.Cancelled || !exc.Interval().Overlaps(window) {
					continue
				}
				out = append(out, models.BusyInterval{
					TimeInterval: exc.Interval(),
					Source:       models.SourceInternal,
					SourceID:     exc.ID,
				})
			case errors.Is(err, ErrNotFound):
				out = append(out, models.BusyInterval{
					TimeInterval: occ.Interval(),
					Source:       models.SourceInternal,
					SourceID:     occ.ID,
				})
			default:
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *PostgresStore) CreateSeries(ctx context.Context, sr models.MeetingSeries) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	participants, err := json.Marshal(sr.Participants)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meeting_series (series_id, account_address, title, rrule, start_at, duration_seconds, participants, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		sr.SeriesID, sr.AccountAddress, sr.Title, sr.RRule, sr.Start.UTC(), int64(sr.Duration/time.Second), participants)
	return err
}

func (s *PostgresStore) GetSeries(ctx context.Context, seriesID string) (models.MeetingSeries, error) {
	if err := s.ensureReady(); err != nil {
		return models.MeetingSeries{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT series_id, account_address, title, rrule, start_at, duration_seconds, participants, created_at
		FROM meeting_series WHERE series_id = $1`, seriesID)
	sr, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MeetingSeries{}, fmt.Errorf("series %s: %w", seriesID, ErrNotFound)
	}
	return sr, err
}

func (s *PostgresStore) ListSeries(ctx context.Context, accountAddress string) ([]models.MeetingSeries, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT series_id, account_address, title, rrule, start_at, duration_seconds, participants, created_at
		FROM meeting_series WHERE account_address = $1`, accountAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MeetingSeries
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertException(ctx context.Context, slot models.MeetingSlot) error {
	if slot.SeriesID == "" || slot.OccurrenceKey == "" {
		return fmt.Errorf("exception row requires series ID and occurrence key")
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	participants, err := json.Marshal(slot.Participants)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO series_exceptions (series_id, occurrence_key, account_address, title, start_at, end_at, participants, cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (series_id, occurrence_key)
		DO UPDATE SET title = EXCLUDED.title, start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at,
			participants = EXCLUDED.participants, cancelled = EXCLUDED.cancelled`,
		slot.SeriesID, slot.OccurrenceKey, slot.AccountAddress, slot.Title,
		slot.Start.UTC(), slot.End.UTC(), participants, slot.Cancelled)
	return err
}

func (s *PostgresStore) GetException(ctx context.Context, seriesID, occurrenceKey string) (models.MeetingSlot, error) {
	if err := s.ensureReady(); err != nil {
		return models.MeetingSlot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT account_address, title, start_at, end_at, participants, cancelled
		FROM series_exceptions WHERE series_id = $1 AND occurrence_key = $2`, seriesID, occurrenceKey)

	var slot models.MeetingSlot
	var participants []byte
	err := row.Scan(&slot.AccountAddress, &slot.Title, &slot.Start, &slot.End, &participants, &slot.Cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MeetingSlot{}, fmt.Errorf("exception %s at %s: %w", seriesID, occurrenceKey, ErrNotFound)
	}
	if err != nil {
		return models.MeetingSlot{}, err
	}
	if err := json.Unmarshal(participants, &slot.Participants); err != nil {
		return models.MeetingSlot{}, err
	}
	slot.ID = series.JoinID(seriesID, occurrenceKey)
	slot.SeriesID = seriesID
	slot.OccurrenceKey = occurrenceKey
	slot.Start = slot.Start.UTC()
	slot.End = slot.End.UTC()
	return slot, nil
}

func (s *PostgresStore) UpsertConnectedCalendar(ctx context.Context, cal models.ConnectedCalendar) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connected_calendars (provider, external_id, account_address, sync_enabled, channel_id, resource_id, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, external_id)
		DO UPDATE SET account_address = EXCLUDED.account_address, sync_enabled = EXCLUDED.sync_enabled,
			channel_id = EXCLUDED.channel_id, resource_id = EXCLUDED.resource_id, last_synced_at = EXCLUDED.last_synced_at`,
		cal.Provider, cal.ExternalID, cal.AccountAddress, cal.SyncEnabled, cal.ChannelID, cal.ResourceID, cal.LastSyncedAt.UTC())
	return err
}

func (s *PostgresStore) ListConnectedCalendars(ctx context.Context, accountAddress string) ([]models.ConnectedCalendar, error) {
	return s.queryCalendars(ctx, `WHERE account_address = $1`, accountAddress)
}

func (s *PostgresStore) ListSyncEnabledCalendars(ctx context.Context) ([]models.ConnectedCalendar, error) {
	return s.queryCalendars(ctx, `WHERE sync_enabled`)
}

func (s *PostgresStore) FindCalendarByChannel(ctx context.Context, channelID string) (models.ConnectedCalendar, error) {
	cals, err := s.queryCalendars(ctx, `WHERE channel_id = $1`, channelID)
	if err != nil {
		return models.ConnectedCalendar{}, err
	}
	if len(cals) == 0 {
		return models.ConnectedCalendar{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	return cals[0], nil
}

func (s *PostgresStore) queryCalendars(ctx context.Context, where string, args ...any) ([]models.ConnectedCalendar, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, external_id, account_address, sync_enabled, channel_id, resource_id, last_synced_at
		FROM connected_calendars `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConnectedCalendar
	for rows.Next() {
		var cal models.ConnectedCalendar
		if err := rows.Scan(&cal.Provider, &cal.ExternalID, &cal.AccountAddress, &cal.SyncEnabled,
			&cal.ChannelID, &cal.ResourceID, &cal.LastSyncedAt); err != nil {
			return nil, err
		}
		cal.LastSyncedAt = cal.LastSyncedAt.UTC()
		out = append(out, cal)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DisableCalendarSync(ctx context.Context, provider, externalID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE connected_calendars SET sync_enabled = FALSE WHERE provider = $1 AND external_id = $2`,
		provider, externalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("calendar %s/%s: %w", provider, externalID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SaveAvailabilityBlock(ctx context.Context, block models.AvailabilityBlock) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	rules, err := json.Marshal(block.Rules)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO availability_blocks (account_address, block_id, name, timezone, rules)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_address, block_id)
		DO UPDATE SET name = EXCLUDED.name, timezone = EXCLUDED.timezone, rules = EXCLUDED.rules`,
		block.AccountAddress, block.ID, block.Name, block.Timezone, rules)
	return err
}

func (s *PostgresStore) GetAvailabilityBlock(ctx context.Context, accountAddress, blockID string) (models.AvailabilityBlock, error) {
	if err := s.ensureReady(); err != nil {
		return models.AvailabilityBlock{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	block := models.AvailabilityBlock{AccountAddress: accountAddress, ID: blockID}
	var rules []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT name, timezone, rules FROM availability_blocks
		WHERE account_address = $1 AND block_id = $2`, accountAddress, blockID).
		Scan(&block.Name, &block.Timezone, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AvailabilityBlock{}, fmt.Errorf("availability block %s/%s: %w", accountAddress, blockID, ErrNotFound)
	}
	if err != nil {
		return models.AvailabilityBlock{}, err
	}
	if err := json.Unmarshal(rules, &block.Rules); err != nil {
		return models.AvailabilityBlock{}, err
	}
	return block, nil
}

func (s *PostgresStore) SaveEventMapping(ctx context.Context, bookingID, calendarKey, externalEventID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_mappings (booking_id, calendar_key, external_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (booking_id, calendar_key)
		DO UPDATE SET external_event_id = EXCLUDED.external_event_id`,
		bookingID, calendarKey, externalEventID)
	return err
}

func (s *PostgresStore) ListEventMappings(ctx context.Context, bookingID string) (map[string]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT calendar_key, external_event_id FROM event_mappings WHERE booking_id = $1`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, eventID string
		if err := rows.Scan(&key, &eventID); err != nil {
			return nil, err
		}
		out[key] = eventID
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteEventMapping(ctx context.Context, bookingID, calendarKey string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM event_mappings WHERE booking_id = $1 AND calendar_key = $2`, bookingID, calendarKey)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (models.MeetingSlot, error) {
	var slot models.MeetingSlot
	var participants []byte
	err := row.Scan(&slot.ID, &slot.AccountAddress, &slot.Title, &slot.Start, &slot.End,
		&participants, &slot.Cancelled, &slot.CreatedAt)
	if err != nil {
		return models.MeetingSlot{}, err
	}
	if err := json.Unmarshal(participants, &slot.Participants); err != nil {
		return models.MeetingSlot{}, err
	}
	slot.Start = slot.Start.UTC()
	slot.End = slot.End.UTC()
	return slot, nil
}

func scanSeries(row rowScanner) (models.MeetingSeries, error) {
	var sr models.MeetingSeries
	var participants []byte
	var durationSeconds int64
	err := row.Scan(&sr.SeriesID, &sr.AccountAddress, &sr.Title, &sr.RRule, &sr.Start,
		&durationSeconds, &participants, &sr.CreatedAt)
	if err != nil {
		return models.MeetingSeries{}, err
	}
	if err := json.Unmarshal(participants, &sr.Participants); err != nil {
		return models.MeetingSeries{}, err
	}
	sr.Start = sr.Start.UTC()
	sr.Duration = time.Duration(durationSeconds) * time.Second
	return sr, nil
}
