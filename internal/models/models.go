package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeInterval is a half-open range [Start, End) of UTC instants.
type TimeInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects malformed intervals before they reach the interval algebra.
func (iv TimeInterval) Validate() error {
	if !iv.Start.Before(iv.End) {
		return fmt.Errorf("invalid interval: start %s is not before end %s", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	return nil
}

// Overlaps reports whether two half-open intervals share any instant.
func (iv TimeInterval) Overlaps(other TimeInterval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether t falls inside [Start, End).
func (iv TimeInterval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

func (iv TimeInterval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// BusySource identifies where a busy interval came from.
type BusySource string

const (
	SourceCalendar BusySource = "calendar"
	SourceInternal BusySource = "internal"
)

// BusyInterval is a TimeInterval tagged with its origin. Busy intervals are
// computed per request and never persisted.
type BusyInterval struct {
	TimeInterval
	Source   BusySource `json:"source"`
	SourceID string     `json:"sourceId"`
}

// ConnectedCalendar is one external calendar linked to an account.
// The record is created when a provider connection completes, updated on
// every successful sync, soft-disabled when the provider revokes access,
// and deleted on explicit disconnect.
type ConnectedCalendar struct {
	AccountAddress string    `json:"accountAddress"`
	Provider       string    `json:"provider"`
	ExternalID     string    `json:"externalId"`
	SyncEnabled    bool      `json:"syncEnabled"`
	ChannelID      string    `json:"channelId,omitempty"`
	ResourceID     string    `json:"resourceId,omitempty"`
	LastSyncedAt   time.Time `json:"lastSyncedAt"`
}

// Key uniquely identifies a connected calendar across providers.
func (c ConnectedCalendar) Key() string {
	return c.Provider + "/" + c.ExternalID
}

// Participant is either an account holder (AccountAddress set) or a guest
// identified only by an opaque participant ID. Guests have no internal
// bookings but may still have a connected calendar.
type Participant struct {
	AccountAddress string `json:"accountAddress,omitempty"`
	ParticipantID  string `json:"participantId,omitempty"`
}

// Key returns a stable identity for tagging per-participant results.
func (p Participant) Key() string {
	if p.AccountAddress != "" {
		return p.AccountAddress
	}
	return p.ParticipantID
}

// MeetingSlot is a single booked occurrence. A slot with SeriesID set is one
// occurrence of a MeetingSeries; its ID is always derived from the series ID
// and the occurrence key, and it is only stored as its own row when that
// occurrence was materially modified.
type MeetingSlot struct {
	ID             string        `json:"id"`
	AccountAddress string        `json:"accountAddress"`
	Title          string        `json:"title,omitempty"`
	Start          time.Time     `json:"start"`
	End            time.Time     `json:"end"`
	Participants   []Participant `json:"participants,omitempty"`
	SeriesID       string        `json:"seriesId,omitempty"`
	OccurrenceKey  string        `json:"occurrenceKey,omitempty"`
	Cancelled      bool          `json:"cancelled,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Interval returns the slot's booked time range.
func (s MeetingSlot) Interval() TimeInterval {
	return TimeInterval{Start: s.Start, End: s.End}
}

// MeetingSeries defines a recurring meeting. Occurrences are synthesized on
// demand from the recurrence rule; only edited occurrences exist as rows.
type MeetingSeries struct {
	SeriesID       string        `json:"seriesId"`
	AccountAddress string        `json:"accountAddress"`
	Title          string        `json:"title,omitempty"`
	RRule          string        `json:"rrule"`
	Start          time.Time     `json:"start"`
	Duration       time.Duration `json:"duration"`
	Participants   []Participant `json:"participants,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// MinuteRange is a wall-clock range inside one day, in minutes from
// midnight, half-open [StartMinute, EndMinute).
type MinuteRange struct {
	StartMinute int `json:"startMinute" yaml:"start_minute"`
	EndMinute   int `json:"endMinute" yaml:"end_minute"`
}

// AvailabilityRule declares bookable wall-clock ranges for one weekday.
type AvailabilityRule struct {
	Weekday time.Weekday  `json:"weekday" yaml:"weekday"`
	Ranges  []MinuteRange `json:"ranges" yaml:"ranges"`
}

// AvailabilityBlock is a named, independently assignable set of availability
// rules owned by one account. Rule times are wall clock in Timezone.
type AvailabilityBlock struct {
	ID             string             `json:"id"`
	AccountAddress string             `json:"accountAddress"`
	Name           string             `json:"name"`
	Timezone       string             `json:"timezone" yaml:"timezone"`
	Rules          []AvailabilityRule `json:"rules" yaml:"rules"`
}

// NewID generates an identifier for bookings and series.
func NewID() string {
	return uuid.New().String()
}
