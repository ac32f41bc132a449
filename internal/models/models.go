package models

import "time"

// DateLayout is the layout of an event date (UTC start date of the event).
const DateLayout = "2006-01-02"

// EventType is the kind of tracked event
type EventType string

const (
	EventMovie EventType = "movie"
	EventGame  EventType = "game"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	return t == EventMovie || t == EventGame
}

// AttendanceMode selects how movie attendance is measured
type AttendanceMode string

const (
	// ModeCumulative sums every presence interval.
	ModeCumulative AttendanceMode = "cumulative"
	// ModeSingle only counts the longest unbroken presence.
	ModeSingle AttendanceMode = "single"
)

// Valid reports whether m is a known attendance mode
func (m AttendanceMode) Valid() bool {
	return m == ModeCumulative || m == ModeSingle
}

// AdjustmentType records who produced a verdict
type AdjustmentType string

const (
	AdjustmentAutomatic AdjustmentType = "automatic"
	AdjustmentManual    AdjustmentType = "manual"
)

// EventSession represents the active tracked event of a guild
type EventSession struct {
	GuildID   string
	ChannelID string
	Type      EventType
	EventDate string
	StartedAt time.Time
	EndedAt   *time.Time
	StartedBy string
}

// Duration returns the event length, zero while the event is still running
func (e EventSession) Duration() time.Duration {
	if e.EndedAt == nil || e.EndedAt.Before(e.StartedAt) {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Presence is either Open since a point in time or Closed.
// The zero value is Closed.
type Presence struct {
	open  bool
	since time.Time
}

// Open returns a presence that started at since
func Open(since time.Time) Presence {
	return Presence{open: true, since: since}
}

// Closed returns a presence for a user that is not in the channel
func Closed() Presence {
	return Presence{}
}

// Since returns the start of an open presence
func (p Presence) Since() (time.Time, bool) {
	return p.since, p.open
}

// IsOpen reports whether the user is currently present
func (p Presence) IsOpen() bool {
	return p.open
}

// UserState is the transient per-user bookkeeping of a running event
type UserState struct {
	GuildID         string
	UserID          string
	EventDate       string
	Presence        Presence
	Accumulated     time.Duration
	Longest         time.Duration
	LastPersistedAt time.Time
}

// Record is the settled attendance outcome of a user for one event
type Record struct {
	GuildID          string
	UserID           string
	EventDate        string
	EventType        EventType
	Duration         time.Duration
	Longest          time.Duration
	EventDuration    time.Duration
	Qualified        *bool
	AdjustmentType   AdjustmentType
	AdjustedBy       string
	AdjustmentReason string
	UpdatedAt        time.Time
}

// Policy holds the attendance thresholds of a guild
type Policy struct {
	GuildID               string         `yaml:"-"`
	MovieThresholdMinutes int            `yaml:"movie_threshold_minutes"`
	Mode                  AttendanceMode `yaml:"mode"`
	GamePercent           int            `yaml:"game_percent"`
	QualifiedRoleID       string         `yaml:"qualified_role_id"`
	LogChannelID          string         `yaml:"log_channel_id"`
}

// DefaultPolicy returns the built-in thresholds
func DefaultPolicy() Policy {
	return Policy{
		MovieThresholdMinutes: 30,
		Mode:                  ModeCumulative,
		GamePercent:           50,
	}
}

// AdjustmentKind names a manual ledger operation
type AdjustmentKind string

const (
	AdjustAdd    AdjustmentKind = "add"
	AdjustCredit AdjustmentKind = "credit"
	AdjustBump   AdjustmentKind = "bump"
)

// Adjustment is an action-log entry for a manual change
type Adjustment struct {
	ID        string
	Kind      AdjustmentKind
	GuildID   string
	UserID    string
	EventDate string
	Minutes   int
	Qualified bool
	// Pending is set when the event is still running and has no verdict yet
	Pending   bool
	Actor     string
	Reason    string
	At        time.Time
}
