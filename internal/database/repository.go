package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"attendbot/internal/models"
)

// Repository handles database operations
type Repository struct {
	db       *DB
	defaults models.Policy
}

// NewRepository creates a new repository. defaults fill in the policy of
// guilds that never configured attendance.
func NewRepository(db *DB, defaults models.Policy) *Repository {
	return &Repository{db: db, defaults: defaults}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func boolOrNil(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

// CreateEvent stores a new active event. It reports false when the guild
// already has one.
func (r *Repository) CreateEvent(ctx context.Context, ev models.EventSession) (bool, error) {
	res, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		INSERT INTO attendance_events (guild_id, channel_id, event_type, event_date, started_at, ended_at, started_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id) DO NOTHING`),
		ev.GuildID, ev.ChannelID, string(ev.Type), ev.EventDate, ev.StartedAt.Unix(), unixOrNil(ev.EndedAt), ev.StartedBy)
	if err != nil {
		return false, fmt.Errorf("failed to create event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create event: %w", err)
	}
	return n == 1, nil
}

// ActiveEvents returns every event that has not ended
func (r *Repository) ActiveEvents(ctx context.Context) ([]models.EventSession, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT guild_id, channel_id, event_type, event_date, started_at, started_by
		FROM attendance_events WHERE ended_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to get active events: %w", err)
	}
	defer rows.Close()

	var events []models.EventSession
	for rows.Next() {
		var ev models.EventSession
		var eventType string
		var startedAt int64
		if err := rows.Scan(&ev.GuildID, &ev.ChannelID, &eventType, &ev.EventDate, &startedAt, &ev.StartedBy); err != nil {
			return nil, fmt.Errorf("failed to scan active event: %w", err)
		}
		ev.Type = models.EventType(eventType)
		ev.StartedAt = fromUnix(startedAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get active events: %w", err)
	}
	return events, nil
}

// FindEvent looks up the event of a guild on a date, active or archived.
// It returns nil when no such event exists.
func (r *Repository) FindEvent(ctx context.Context, guildID, eventDate string) (*models.EventSession, error) {
	var ev models.EventSession
	var eventType string
	var startedAt int64
	var endedAt sql.NullInt64

	err := r.db.conn.QueryRowContext(ctx, r.db.rebind(`
		SELECT guild_id, channel_id, event_type, event_date, started_at, ended_at, started_by
		FROM attendance_events WHERE guild_id = ? AND event_date = ?
		UNION ALL
		SELECT guild_id, channel_id, event_type, event_date, started_at, ended_at, started_by
		FROM attendance_event_history WHERE guild_id = ? AND event_date = ?
		LIMIT 1`),
		guildID, eventDate, guildID, eventDate).
		Scan(&ev.GuildID, &ev.ChannelID, &eventType, &ev.EventDate, &startedAt, &endedAt, &ev.StartedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find event: %w", err)
	}

	ev.Type = models.EventType(eventType)
	ev.StartedAt = fromUnix(startedAt)
	if endedAt.Valid {
		t := fromUnix(endedAt.Int64)
		ev.EndedAt = &t
	}
	return &ev, nil
}

// LoadStates returns the checkpointed user states of an event
func (r *Repository) LoadStates(ctx context.Context, guildID, eventDate string) ([]models.UserState, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`
		SELECT user_id, session_start, accumulated_seconds, longest_session_seconds, last_persisted_at
		FROM attendance_state WHERE guild_id = ? AND event_date = ?`),
		guildID, eventDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load states: %w", err)
	}
	defer rows.Close()

	var states []models.UserState
	for rows.Next() {
		var st models.UserState
		var sessionStart sql.NullInt64
		var accumulated, longest, persisted int64
		if err := rows.Scan(&st.UserID, &sessionStart, &accumulated, &longest, &persisted); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		st.GuildID = guildID
		st.EventDate = eventDate
		st.Accumulated = time.Duration(accumulated) * time.Second
		st.Longest = time.Duration(longest) * time.Second
		st.LastPersistedAt = fromUnix(persisted)
		if sessionStart.Valid {
			st.Presence = models.Open(fromUnix(sessionStart.Int64))
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load states: %w", err)
	}
	return states, nil
}

// SaveStates upserts user states in a single transaction
func (r *Repository) SaveStates(ctx context.Context, states []models.UserState) error {
	if len(states) == 0 {
		return nil
	}
	return r.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, st := range states {
			if err := r.saveState(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) saveState(ctx context.Context, ex execer, st models.UserState) error {
	var sessionStart any
	if since, ok := st.Presence.Since(); ok {
		sessionStart = since.Unix()
	}
	_, err := ex.ExecContext(ctx, r.db.rebind(`
		INSERT INTO attendance_state (guild_id, user_id, event_date, session_start, accumulated_seconds, longest_session_seconds, last_persisted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, user_id, event_date) DO UPDATE SET
			session_start = excluded.session_start,
			accumulated_seconds = excluded.accumulated_seconds,
			longest_session_seconds = excluded.longest_session_seconds,
			last_persisted_at = excluded.last_persisted_at`),
		st.GuildID, st.UserID, st.EventDate, sessionStart,
		int64(st.Accumulated/time.Second), int64(st.Longest/time.Second), st.LastPersistedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// FinalizeEvent writes the automatic records of an ended event, archives it
// and drops its transient rows. Existing records are left untouched, and so
// is the archive of an earlier event on the same date.
func (r *Repository) FinalizeEvent(ctx context.Context, ev models.EventSession, records []models.Record) error {
	if ev.EndedAt == nil {
		return fmt.Errorf("failed to finalize event: event has not ended")
	}
	return r.db.RunInTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			if err := r.insertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, r.db.rebind(`
			INSERT INTO attendance_event_history (guild_id, event_date, channel_id, event_type, started_at, ended_at, started_by)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (guild_id, event_date) DO NOTHING`),
			ev.GuildID, ev.EventDate, ev.ChannelID, string(ev.Type), ev.StartedAt.Unix(), ev.EndedAt.Unix(), ev.StartedBy); err != nil {
			return fmt.Errorf("failed to archive event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM attendance_state WHERE guild_id = ? AND event_date = ?`),
			ev.GuildID, ev.EventDate); err != nil {
			return fmt.Errorf("failed to clear states: %w", err)
		}
		if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM attendance_events WHERE guild_id = ?`), ev.GuildID); err != nil {
			return fmt.Errorf("failed to clear event: %w", err)
		}
		return nil
	})
}

func (r *Repository) insertRecord(ctx context.Context, ex execer, rec models.Record) error {
	_, err := ex.ExecContext(ctx, r.db.rebind(`
		INSERT INTO attendance_records (guild_id, user_id, event_date, event_type, duration_seconds, longest_session_seconds,
			event_duration_seconds, qualified, adjustment_type, adjusted_by, adjustment_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, user_id, event_date) DO NOTHING`),
		recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func recordArgs(rec models.Record) []any {
	var adjustedBy, reason any
	if rec.AdjustedBy != "" {
		adjustedBy = rec.AdjustedBy
	}
	if rec.AdjustmentReason != "" {
		reason = rec.AdjustmentReason
	}
	return []any{
		rec.GuildID, rec.UserID, rec.EventDate, string(rec.EventType),
		int64(rec.Duration / time.Second), int64(rec.Longest / time.Second), int64(rec.EventDuration / time.Second),
		boolOrNil(rec.Qualified), string(rec.AdjustmentType), adjustedBy, reason, rec.UpdatedAt.Unix(),
	}
}

// UpsertRecord writes a record, replacing any previous verdict
func (r *Repository) UpsertRecord(ctx context.Context, rec models.Record) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		INSERT INTO attendance_records (guild_id, user_id, event_date, event_type, duration_seconds, longest_session_seconds,
			event_duration_seconds, qualified, adjustment_type, adjusted_by, adjustment_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, user_id, event_date) DO UPDATE SET
			event_type = excluded.event_type,
			duration_seconds = excluded.duration_seconds,
			longest_session_seconds = excluded.longest_session_seconds,
			event_duration_seconds = excluded.event_duration_seconds,
			qualified = excluded.qualified,
			adjustment_type = excluded.adjustment_type,
			adjusted_by = excluded.adjusted_by,
			adjustment_reason = excluded.adjustment_reason,
			updated_at = excluded.updated_at`),
		recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

const recordColumns = `guild_id, user_id, event_date, event_type, duration_seconds, longest_session_seconds,
	event_duration_seconds, qualified, adjustment_type, adjusted_by, adjustment_reason, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.Record, error) {
	var rec models.Record
	var eventType, adjustmentType string
	var duration, longest, eventDuration, updatedAt int64
	var qualified sql.NullBool
	var adjustedBy, reason sql.NullString

	if err := row.Scan(&rec.GuildID, &rec.UserID, &rec.EventDate, &eventType, &duration, &longest,
		&eventDuration, &qualified, &adjustmentType, &adjustedBy, &reason, &updatedAt); err != nil {
		return rec, err
	}

	rec.EventType = models.EventType(eventType)
	rec.Duration = time.Duration(duration) * time.Second
	rec.Longest = time.Duration(longest) * time.Second
	rec.EventDuration = time.Duration(eventDuration) * time.Second
	if qualified.Valid {
		q := qualified.Bool
		rec.Qualified = &q
	}
	rec.AdjustmentType = models.AdjustmentType(adjustmentType)
	rec.AdjustedBy = adjustedBy.String
	rec.AdjustmentReason = reason.String
	rec.UpdatedAt = fromUnix(updatedAt)
	return rec, nil
}

// GetRecord returns the record of a user for an event, or nil when none exists
func (r *Repository) GetRecord(ctx context.Context, guildID, userID, eventDate string) (*models.Record, error) {
	row := r.db.conn.QueryRowContext(ctx, r.db.rebind(`SELECT `+recordColumns+`
		FROM attendance_records WHERE guild_id = ? AND user_id = ? AND event_date = ?`),
		guildID, userID, eventDate)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &rec, nil
}

// ListRecords returns every record of an event, longest attendance first
func (r *Repository) ListRecords(ctx context.Context, guildID, eventDate string) ([]models.Record, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`SELECT `+recordColumns+`
		FROM attendance_records WHERE guild_id = ? AND event_date = ?
		ORDER BY duration_seconds DESC, user_id`),
		guildID, eventDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

// GetPolicy returns the attendance policy of a guild, falling back to defaults
func (r *Repository) GetPolicy(ctx context.Context, guildID string) (models.Policy, error) {
	policy := r.defaults
	policy.GuildID = guildID

	var mode string
	err := r.db.conn.QueryRowContext(ctx, r.db.rebind(`
		SELECT movie_threshold_minutes, attendance_mode, game_threshold_percent, qualified_role_id, log_channel_id
		FROM guild_attendance_config WHERE guild_id = ?`), guildID).
		Scan(&policy.MovieThresholdMinutes, &mode, &policy.GamePercent, &policy.QualifiedRoleID, &policy.LogChannelID)
	if err == sql.ErrNoRows {
		return policy, nil
	}
	if err != nil {
		return policy, fmt.Errorf("failed to get policy: %w", err)
	}
	policy.Mode = models.AttendanceMode(mode)
	return policy, nil
}

// SavePolicy stores the attendance policy of a guild
func (r *Repository) SavePolicy(ctx context.Context, p models.Policy) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		INSERT INTO guild_attendance_config (guild_id, movie_threshold_minutes, attendance_mode, game_threshold_percent,
			qualified_role_id, log_channel_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id) DO UPDATE SET
			movie_threshold_minutes = excluded.movie_threshold_minutes,
			attendance_mode = excluded.attendance_mode,
			game_threshold_percent = excluded.game_threshold_percent,
			qualified_role_id = excluded.qualified_role_id,
			log_channel_id = excluded.log_channel_id,
			updated_at = excluded.updated_at`),
		p.GuildID, p.MovieThresholdMinutes, string(p.Mode), p.GamePercent, p.QualifiedRoleID, p.LogChannelID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}
