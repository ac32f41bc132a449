package attendance

import (
	"context"
	"log"
	"sort"
	"time"

	"attendbot/internal/models"
)

// Qualifies decides whether attendance meets the guild policy.
//
// Movies compare against a fixed number of minutes, either summed over every
// presence (cumulative) or for the longest unbroken presence (single).
// Games compare the summed presence against a percentage of the event length.
func Qualifies(p models.Policy, eventType models.EventType, total, longest, eventDuration time.Duration) bool {
	switch eventType {
	case models.EventGame:
		if eventDuration <= 0 {
			return false
		}
		return int64(total)*100 >= int64(p.GamePercent)*int64(eventDuration)
	default:
		threshold := time.Duration(p.MovieThresholdMinutes) * time.Minute
		if p.Mode == models.ModeSingle {
			return longest >= threshold
		}
		return total >= threshold
	}
}

// EndReport summarizes a finalized event
type EndReport struct {
	Event   models.EventSession
	Records []models.Record
	// Skipped lists users whose record already existed and was left untouched
	Skipped []string
}

// EndEvent stops tracking the active event of a guild, closes every open
// presence and writes one automatic record per user. Roles are granted after
// the records are committed; grant failures are only logged.
func (t *Tracker) EndEvent(ctx context.Context, guildID string) (EndReport, error) {
	t.mu.Lock()
	exists := t.reg.get(guildID) != nil
	t.mu.Unlock()
	if !exists {
		return EndReport{}, ErrNotFound("no event is being tracked in this server")
	}

	t.stopLoop(guildID)

	report, err := t.finalize(ctx, guildID)
	if err != nil {
		return report, err
	}

	for _, rec := range report.Records {
		if rec.Qualified == nil {
			continue
		}
		if err := t.roles.GrantAttendance(ctx, guildID, rec.UserID, *rec.Qualified); err != nil {
			log.Printf("Warning: role grant for %s in guild %s failed: %v", rec.UserID, guildID, err)
		}
	}

	log.Printf("event finalized: guild=%s date=%s records=%d skipped=%d",
		guildID, report.Event.EventDate, len(report.Records), len(report.Skipped))
	return report, nil
}

func (t *Tracker) finalize(ctx context.Context, guildID string) (EndReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	te := t.reg.get(guildID)
	if te == nil {
		return EndReport{}, ErrNotFound("no event is being tracked in this server")
	}
	if te.recovering {
		if te.stop == nil {
			t.startLoop(te)
		}
		return EndReport{}, ErrConflict("the event is still recovering from a restart; use resume first")
	}

	now := t.clock()
	ev := te.event
	ev.EndedAt = &now

	policy, err := t.store.GetPolicy(ctx, guildID)
	if err != nil {
		t.startLoop(te)
		return EndReport{}, ErrInternal("could not read attendance settings", err)
	}

	report := EndReport{Event: ev}
	var records []models.Record
	for userID, e := range te.users {
		existing, err := t.store.GetRecord(ctx, guildID, userID, ev.EventDate)
		if err != nil {
			t.startLoop(te)
			return EndReport{}, ErrInternal("could not read existing records", err)
		}
		if existing != nil {
			report.Skipped = append(report.Skipped, userID)
			continue
		}

		// settle on a copy so a failed write leaves the live state intact
		st := e.state
		if since, open := st.Presence.Since(); open {
			credit(&st, now.Sub(since))
			st.Presence = models.Closed()
		}
		rec := settle(policy, ev, st, now)
		if e.manual != nil {
			rec.AdjustmentType = models.AdjustmentManual
			rec.AdjustedBy = e.manual.actor
			rec.AdjustmentReason = e.manual.reason
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Duration > records[j].Duration })
	sort.Strings(report.Skipped)

	if err := t.store.FinalizeEvent(ctx, ev, records); err != nil {
		t.startLoop(te)
		return EndReport{}, ErrInternal("could not save attendance records", err)
	}

	t.reg.remove(guildID)
	report.Records = records
	return report, nil
}

func settle(p models.Policy, ev models.EventSession, st models.UserState, now time.Time) models.Record {
	total := st.Accumulated.Truncate(time.Second)
	longest := st.Longest.Truncate(time.Second)
	eventDuration := ev.Duration().Truncate(time.Second)
	qualified := Qualifies(p, ev.Type, total, longest, eventDuration)

	return models.Record{
		GuildID:        ev.GuildID,
		UserID:         st.UserID,
		EventDate:      ev.EventDate,
		EventType:      ev.Type,
		Duration:       total,
		Longest:        longest,
		EventDuration:  eventDuration,
		Qualified:      &qualified,
		AdjustmentType: models.AdjustmentAutomatic,
		UpdatedAt:      now,
	}
}
