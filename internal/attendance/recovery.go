package attendance

import (
	"context"
	"log"

	"attendbot/internal/models"
)

// Recover reloads every event that was still running when the process
// stopped and reconciles it with live voice membership. Guilds whose
// membership is unavailable stay in recovery until a later Resume succeeds.
func (t *Tracker) Recover(ctx context.Context) error {
	events, err := t.store.ActiveEvents(ctx)
	if err != nil {
		return ErrInternal("could not load active events", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ev := range events {
		if t.reg.get(ev.GuildID) != nil {
			continue
		}
		te := t.reg.add(ev)
		te.recovering = true
		if err := t.reconcileLocked(ctx, te); err != nil {
			log.Printf("Warning: deferring recovery of guild %s: %v", ev.GuildID, err)
		}
		t.startLoop(te)
	}
	return nil
}

// Resume retries recovery for a guild. It also picks up an event that
// Recover could not load.
func (t *Tracker) Resume(ctx context.Context, guildID string) error {
	t.mu.Lock()
	te := t.reg.get(guildID)
	if te != nil {
		defer t.mu.Unlock()
		if !te.recovering {
			return ErrConflict("the event is already being tracked")
		}
		return t.reconcileLocked(ctx, te)
	}
	t.mu.Unlock()

	events, err := t.store.ActiveEvents(ctx)
	if err != nil {
		return ErrInternal("could not load active events", err)
	}
	for _, ev := range events {
		if ev.GuildID != guildID {
			continue
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.reg.get(guildID) != nil {
			return ErrConflict("the event is already being tracked")
		}
		te := t.reg.add(ev)
		te.recovering = true
		err := t.reconcileLocked(ctx, te)
		t.startLoop(te)
		return err
	}
	return ErrNotFound("no interrupted event to resume in this server")
}

// reconcileLocked rebuilds the users of te from their last checkpoint.
// State is only replaced once both the checkpoint and the live membership
// are available.
func (t *Tracker) reconcileLocked(ctx context.Context, te *trackedEvent) error {
	ev := te.event

	states, err := t.store.LoadStates(ctx, ev.GuildID, ev.EventDate)
	if err != nil {
		return ErrInternal("could not load checkpointed state", err)
	}
	members, err := t.members.ChannelMembers(ev.GuildID, ev.ChannelID)
	if err != nil {
		return ErrInternal("voice membership unavailable", err)
	}

	present := make(map[string]bool, len(members))
	for _, userID := range members {
		present[userID] = true
	}

	now := t.clock()
	users := make(map[string]*userEntry, len(states))
	for _, st := range states {
		users[st.UserID] = &userEntry{state: recoverState(st, present[st.UserID]), dirty: true}
	}
	// joined during the outage: the join time is unknown, count from now
	for _, userID := range members {
		if _, ok := users[userID]; ok {
			continue
		}
		users[userID] = &userEntry{
			state: models.UserState{
				GuildID:   ev.GuildID,
				UserID:    userID,
				EventDate: ev.EventDate,
				Presence:  models.Open(now),
			},
			dirty: true,
		}
	}

	te.users = users
	te.recovering = false
	t.persistLocked(ctx, te)

	log.Printf("event recovered: guild=%s users=%d present=%d", ev.GuildID, len(users), len(members))
	return nil
}

// recoverState applies the restart rule to one checkpointed state. Time is
// only credited up to the last checkpoint; a user still present resumes
// from that checkpoint.
func recoverState(st models.UserState, stillPresent bool) models.UserState {
	since, open := st.Presence.Since()
	if !open {
		return st
	}

	upTo := st.LastPersistedAt
	if upTo.Before(since) {
		upTo = since
	}
	credit(&st, upTo.Sub(since))

	if stillPresent {
		st.Presence = models.Open(upTo)
	} else {
		st.Presence = models.Closed()
	}
	return st
}
