package attendance

import (
	"context"
	"log"
	"time"

	"attendbot/internal/models"
)

// snapshotLocked collects the states to persist and stamps them with now.
// Open presences are always included since their elapsed time keeps growing.
func snapshotLocked(te *trackedEvent, now time.Time) []models.UserState {
	var states []models.UserState
	for _, e := range te.users {
		if !e.dirty && !e.state.Presence.IsOpen() {
			continue
		}
		st := e.state
		st.LastPersistedAt = now
		states = append(states, st)
		e.dirty = false
	}
	return states
}

func markPersisted(te *trackedEvent, states []models.UserState, now time.Time) {
	for _, st := range states {
		if e, ok := te.users[st.UserID]; ok {
			e.state.LastPersistedAt = now
		}
	}
}

func markDirty(te *trackedEvent, states []models.UserState) {
	for _, st := range states {
		if e, ok := te.users[st.UserID]; ok {
			e.dirty = true
		}
	}
}

// persistLocked writes pending state while holding t.mu. Used on the
// command paths where blocking voice events briefly is acceptable.
func (t *Tracker) persistLocked(ctx context.Context, te *trackedEvent) {
	now := t.clock()
	states := snapshotLocked(te, now)
	if len(states) == 0 {
		return
	}
	if err := t.store.SaveStates(ctx, states); err != nil {
		markDirty(te, states)
		log.Printf("Warning: checkpoint for guild %s failed, will retry: %v", te.event.GuildID, err)
		return
	}
	markPersisted(te, states, now)
}

// Checkpoint persists the pending state of a guild's event. The write runs
// outside the tracker lock; on failure the rows stay pending for the next tick.
func (t *Tracker) Checkpoint(ctx context.Context, guildID string) error {
	t.mu.Lock()
	te := t.reg.get(guildID)
	if te == nil || te.recovering {
		t.mu.Unlock()
		return nil
	}
	now := t.clock()
	states := snapshotLocked(te, now)
	t.mu.Unlock()

	if len(states) == 0 {
		return nil
	}

	err := t.store.SaveStates(ctx, states)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reg.get(guildID) != te {
		// finalized while writing
		return nil
	}
	if err != nil {
		markDirty(te, states)
		log.Printf("Warning: checkpoint for guild %s failed, will retry: %v", guildID, err)
		return ErrInternal("checkpoint failed", err)
	}
	markPersisted(te, states, now)
	return nil
}

func (t *Tracker) tick(ctx context.Context, guildID string) {
	t.mu.Lock()
	te := t.reg.get(guildID)
	recovering := te != nil && te.recovering
	t.mu.Unlock()

	if te == nil {
		return
	}
	if recovering {
		if err := t.Resume(ctx, guildID); err != nil {
			log.Printf("Warning: recovery for guild %s still pending: %v", guildID, err)
		}
		return
	}
	_ = t.Checkpoint(ctx, guildID)
}
