package attendance

import (
	"context"

	"attendbot/internal/models"
)

type userEntry struct {
	state models.UserState
	dirty bool
	// manual is the last moderator change made while the event was running
	manual *manualNote
}

type manualNote struct {
	actor  string
	reason string
}

// trackedEvent is the in-memory side of one active EventSession
type trackedEvent struct {
	event models.EventSession
	users map[string]*userEntry

	// recovering is set while live membership could not be confirmed after a
	// restart; voice events are ignored and nothing is persisted meanwhile.
	recovering bool

	stop context.CancelFunc
	done chan struct{}
}

func (te *trackedEvent) user(userID string) *userEntry {
	e, ok := te.users[userID]
	if !ok {
		e = &userEntry{state: models.UserState{
			GuildID:   te.event.GuildID,
			UserID:    userID,
			EventDate: te.event.EventDate,
		}}
		te.users[userID] = e
	}
	return e
}

// registry holds the tracked events of every guild, keyed by guild then user
type registry struct {
	guilds map[string]*trackedEvent
}

func newRegistry() *registry {
	return &registry{guilds: make(map[string]*trackedEvent)}
}

func (r *registry) get(guildID string) *trackedEvent {
	return r.guilds[guildID]
}

func (r *registry) add(ev models.EventSession) *trackedEvent {
	te := &trackedEvent{event: ev, users: make(map[string]*userEntry)}
	r.guilds[ev.GuildID] = te
	return te
}

func (r *registry) remove(guildID string) {
	delete(r.guilds, guildID)
}
