package attendance

import (
	"context"
	"log"
	"sync"
	"time"

	"attendbot/internal/models"
)

// Store is the durable side of attendance tracking
type Store interface {
	CreateEvent(ctx context.Context, ev models.EventSession) (bool, error)
	ActiveEvents(ctx context.Context) ([]models.EventSession, error)
	FindEvent(ctx context.Context, guildID, eventDate string) (*models.EventSession, error)
	LoadStates(ctx context.Context, guildID, eventDate string) ([]models.UserState, error)
	SaveStates(ctx context.Context, states []models.UserState) error
	FinalizeEvent(ctx context.Context, ev models.EventSession, records []models.Record) error
	GetRecord(ctx context.Context, guildID, userID, eventDate string) (*models.Record, error)
	UpsertRecord(ctx context.Context, rec models.Record) error
	GetPolicy(ctx context.Context, guildID string) (models.Policy, error)
}

// Membership reports who is currently connected to a voice channel
type Membership interface {
	ChannelMembers(guildID, channelID string) ([]string, error)
}

// RoleGranter applies the role side effect of a verdict
type RoleGranter interface {
	GrantAttendance(ctx context.Context, guildID, userID string, qualified bool) error
}

// Tracker records voice presence for the active event of each guild,
// checkpoints it and settles it into attendance records.
type Tracker struct {
	mu       sync.Mutex
	reg      *registry
	store    Store
	members  Membership
	roles    RoleGranter
	interval time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces the wall clock, used by tests
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. interval is the checkpoint period.
func NewTracker(store Store, members Membership, roles RoleGranter, interval time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		reg:      newRegistry(),
		store:    store,
		members:  members,
		roles:    roles,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC()
}

// StartEvent begins tracking channelID for guildID. Users already in the
// channel are credited from the start time.
func (t *Tracker) StartEvent(ctx context.Context, guildID, channelID string, eventType models.EventType, actor string) (models.EventSession, error) {
	if !eventType.Valid() {
		return models.EventSession{}, ErrInvalid("event type must be movie or game")
	}
	if guildID == "" || channelID == "" {
		return models.EventSession{}, ErrInvalid("a voice channel is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reg.get(guildID) != nil {
		return models.EventSession{}, ErrConflict("an event is already being tracked in this server")
	}

	now := t.clock()
	ev := models.EventSession{
		GuildID:   guildID,
		ChannelID: channelID,
		Type:      eventType,
		EventDate: now.Format(models.DateLayout),
		StartedAt: now,
		StartedBy: actor,
	}

	// present users are credited from the start
	members, err := t.members.ChannelMembers(guildID, channelID)
	if err != nil {
		return models.EventSession{}, ErrInternal("could not read who is in the voice channel; try again shortly", err)
	}

	created, err := t.store.CreateEvent(ctx, ev)
	if err != nil {
		return models.EventSession{}, ErrInternal("could not store the event", err)
	}
	if !created {
		return models.EventSession{}, ErrConflict("an event is already active in this server")
	}

	te := t.reg.add(ev)
	for _, userID := range members {
		join(te.user(userID), now)
	}

	t.persistLocked(ctx, te)
	t.startLoop(te)

	log.Printf("event started: guild=%s channel=%s type=%s present=%d", guildID, channelID, eventType, len(members))
	return ev, nil
}

// ActiveEvent returns the tracked event of a guild
func (t *Tracker) ActiveEvent(guildID string) (models.EventSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	te := t.reg.get(guildID)
	if te == nil {
		return models.EventSession{}, false
	}
	return te.event, true
}

// UserStatus is the live attendance of one user
type UserStatus struct {
	UserID  string
	Present bool
	Total   time.Duration
	Longest time.Duration
}

// Status is a snapshot of a running event
type Status struct {
	Event      models.EventSession
	Recovering bool
	Users      []UserStatus
}

// Status reports live totals for the active event of a guild
func (t *Tracker) Status(guildID string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	te := t.reg.get(guildID)
	if te == nil {
		return Status{}, ErrNotFound("no event is being tracked in this server")
	}

	now := t.clock()
	st := Status{Event: te.event, Recovering: te.recovering}
	for userID, e := range te.users {
		total, longest := liveTotals(e.state, now)
		st.Users = append(st.Users, UserStatus{UserID: userID, Present: e.state.Presence.IsOpen(), Total: total, Longest: longest})
	}
	sortUserStatus(st.Users)
	return st, nil
}

// liveTotals adds the elapsed part of an open presence to the closed totals
func liveTotals(st models.UserState, now time.Time) (total, longest time.Duration) {
	total, longest = st.Accumulated, st.Longest
	if since, open := st.Presence.Since(); open && now.After(since) {
		elapsed := now.Sub(since)
		total += elapsed
		if elapsed > longest {
			longest = elapsed
		}
	}
	return total, longest
}

// AdjustRunning changes the closed time of a user in the running event of a
// guild by delta, floored at zero. The change is checkpointed like any other
// and marks the final record as manual. It reports false when eventDate is
// not the date of the guild's running event.
func (t *Tracker) AdjustRunning(guildID, userID, eventDate string, delta time.Duration, actor, reason string) (models.Record, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	te := t.reg.get(guildID)
	if te == nil || te.event.EventDate != eventDate {
		return models.Record{}, false, nil
	}
	if te.recovering {
		return models.Record{}, true, ErrConflict("the event is still recovering from a restart; use resume first")
	}

	e := te.user(userID)
	st := &e.state
	st.Accumulated += delta
	if st.Accumulated < 0 {
		st.Accumulated = 0
	}
	// manual minutes count as one continuous block
	if delta > 0 {
		st.Longest += delta
	}
	if st.Longest > st.Accumulated {
		st.Longest = st.Accumulated
	}
	e.dirty = true
	e.manual = &manualNote{actor: actor, reason: reason}

	now := t.clock()
	total, longest := liveTotals(*st, now)
	return models.Record{
		GuildID:          guildID,
		UserID:           userID,
		EventDate:        eventDate,
		EventType:        te.event.Type,
		Duration:         total,
		Longest:          longest,
		AdjustmentType:   models.AdjustmentManual,
		AdjustedBy:       actor,
		AdjustmentReason: reason,
		UpdatedAt:        now,
	}, true, nil
}

func (t *Tracker) startLoop(te *trackedEvent) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	te.stop = cancel
	te.done = done
	guildID := te.event.GuildID

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick(ctx, guildID)
			}
		}
	}()
}

// stopLoop cancels the checkpoint timer of a guild and waits for it to exit.
// Must be called without t.mu held.
func (t *Tracker) stopLoop(guildID string) {
	t.mu.Lock()
	te := t.reg.get(guildID)
	if te == nil || te.stop == nil {
		t.mu.Unlock()
		return
	}
	stop, done := te.stop, te.done
	te.stop, te.done = nil, nil
	t.mu.Unlock()

	stop()
	<-done
}

// Close stops every checkpoint timer and flushes pending state
func (t *Tracker) Close() {
	t.mu.Lock()
	guilds := make([]string, 0, len(t.reg.guilds))
	for guildID := range t.reg.guilds {
		guilds = append(guilds, guildID)
	}
	t.mu.Unlock()

	for _, guildID := range guilds {
		t.stopLoop(guildID)
	}
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, guildID := range guilds {
		if err := t.Checkpoint(ctx, guildID); err != nil {
			log.Printf("Warning: final checkpoint for guild %s failed: %v", guildID, err)
		}
	}
}
