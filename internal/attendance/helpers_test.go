package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"attendbot/internal/models"
)

const (
	guildID   = "100000000000000001"
	channelID = "300000000000000001"
	otherChan = "300000000000000002"
	userA     = "200000000000000001"
	userB     = "200000000000000002"
	modID     = "200000000000000009"
)

var (
	t0       = time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC)
	t0Date   = "2026-10-17"
	errStore = errors.New("database is locked")
)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func key(parts ...string) string {
	k := ""
	for _, p := range parts {
		k += p + "|"
	}
	return k
}

// memStore is an in-memory Store
type memStore struct {
	mu        sync.Mutex
	events    map[string]models.EventSession
	history   map[string]models.EventSession
	states    map[string]models.UserState
	records   map[string]models.Record
	policies  map[string]models.Policy
	saveErr   error
	saveCalls int
}

func newMemStore() *memStore {
	return &memStore{
		events:   make(map[string]models.EventSession),
		history:  make(map[string]models.EventSession),
		states:   make(map[string]models.UserState),
		records:  make(map[string]models.Record),
		policies: make(map[string]models.Policy),
	}
}

func (s *memStore) CreateEvent(ctx context.Context, ev models.EventSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.GuildID]; ok {
		return false, nil
	}
	s.events[ev.GuildID] = ev
	return true, nil
}

func (s *memStore) ActiveEvents(ctx context.Context) ([]models.EventSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventSession
	for _, ev := range s.events {
		if ev.EndedAt == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) FindEvent(ctx context.Context, guild, date string) (*models.EventSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[guild]; ok && ev.EventDate == date {
		return &ev, nil
	}
	if ev, ok := s.history[key(guild, date)]; ok {
		return &ev, nil
	}
	return nil, nil
}

func (s *memStore) LoadStates(ctx context.Context, guild, date string) ([]models.UserState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserState
	for _, st := range s.states {
		if st.GuildID == guild && st.EventDate == date {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *memStore) SaveStates(ctx context.Context, states []models.UserState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	for _, st := range states {
		s.states[key(st.GuildID, st.UserID, st.EventDate)] = st
	}
	return nil
}

func (s *memStore) FinalizeEvent(ctx context.Context, ev models.EventSession, records []models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		k := key(rec.GuildID, rec.UserID, rec.EventDate)
		if _, ok := s.records[k]; !ok {
			s.records[k] = rec
		}
	}
	if _, ok := s.history[key(ev.GuildID, ev.EventDate)]; !ok {
		s.history[key(ev.GuildID, ev.EventDate)] = ev
	}
	for k, st := range s.states {
		if st.GuildID == ev.GuildID && st.EventDate == ev.EventDate {
			delete(s.states, k)
		}
	}
	delete(s.events, ev.GuildID)
	return nil
}

func (s *memStore) GetRecord(ctx context.Context, guild, user, date string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key(guild, user, date)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *memStore) UpsertRecord(ctx context.Context, rec models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key(rec.GuildID, rec.UserID, rec.EventDate)] = rec
	return nil
}

func (s *memStore) GetPolicy(ctx context.Context, guild string) (models.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[guild]; ok {
		return p, nil
	}
	p := models.DefaultPolicy()
	p.GuildID = guild
	return p, nil
}

func (s *memStore) state(user string) (models.UserState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key(guildID, user, t0Date)]
	return st, ok
}

func (s *memStore) record(user string) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key(guildID, user, t0Date)]
	return rec, ok
}

type fakeMembers struct {
	mu      sync.Mutex
	members map[string][]string
	err     error
}

func (f *fakeMembers) ChannelMembers(guild, channel string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.members[channel], nil
}

func (f *fakeMembers) set(channel string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[channel] = users
}

type mockRoles struct {
	mock.Mock
}

func (m *mockRoles) GrantAttendance(ctx context.Context, guild, user string, qualified bool) error {
	args := m.Called(guild, user, qualified)
	return args.Error(0)
}

type recordingLog struct {
	entries []models.Adjustment
	err     error
}

func (l *recordingLog) LogAdjustment(ctx context.Context, policy models.Policy, adj models.Adjustment) error {
	l.entries = append(l.entries, adj)
	return l.err
}

type harness struct {
	store   *memStore
	members *fakeMembers
	roles   *mockRoles
	clock   *fakeClock
	tracker *Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		members: &fakeMembers{members: make(map[string][]string)},
		roles:   &mockRoles{},
		clock:   &fakeClock{now: t0},
	}
	h.tracker = NewTracker(h.store, h.members, h.roles, time.Hour, WithClock(h.clock.Now))
	t.Cleanup(h.tracker.Close)
	return h
}

func (h *harness) entry(t *testing.T, user string) models.UserState {
	t.Helper()
	h.tracker.mu.Lock()
	defer h.tracker.mu.Unlock()
	te := h.tracker.reg.get(guildID)
	if te == nil {
		t.Fatalf("no tracked event for guild %s", guildID)
	}
	e, ok := te.users[user]
	if !ok {
		t.Fatalf("user %s is not tracked", user)
	}
	return e.state
}
