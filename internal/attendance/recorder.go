package attendance

import (
	"fmt"
	"log"
	"sort"
	"time"

	"attendbot/internal/models"
)

// join opens a presence. Joining while already present is a no-op.
func join(e *userEntry, ts time.Time) bool {
	if e.state.Presence.IsOpen() {
		return false
	}
	e.state.Presence = models.Open(ts)
	e.dirty = true
	return true
}

// leave closes an open presence and credits its length
func leave(e *userEntry, ts time.Time) (time.Duration, bool) {
	since, ok := e.state.Presence.Since()
	if !ok {
		return 0, false
	}
	elapsed := ts.Sub(since)
	if elapsed < 0 {
		elapsed = 0
	}
	credit(&e.state, elapsed)
	e.state.Presence = models.Closed()
	e.dirty = true
	return elapsed, true
}

func credit(st *models.UserState, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	st.Accumulated += elapsed
	if elapsed > st.Longest {
		st.Longest = elapsed
	}
}

// OnJoin records userID entering channelID at ts. It is a no-op when the
// guild has no tracked event, the channel is not the tracked one or the
// user is already present.
func (t *Tracker) OnJoin(guildID, userID, channelID string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onJoinLocked(guildID, userID, channelID, ts)
}

func (t *Tracker) onJoinLocked(guildID, userID, channelID string, ts time.Time) {
	te := t.reg.get(guildID)
	if te == nil || channelID != te.event.ChannelID {
		return
	}
	if te.recovering {
		log.Printf("ignoring join of %s in guild %s: recovery pending", userID, guildID)
		return
	}
	if ts.Before(te.event.StartedAt) {
		ts = te.event.StartedAt
	}
	if join(te.user(userID), ts.UTC()) {
		fmt.Printf("➡️ Join: %s guild=%s %s\n", userID, guildID, ts.UTC().Format(time.RFC3339))
	}
}

// OnLeave records userID leaving the tracked channel at ts. Leaving without
// an open presence is a no-op.
func (t *Tracker) OnLeave(guildID, userID string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLeaveLocked(guildID, userID, ts)
}

func (t *Tracker) onLeaveLocked(guildID, userID string, ts time.Time) {
	te := t.reg.get(guildID)
	if te == nil {
		return
	}
	if te.recovering {
		log.Printf("ignoring leave of %s in guild %s: recovery pending", userID, guildID)
		return
	}
	e, ok := te.users[userID]
	if !ok {
		return
	}
	if elapsed, closed := leave(e, ts.UTC()); closed {
		fmt.Printf("⬅️ Leave: %s guild=%s, +%d seconds\n", userID, guildID, int64(elapsed/time.Second))
	}
}

// OnVoiceState maps a raw voice transition onto join or leave. channelID is
// the channel the user is now in, empty when disconnected.
func (t *Tracker) OnVoiceState(guildID, userID, channelID string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	te := t.reg.get(guildID)
	if te == nil {
		return
	}
	if channelID == te.event.ChannelID {
		t.onJoinLocked(guildID, userID, channelID, ts)
		return
	}
	t.onLeaveLocked(guildID, userID, ts)
}

func sortUserStatus(users []UserStatus) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Total != users[j].Total {
			return users[i].Total > users[j].Total
		}
		return users[i].UserID < users[j].UserID
	})
}
