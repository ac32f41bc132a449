package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendbot/internal/models"
)

func TestStartEvent_CreditsUsersAlreadyPresent(t *testing.T) {
	h := newHarness(t)
	h.members.set(channelID, userA, userB)

	ev, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)
	assert.Equal(t, t0Date, ev.EventDate)

	for _, user := range []string{userA, userB} {
		since, open := h.entry(t, user).Presence.Since()
		require.True(t, open)
		assert.True(t, t0.Equal(since))

		persisted, ok := h.store.state(user)
		require.True(t, ok, "initial checkpoint should be written")
		assert.True(t, persisted.Presence.IsOpen())
	}
}

func TestStartEvent_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.tracker.StartEvent(ctx, guildID, channelID, models.EventType("concert"), modID)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = h.tracker.StartEvent(ctx, guildID, "", models.EventMovie, modID)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = h.tracker.StartEvent(ctx, guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)
	_, err = h.tracker.StartEvent(ctx, guildID, otherChan, models.EventGame, modID)
	assert.Equal(t, CodeConflict, CodeOf(err))
}

func TestStartEvent_RejectedWhenMembershipUnavailable(t *testing.T) {
	h := newHarness(t)
	h.members.set(channelID, userA)
	h.members.err = errStore

	_, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	assert.Equal(t, CodeInternal, CodeOf(err))

	_, ok := h.tracker.ActiveEvent(guildID)
	assert.False(t, ok)
	ev, err := h.store.FindEvent(context.Background(), guildID, t0Date)
	require.NoError(t, err)
	assert.Nil(t, ev, "nothing is stored for a rejected start")

	h.members.mu.Lock()
	h.members.err = nil
	h.members.mu.Unlock()

	_, err = h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)
	assert.True(t, h.entry(t, userA).Presence.IsOpen(), "present user is credited on retry")
}

func TestOnJoin_Idempotent(t *testing.T) {
	h := newHarness(t)
	_, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)

	h.tracker.OnJoin(guildID, userA, channelID, at(10))
	first := h.entry(t, userA)

	h.tracker.OnJoin(guildID, userA, channelID, at(15))
	second := h.entry(t, userA)

	assert.Equal(t, first.Accumulated, second.Accumulated)
	since, open := second.Presence.Since()
	require.True(t, open)
	assert.True(t, at(10).Equal(since))
}

func TestOnJoin_IgnoresOtherChannelsAndGuilds(t *testing.T) {
	h := newHarness(t)
	_, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)

	h.tracker.OnJoin(guildID, userA, otherChan, at(1))
	h.tracker.OnJoin("100000000000000099", userA, channelID, at(1))

	st, err := h.tracker.Status(guildID)
	require.NoError(t, err)
	assert.Empty(t, st.Users)
}

func TestOnJoin_NoActiveEvent(t *testing.T) {
	h := newHarness(t)
	h.tracker.OnJoin(guildID, userA, channelID, at(1))
	h.tracker.OnLeave(guildID, userA, at(2))

	_, err := h.tracker.Status(guildID)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestOnLeave_NeverNegative(t *testing.T) {
	h := newHarness(t)
	_, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)

	h.tracker.OnJoin(guildID, userA, channelID, at(0))
	h.tracker.OnLeave(guildID, userA, at(10))
	h.tracker.OnLeave(guildID, userA, at(20))

	st := h.entry(t, userA)
	assert.Equal(t, 10*time.Minute, st.Accumulated)
	assert.False(t, st.Presence.IsOpen())

	// leaving without a recorded join
	h.tracker.OnLeave(guildID, userB, at(30))
	status, err := h.tracker.Status(guildID)
	require.NoError(t, err)
	assert.Len(t, status.Users, 1)
}

func TestOnLeave_TimestampBeforeJoin(t *testing.T) {
	h := newHarness(t)
	_, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)

	h.tracker.OnJoin(guildID, userA, channelID, at(10))
	h.tracker.OnLeave(guildID, userA, at(5))

	st := h.entry(t, userA)
	assert.Equal(t, time.Duration(0), st.Accumulated)
	assert.False(t, st.Presence.IsOpen())
}

func TestOnVoiceState_MoveOutCountsAsLeave(t *testing.T) {
	h := newHarness(t)
	_, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)

	h.tracker.OnVoiceState(guildID, userA, channelID, at(0))
	h.tracker.OnVoiceState(guildID, userA, channelID, at(3)) // mute toggle
	h.tracker.OnVoiceState(guildID, userA, otherChan, at(12))

	st := h.entry(t, userA)
	assert.Equal(t, 12*time.Minute, st.Accumulated)
	assert.Equal(t, 12*time.Minute, st.Longest)
	assert.False(t, st.Presence.IsOpen())

	h.tracker.OnVoiceState(guildID, userA, channelID, at(20))
	h.tracker.OnVoiceState(guildID, userA, "", at(25))
	st = h.entry(t, userA)
	assert.Equal(t, 17*time.Minute, st.Accumulated)
	assert.Equal(t, 12*time.Minute, st.Longest)
}

func TestStatus_LiveTotals(t *testing.T) {
	h := newHarness(t)
	h.members.set(channelID, userA)
	_, err := h.tracker.StartEvent(context.Background(), guildID, channelID, models.EventMovie, modID)
	require.NoError(t, err)

	h.tracker.OnJoin(guildID, userB, channelID, at(5))
	h.tracker.OnLeave(guildID, userB, at(15))
	h.clock.Set(at(30))

	st, err := h.tracker.Status(guildID)
	require.NoError(t, err)
	require.Len(t, st.Users, 2)
	assert.Equal(t, UserStatus{UserID: userA, Present: true, Total: 30 * time.Minute, Longest: 30 * time.Minute}, st.Users[0])
	assert.Equal(t, UserStatus{UserID: userB, Present: false, Total: 10 * time.Minute, Longest: 10 * time.Minute}, st.Users[1])
}
