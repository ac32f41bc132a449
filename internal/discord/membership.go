package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// VoiceState answers voice membership questions from the gateway cache
type VoiceState struct {
	state *discordgo.State
}

// NewVoiceState wraps the session state cache
func NewVoiceState(state *discordgo.State) *VoiceState {
	return &VoiceState{state: state}
}

// ChannelMembers lists the non-bot users connected to a voice channel.
// It fails while the guild has not been received from the gateway.
func (v *VoiceState) ChannelMembers(guildID, channelID string) ([]string, error) {
	guild, err := v.state.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s not available: %w", guildID, err)
	}

	v.state.RLock()
	defer v.state.RUnlock()

	// READY lists guilds as unavailable stubs until GUILD_CREATE arrives
	if guild.Unavailable {
		return nil, fmt.Errorf("guild %s has not been received from the gateway yet", guildID)
	}

	var users []string
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || isBot(guild, vs) {
			continue
		}
		users = append(users, vs.UserID)
	}
	return users, nil
}

// UserChannel returns the voice channel a user is connected to, empty when none
func (v *VoiceState) UserChannel(guildID, userID string) (string, error) {
	vs, err := v.state.VoiceState(guildID, userID)
	if err == discordgo.ErrStateNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vs.ChannelID, nil
}

func isBot(guild *discordgo.Guild, vs *discordgo.VoiceState) bool {
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	for _, m := range guild.Members {
		if m.User != nil && m.User.ID == vs.UserID {
			return m.User.Bot
		}
	}
	return false
}
