package discord

import "github.com/bwmarrin/discordgo"

// Session is the subset of discordgo.Session used by the handlers.
// It allows for mocking the session in tests.
type Session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
}

// ensure discordgo.Session implements Session
var _ Session = (*discordgo.Session)(nil)
