package discord

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/discordgo"

	"attendbot/internal/models"
	"attendbot/pkg/utils"
)

const (
	colorQualified    = 0x2ecc71
	colorNotQualified = 0xe67e22
	colorPending      = 0x95a5a6
	maxEmbedField     = 1024
)

// ActionLog records manual adjustments in the bot log and, when the guild
// has a log channel configured, as an embed in that channel.
type ActionLog struct {
	session Session
}

// NewActionLog creates an action log
func NewActionLog(session Session) *ActionLog {
	return &ActionLog{session: session}
}

// LogAdjustment writes one adjustment entry
func (a *ActionLog) LogAdjustment(ctx context.Context, policy models.Policy, adj models.Adjustment) error {
	log.Printf("action log: id=%s kind=%s guild=%s user=%s date=%s minutes=%d qualified=%t pending=%t by=%s reason=%q",
		adj.ID, adj.Kind, adj.GuildID, adj.UserID, adj.EventDate, adj.Minutes, adj.Qualified, adj.Pending, adj.Actor, adj.Reason)

	if policy.LogChannelID == "" {
		return nil
	}
	if _, err := a.session.ChannelMessageSendEmbed(policy.LogChannelID, adjustmentEmbed(adj)); err != nil {
		return fmt.Errorf("failed to send action log: %w", err)
	}
	return nil
}

func adjustmentEmbed(adj models.Adjustment) *discordgo.MessageEmbed {
	color := colorNotQualified
	verdict := "❌ not qualified"
	switch {
	case adj.Pending:
		color = colorPending
		verdict = "⏳ pending until the event ends"
	case adj.Qualified:
		color = colorQualified
		verdict = "✅ qualified"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: utils.FormatUserMention(adj.UserID), Inline: true},
		{Name: "Event date", Value: adj.EventDate, Inline: true},
		{Name: "Moderator", Value: utils.FormatUserMention(adj.Actor), Inline: true},
	}
	if adj.Kind != models.AdjustBump {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Minutes", Value: fmt.Sprintf("%+d", adj.Minutes), Inline: true})
	}
	fields = append(fields,
		&discordgo.MessageEmbedField{Name: "Result", Value: verdict, Inline: true},
		&discordgo.MessageEmbedField{Name: "Reason", Value: utils.TruncateString(adj.Reason, maxEmbedField)},
	)

	return &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("Attendance %s", adj.Kind),
		Color:     color,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: adj.ID},
		Timestamp: adj.At.Format(time.RFC3339),
	}
}
