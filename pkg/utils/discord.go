package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatUserMention formats a user ID as a Discord mention
func FormatUserMention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

// ExtractUserIDFromMention extracts user ID from a Discord mention or a raw ID.
// It returns an empty string when the text is neither.
func ExtractUserIDFromMention(mention string) string {
	userID := mention
	if IsUserMention(mention) {
		userID = strings.TrimPrefix(mention, "<@")
		userID = strings.TrimSuffix(userID, ">")
		// Remove ! if present (for nickname mentions)
		userID = strings.TrimPrefix(userID, "!")
	}
	if !IsSnowflake(userID) {
		return ""
	}
	return userID
}

// IsUserMention checks if a string is a valid user mention
func IsUserMention(text string) bool {
	return strings.HasPrefix(text, "<@") && strings.HasSuffix(text, ">")
}

// IsSnowflake reports whether s looks like a Discord ID
func IsSnowflake(s string) bool {
	if len(s) < 17 || len(s) > 20 {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// FormatLeaderboardEntry formats a leaderboard entry with rank, user, and duration
func FormatLeaderboardEntry(rank int, userMention, duration string) string {
	medal := ""
	switch rank {
	case 1:
		medal = "🥇"
	case 2:
		medal = "🥈"
	case 3:
		medal = "🥉"
	default:
		medal = fmt.Sprintf("%d.", rank)
	}

	return fmt.Sprintf("%s %s - %s", medal, userMention, duration)
}

// FormatChannelMention formats a channel ID as a Discord channel mention
func FormatChannelMention(channelID string) string {
	return fmt.Sprintf("<#%s>", channelID)
}

// ExtractChannelIDFromMention extracts a channel ID from <#id> or a raw ID
func ExtractChannelIDFromMention(mention string) string {
	id := strings.TrimSuffix(strings.TrimPrefix(mention, "<#"), ">")
	if !IsSnowflake(id) {
		return ""
	}
	return id
}

// TruncateString truncates a string to max runes and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
