package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00:00"},
		{35 * time.Minute, "0:35:00"},
		{2*time.Hour + 5*time.Minute + 9*time.Second + 400*time.Millisecond, "2:05:09"},
		{-time.Minute, "0:00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestIsSnowflake(t *testing.T) {
	assert.True(t, IsSnowflake("123456789012345678"))
	assert.True(t, IsSnowflake("12345678901234567"))
	assert.False(t, IsSnowflake("1234"))
	assert.False(t, IsSnowflake("12345678901234567a"))
	assert.False(t, IsSnowflake(""))
	assert.False(t, IsSnowflake("123456789012345678901"))
}

func TestExtractUserIDFromMention(t *testing.T) {
	assert.Equal(t, "123456789012345678", ExtractUserIDFromMention("<@123456789012345678>"))
	assert.Equal(t, "123456789012345678", ExtractUserIDFromMention("<@!123456789012345678>"))
	assert.Equal(t, "123456789012345678", ExtractUserIDFromMention("123456789012345678"))
	assert.Empty(t, ExtractUserIDFromMention("<@someone>"))
	assert.Empty(t, ExtractUserIDFromMention("@everyone"))
}

func TestExtractChannelIDFromMention(t *testing.T) {
	assert.Equal(t, "123456789012345678", ExtractChannelIDFromMention("<#123456789012345678>"))
	assert.Empty(t, ExtractChannelIDFromMention("<#general>"))
}

func TestFormatLeaderboardEntry(t *testing.T) {
	assert.Equal(t, "🥇 <@1> - 0:30:00", FormatLeaderboardEntry(1, "<@1>", "0:30:00"))
	assert.Equal(t, "4. <@1> - 0:30:00", FormatLeaderboardEntry(4, "<@1>", "0:30:00"))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abcdefg...", TruncateString("abcdefghijklmnop", 10))
}
