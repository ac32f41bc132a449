package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"attendbot/internal/attendance"
	"attendbot/internal/models"
	"attendbot/pkg/utils"
)

const maxMessageLength = 2000

// EventTracker is the live side of attendance used by commands
type EventTracker interface {
	StartEvent(ctx context.Context, guildID, channelID string, eventType models.EventType, actor string) (models.EventSession, error)
	EndEvent(ctx context.Context, guildID string) (attendance.EndReport, error)
	Status(guildID string) (attendance.Status, error)
	Resume(ctx context.Context, guildID string) error
}

// Adjuster applies manual overrides
type Adjuster interface {
	AddMinutes(ctx context.Context, guildID, userID, eventDate string, delta int, actor, reason string) (models.Record, error)
	CreditPastEvent(ctx context.Context, guildID, userID, eventDate string, minutes int, actor, reason string) (models.Record, error)
	BumpToQualified(ctx context.Context, guildID, userID, eventDate, actor, reason string) (models.Record, error)
}

// GuildStore reads and writes per-guild settings and records
type GuildStore interface {
	PolicyReader
	SavePolicy(ctx context.Context, p models.Policy) error
	GetRecord(ctx context.Context, guildID, userID, eventDate string) (*models.Record, error)
	ListRecords(ctx context.Context, guildID, eventDate string) ([]models.Record, error)
}

// VoiceLookup finds the voice channel of a user
type VoiceLookup interface {
	UserChannel(guildID, userID string) (string, error)
}

// Handler dispatches prefix commands
type Handler struct {
	session Session
	tracker EventTracker
	ledger  Adjuster
	store   GuildStore
	voice   VoiceLookup
	prefix  string
}

// NewHandler creates a command handler for messages starting with prefix
func NewHandler(session Session, tracker EventTracker, ledger Adjuster, store GuildStore, voice VoiceLookup, prefix string) *Handler {
	return &Handler{
		session: session,
		tracker: tracker,
		ledger:  ledger,
		store:   store,
		voice:   voice,
		prefix:  prefix,
	}
}

// Handle processes one guild message
func (h *Handler) Handle(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	fields := strings.Fields(m.Content)
	if len(fields) == 0 || !strings.EqualFold(fields[0], h.prefix) {
		return
	}

	if !h.isModerator(m) {
		h.send(m.ChannelID, "❌ You need the Manage Roles permission to manage events.")
		return
	}

	if len(fields) < 2 {
		h.send(m.ChannelID, h.usage())
		return
	}
	args := fields[2:]

	switch strings.ToLower(fields[1]) {
	case "start":
		h.handleStart(ctx, m, args)
	case "end", "stop":
		h.handleEnd(ctx, m)
	case "status":
		h.handleStatus(m)
	case "resume":
		h.handleResume(ctx, m)
	case "add":
		h.handleAdd(ctx, m, args)
	case "credit":
		h.handleCredit(ctx, m, args)
	case "bump":
		h.handleBump(ctx, m, args)
	case "record":
		h.handleRecord(ctx, m, args)
	case "report":
		h.handleReport(ctx, m, args)
	case "config":
		h.handleConfig(ctx, m, args)
	default:
		h.send(m.ChannelID, h.usage())
	}
}

func (h *Handler) isModerator(m *discordgo.Message) bool {
	perms, err := h.session.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		log.Printf("Error checking permissions of %s: %v", m.Author.ID, err)
		return false
	}
	return perms&(discordgo.PermissionManageRoles|discordgo.PermissionAdministrator) != 0
}

func (h *Handler) send(channelID, content string) {
	if _, err := h.session.ChannelMessageSend(channelID, utils.TruncateString(content, maxMessageLength)); err != nil {
		log.Printf("Error sending message to %s: %v", channelID, err)
	}
}

// fail replies with the user-facing message of a validation error, or a
// generic retry hint for internal failures.
func (h *Handler) fail(channelID, action string, err error) {
	var e *attendance.Error
	if attendance.IsValidation(err) && errors.As(err, &e) {
		h.send(channelID, "❌ "+e.Message)
		return
	}
	log.Printf("Error trying to %s: %v", action, err)
	h.send(channelID, fmt.Sprintf("⚠️ Could not %s because of an internal error. It may need to be retried.", action))
}

func (h *Handler) usage() string {
	p := h.prefix
	return strings.Join([]string{
		"**Event attendance commands**",
		p + " start <movie|game> [#voice-channel]",
		p + " end",
		p + " status",
		p + " resume",
		p + " add <@user> <YYYY-MM-DD> <minutes> <reason>",
		p + " credit <@user> <YYYY-MM-DD> <minutes> <reason>",
		p + " bump <@user> <YYYY-MM-DD> <reason>",
		p + " record <@user> <YYYY-MM-DD>",
		p + " report <YYYY-MM-DD>",
		p + " config [threshold|mode|percent|role|logchannel] <value>",
	}, "\n")
}

func (h *Handler) handleStart(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) == 0 {
		h.send(m.ChannelID, fmt.Sprintf("Format: %s start <movie|game> [#voice-channel]", h.prefix))
		return
	}
	eventType := models.EventType(strings.ToLower(args[0]))

	var channelID string
	if len(args) > 1 {
		channelID = utils.ExtractChannelIDFromMention(args[1])
		if channelID == "" {
			h.send(m.ChannelID, "❌ That is not a valid voice channel.")
			return
		}
	} else {
		current, err := h.voice.UserChannel(m.GuildID, m.Author.ID)
		if err != nil {
			log.Printf("Error looking up voice channel of %s: %v", m.Author.ID, err)
		}
		if current == "" {
			h.send(m.ChannelID, fmt.Sprintf("❌ Join the event voice channel first, or name it: %s start %s #channel", h.prefix, eventType))
			return
		}
		channelID = current
	}

	ev, err := h.tracker.StartEvent(ctx, m.GuildID, channelID, eventType, m.Author.ID)
	if err != nil {
		h.fail(m.ChannelID, "start the event", err)
		return
	}

	icon := "🎬"
	if ev.Type == models.EventGame {
		icon = "🎮"
	}
	h.send(m.ChannelID, fmt.Sprintf("%s %s event started in %s (%s). Attendance is being tracked.",
		icon, eventLabel(ev.Type), utils.FormatChannelMention(ev.ChannelID), ev.EventDate))
}

func (h *Handler) handleEnd(ctx context.Context, m *discordgo.Message) {
	report, err := h.tracker.EndEvent(ctx, m.GuildID)
	if err != nil {
		h.fail(m.ChannelID, "end the event", err)
		return
	}

	qualified := 0
	for _, rec := range report.Records {
		if rec.Qualified != nil && *rec.Qualified {
			qualified++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏁 Event in %s ended after %s. %d of %d attendees qualified.",
		utils.FormatChannelMention(report.Event.ChannelID), utils.FormatDuration(report.Event.Duration()),
		qualified, len(report.Records))
	if len(report.Skipped) > 0 {
		mentions := make([]string, len(report.Skipped))
		for i, userID := range report.Skipped {
			mentions[i] = utils.FormatUserMention(userID)
		}
		fmt.Fprintf(&b, "\nExisting records kept for: %s", strings.Join(mentions, ", "))
	}
	h.send(m.ChannelID, b.String())
}

func (h *Handler) handleStatus(m *discordgo.Message) {
	st, err := h.tracker.Status(m.GuildID)
	if err != nil {
		h.fail(m.ChannelID, "read the event status", err)
		return
	}

	lines := []string{fmt.Sprintf("📋 %s event in %s since %s UTC (%s)",
		eventLabel(st.Event.Type), utils.FormatChannelMention(st.Event.ChannelID),
		st.Event.StartedAt.UTC().Format("15:04"), st.Event.EventDate)}
	if st.Recovering {
		lines = append(lines, "⏳ Recovering after a restart. Tracking continues once voice state is available.")
	}
	if len(st.Users) == 0 {
		lines = append(lines, "(no attendance yet)")
	}
	for i, u := range st.Users {
		entry := utils.FormatLeaderboardEntry(i+1, utils.FormatUserMention(u.UserID), utils.FormatDuration(u.Total))
		if u.Present {
			entry += " 🔊"
		}
		lines = append(lines, entry)
	}
	h.send(m.ChannelID, strings.Join(lines, "\n"))
}

func (h *Handler) handleResume(ctx context.Context, m *discordgo.Message) {
	if err := h.tracker.Resume(ctx, m.GuildID); err != nil {
		h.fail(m.ChannelID, "resume the event", err)
		return
	}
	h.send(m.ChannelID, "▶️ Event tracking resumed.")
}

func (h *Handler) handleAdd(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) < 4 {
		h.send(m.ChannelID, fmt.Sprintf("Format: %s add <@user> <YYYY-MM-DD> <minutes> <reason>", h.prefix))
		return
	}
	minutes, err := strconv.Atoi(args[2])
	if err != nil {
		h.send(m.ChannelID, "❌ Minutes must be a whole number, e.g. 15 or -10.")
		return
	}

	rec, err := h.ledger.AddMinutes(ctx, m.GuildID, utils.ExtractUserIDFromMention(args[0]), args[1], minutes,
		m.Author.ID, strings.Join(args[3:], " "))
	if err != nil {
		h.fail(m.ChannelID, "adjust the record", err)
		return
	}
	h.send(m.ChannelID, "✏️ Updated. "+formatRecord(rec))
}

func (h *Handler) handleCredit(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) < 4 {
		h.send(m.ChannelID, fmt.Sprintf("Format: %s credit <@user> <YYYY-MM-DD> <minutes> <reason>", h.prefix))
		return
	}
	minutes, err := strconv.Atoi(args[2])
	if err != nil {
		h.send(m.ChannelID, "❌ Minutes must be a whole number.")
		return
	}

	rec, err := h.ledger.CreditPastEvent(ctx, m.GuildID, utils.ExtractUserIDFromMention(args[0]), args[1], minutes,
		m.Author.ID, strings.Join(args[3:], " "))
	if err != nil {
		h.fail(m.ChannelID, "credit the event", err)
		return
	}
	h.send(m.ChannelID, "✏️ Credited. "+formatRecord(rec))
}

func (h *Handler) handleBump(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) < 3 {
		h.send(m.ChannelID, fmt.Sprintf("Format: %s bump <@user> <YYYY-MM-DD> <reason>", h.prefix))
		return
	}

	rec, err := h.ledger.BumpToQualified(ctx, m.GuildID, utils.ExtractUserIDFromMention(args[0]), args[1],
		m.Author.ID, strings.Join(args[2:], " "))
	if err != nil {
		h.fail(m.ChannelID, "mark the user as qualified", err)
		return
	}
	h.send(m.ChannelID, "✏️ Marked as qualified. "+formatRecord(rec))
}

func (h *Handler) handleRecord(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) < 2 {
		h.send(m.ChannelID, fmt.Sprintf("Format: %s record <@user> <YYYY-MM-DD>", h.prefix))
		return
	}
	userID := utils.ExtractUserIDFromMention(args[0])
	if userID == "" {
		h.send(m.ChannelID, "❌ That is not a valid user.")
		return
	}
	if _, err := time.Parse(models.DateLayout, args[1]); err != nil {
		h.send(m.ChannelID, "❌ Event date must be YYYY-MM-DD.")
		return
	}

	rec, err := h.store.GetRecord(ctx, m.GuildID, userID, args[1])
	if err != nil {
		h.fail(m.ChannelID, "read the record", err)
		return
	}
	if rec == nil {
		h.send(m.ChannelID, fmt.Sprintf("❌ No attendance record for %s on %s.", utils.FormatUserMention(userID), args[1]))
		return
	}
	h.send(m.ChannelID, formatRecord(*rec))
}

func (h *Handler) handleReport(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) < 1 {
		h.send(m.ChannelID, fmt.Sprintf("Format: %s report <YYYY-MM-DD>", h.prefix))
		return
	}
	if _, err := time.Parse(models.DateLayout, args[0]); err != nil {
		h.send(m.ChannelID, "❌ Event date must be YYYY-MM-DD.")
		return
	}

	records, err := h.store.ListRecords(ctx, m.GuildID, args[0])
	if err != nil {
		h.fail(m.ChannelID, "read the attendance report", err)
		return
	}
	if len(records) == 0 {
		h.send(m.ChannelID, fmt.Sprintf("❌ No attendance records for %s.", args[0]))
		return
	}

	qualified := 0
	lines := []string{""}
	for i, rec := range records {
		entry := utils.FormatLeaderboardEntry(i+1, utils.FormatUserMention(rec.UserID), utils.FormatDuration(rec.Duration))
		if rec.Qualified != nil && *rec.Qualified {
			qualified++
			entry += " ✅"
		}
		if rec.AdjustmentType == models.AdjustmentManual {
			entry += " ✏️"
		}
		lines = append(lines, entry)
	}
	lines[0] = fmt.Sprintf("📊 Attendance for %s: %d of %d qualified", args[0], qualified, len(records))
	h.send(m.ChannelID, strings.Join(lines, "\n"))
}

func (h *Handler) handleConfig(ctx context.Context, m *discordgo.Message, args []string) {
	policy, err := h.store.GetPolicy(ctx, m.GuildID)
	if err != nil {
		h.fail(m.ChannelID, "read the attendance settings", err)
		return
	}
	if len(args) == 0 {
		h.send(m.ChannelID, formatPolicy(policy))
		return
	}
	if len(args) < 2 {
		h.send(m.ChannelID, fmt.Sprintf("Format: %s config [threshold|mode|percent|role|logchannel] <value>", h.prefix))
		return
	}

	if err := applySetting(&policy, strings.ToLower(args[0]), args[1]); err != nil {
		h.fail(m.ChannelID, "update the attendance settings", err)
		return
	}
	policy.GuildID = m.GuildID

	if err := h.store.SavePolicy(ctx, policy); err != nil {
		h.fail(m.ChannelID, "update the attendance settings", err)
		return
	}
	log.Printf("policy updated: guild=%s by=%s %s=%s", m.GuildID, m.Author.ID, args[0], args[1])
	h.send(m.ChannelID, "⚙️ Settings saved.\n"+formatPolicy(policy))
}

// applySetting changes one policy field from command input
func applySetting(p *models.Policy, key, value string) error {
	switch key {
	case "threshold":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > attendance.MaxAdjustMinutes {
			return attendance.ErrInvalid(fmt.Sprintf("threshold must be between 1 and %d minutes", attendance.MaxAdjustMinutes))
		}
		p.MovieThresholdMinutes = n
	case "mode":
		mode := models.AttendanceMode(strings.ToLower(value))
		if !mode.Valid() {
			return attendance.ErrInvalid("mode must be cumulative or single")
		}
		p.Mode = mode
	case "percent":
		n, err := strconv.Atoi(strings.TrimSuffix(value, "%"))
		if err != nil || n < 1 || n > 100 {
			return attendance.ErrInvalid("percent must be between 1 and 100")
		}
		p.GamePercent = n
	case "role":
		if strings.EqualFold(value, "none") {
			p.QualifiedRoleID = ""
			return nil
		}
		id := strings.TrimSuffix(strings.TrimPrefix(value, "<@&"), ">")
		if !utils.IsSnowflake(id) {
			return attendance.ErrInvalid("role must be a role mention, a role id or none")
		}
		p.QualifiedRoleID = id
	case "logchannel":
		if strings.EqualFold(value, "none") {
			p.LogChannelID = ""
			return nil
		}
		id := utils.ExtractChannelIDFromMention(value)
		if id == "" {
			return attendance.ErrInvalid("log channel must be a channel mention, a channel id or none")
		}
		p.LogChannelID = id
	default:
		return attendance.ErrInvalid("unknown setting; use threshold, mode, percent, role or logchannel")
	}
	return nil
}

func eventLabel(t models.EventType) string {
	if t == models.EventGame {
		return "Game"
	}
	return "Movie"
}

func formatPolicy(p models.Policy) string {
	role := "none"
	if p.QualifiedRoleID != "" {
		role = "<@&" + p.QualifiedRoleID + ">"
	}
	logChannel := "none"
	if p.LogChannelID != "" {
		logChannel = utils.FormatChannelMention(p.LogChannelID)
	}
	return fmt.Sprintf("Movie threshold: %d min (%s)\nGame threshold: %d%% of the event\nAttendance role: %s\nAction log: %s",
		p.MovieThresholdMinutes, p.Mode, p.GamePercent, role, logChannel)
}

func formatRecord(rec models.Record) string {
	verdict := "⏳ pending"
	if rec.Qualified != nil {
		verdict = "❌ not qualified"
		if *rec.Qualified {
			verdict = "✅ qualified"
		}
	}

	s := fmt.Sprintf("%s on %s (%s): %s attended, longest %s, %s",
		utils.FormatUserMention(rec.UserID), rec.EventDate, rec.EventType,
		utils.FormatDuration(rec.Duration), utils.FormatDuration(rec.Longest), verdict)
	if rec.AdjustmentType == models.AdjustmentManual {
		s += fmt.Sprintf(" (manual, by %s: %s)", utils.FormatUserMention(rec.AdjustedBy), rec.AdjustmentReason)
	}
	return s
}
