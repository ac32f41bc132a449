package discord

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/discordgo"

	"attendbot/internal/attendance"
	"attendbot/internal/config"
	"attendbot/internal/database"
)

const commandTimeout = 15 * time.Second

// Bot represents the Discord bot
type Bot struct {
	session  *discordgo.Session
	tracker  *attendance.Tracker
	commands *Handler
}

// New creates a new Discord bot
func New(cfg *config.Config, repository *database.Repository) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	voice := NewVoiceState(session.State)
	roles := NewRoleGranter(session, repository)
	tracker := attendance.NewTracker(repository, voice, roles, cfg.CheckpointInterval)
	ledger := attendance.NewLedger(repository, roles, NewActionLog(session), tracker)

	bot := &Bot{
		session:  session,
		tracker:  tracker,
		commands: NewHandler(session, tracker, ledger, repository, voice, cfg.CommandPrefix),
	}

	// Add event handlers
	session.AddHandler(bot.ready)
	session.AddHandler(bot.guildCreate)
	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.messageCreate)

	return bot, nil
}

// Start opens the gateway connection and reloads interrupted events
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.tracker.Recover(ctx); err != nil {
		log.Printf("Warning: could not recover interrupted events: %v", err)
	}

	fmt.Println("✅ Bot is running...")
	return nil
}

// Stop flushes attendance state and closes the connection
func (b *Bot) Stop() error {
	b.tracker.Close()
	return b.session.Close()
}

func (b *Bot) ready(s *discordgo.Session, r *discordgo.Ready) {
	log.Printf("connected as %s to %d guilds", r.User.Username, len(r.Guilds))
}

// guildCreate arrives with the voice states of a guild, which is what a
// deferred recovery was waiting for.
func (b *Bot) guildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	st, err := b.tracker.Status(g.ID)
	if err != nil || !st.Recovering {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.tracker.Resume(ctx, g.ID); err != nil {
		log.Printf("Warning: recovery for guild %s still pending: %v", g.ID, err)
		return
	}
	log.Printf("recovered event for guild %s", g.ID)
}

// voiceStateUpdate handles voice state updates
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}
	b.tracker.OnVoiceState(vs.GuildID, vs.UserID, vs.ChannelID, time.Now().UTC())
}

// messageCreate handles message creation events
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	b.commands.Handle(ctx, m.Message)
}
