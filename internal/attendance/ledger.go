package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"attendbot/internal/models"
	"attendbot/pkg/utils"
)

const (
	// MaxReasonLength bounds the stored reason text, in characters.
	MaxReasonLength = 512
	// MaxAdjustMinutes bounds a single manual change.
	MaxAdjustMinutes = 24 * 60
)

// ActionLog receives an entry for every manual adjustment
type ActionLog interface {
	LogAdjustment(ctx context.Context, policy models.Policy, adj models.Adjustment) error
}

// LiveAdjuster changes the attendance of an event that is still running. It
// reports false when eventDate is not the running event of the guild.
type LiveAdjuster interface {
	AdjustRunning(guildID, userID, eventDate string, delta time.Duration, actor, reason string) (models.Record, bool, error)
}

// Ledger applies moderator overrides to attendance records
type Ledger struct {
	store   Store
	roles   RoleGranter
	actions ActionLog
	live    LiveAdjuster
	now     func() time.Time
}

// NewLedger creates a ledger. live may be nil, in which case running events
// cannot be adjusted.
func NewLedger(store Store, roles RoleGranter, actions ActionLog, live LiveAdjuster) *Ledger {
	return &Ledger{store: store, roles: roles, actions: actions, live: live, now: time.Now}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("snowflake", func(fl validator.FieldLevel) bool {
		return utils.IsSnowflake(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

type adjustment struct {
	GuildID   string `validate:"required,snowflake"`
	UserID    string `validate:"required,snowflake"`
	EventDate string `validate:"required,datetime=2006-01-02"`
	Actor     string `validate:"required,snowflake"`
	Reason    string `validate:"required,max=512"`
}

// check trims the reason and validates the adjustment target
func (a *adjustment) check() error {
	a.Reason = strings.TrimSpace(a.Reason)
	err := validate.Struct(a)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return ErrInvalid(err.Error())
	}
	return ErrInvalid(adjustmentMessage(fields[0]))
}

func adjustmentMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "GuildID":
		return "invalid server id"
	case "UserID":
		return "invalid target user"
	case "Actor":
		return "invalid moderator id"
	case "EventDate":
		return "event date must be YYYY-MM-DD"
	case "Reason":
		if fe.Tag() == "max" {
			return fmt.Sprintf("reason must be at most %d characters", MaxReasonLength)
		}
		return "a reason is required"
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

func checkDelta(delta int) error {
	if validate.Var(delta, fmt.Sprintf("ne=0,min=%d,max=%d", -MaxAdjustMinutes, MaxAdjustMinutes)) != nil {
		return ErrInvalid(fmt.Sprintf("minutes must be non-zero and within ±%d", MaxAdjustMinutes))
	}
	return nil
}

func checkCredit(minutes int) error {
	if validate.Var(minutes, fmt.Sprintf("min=1,max=%d", MaxAdjustMinutes)) != nil {
		return ErrInvalid(fmt.Sprintf("minutes must be between 1 and %d", MaxAdjustMinutes))
	}
	return nil
}

// lookup loads the event and record of an adjustment target. A running
// event has no record until it ends, so only AddMinutes can change it.
func (l *Ledger) lookup(ctx context.Context, a adjustment) (*models.EventSession, *models.Record, error) {
	ev, err := l.store.FindEvent(ctx, a.GuildID, a.EventDate)
	if err != nil {
		return nil, nil, ErrInternal("could not look up the event", err)
	}
	if ev != nil && ev.EndedAt == nil {
		return nil, nil, ErrConflict("that event is still running; use add, or adjust it after it ends")
	}
	rec, err := l.store.GetRecord(ctx, a.GuildID, a.UserID, a.EventDate)
	if err != nil {
		return nil, nil, ErrInternal("could not look up the record", err)
	}
	return ev, rec, nil
}

// newRecord starts a record for a user that has none
func newRecord(a adjustment, ev *models.EventSession) models.Record {
	rec := models.Record{
		GuildID:   a.GuildID,
		UserID:    a.UserID,
		EventDate: a.EventDate,
		EventType: models.EventMovie,
	}
	if ev != nil {
		rec.EventType = ev.Type
		rec.EventDuration = ev.Duration().Truncate(time.Second)
	}
	return rec
}

// AddMinutes changes the recorded duration of a user by delta minutes,
// floored at zero. On a finished event the verdict is re-evaluated; on the
// running event the change is applied to the live totals and the verdict is
// settled when the event ends.
func (l *Ledger) AddMinutes(ctx context.Context, guildID, userID, eventDate string, delta int, actor, reason string) (models.Record, error) {
	a := adjustment{GuildID: guildID, UserID: userID, EventDate: eventDate, Actor: actor, Reason: reason}
	if err := a.check(); err != nil {
		return models.Record{}, err
	}
	if err := checkDelta(delta); err != nil {
		return models.Record{}, err
	}
	change := time.Duration(delta) * time.Minute

	if l.live != nil {
		rec, handled, err := l.adjustLive(ctx, a, delta, change)
		if handled || err != nil {
			return rec, err
		}
	}

	_, rec, err := l.lookup(ctx, a)
	if err != nil {
		return models.Record{}, err
	}
	if rec == nil {
		return models.Record{}, ErrNotFound("no attendance record for that user and date; use credit instead")
	}

	updated := *rec
	updated.Duration += change
	if updated.Duration < 0 {
		updated.Duration = 0
	}
	// manual minutes count as one continuous block
	if change > 0 {
		updated.Longest += change
	}
	if updated.Longest > updated.Duration {
		updated.Longest = updated.Duration
	}

	return l.apply(ctx, a, models.AdjustAdd, delta, updated, nil)
}

// adjustLive applies an add to the running event of the guild, if the date
// matches it. The returned record has no verdict yet.
func (l *Ledger) adjustLive(ctx context.Context, a adjustment, delta int, change time.Duration) (models.Record, bool, error) {
	policy, err := l.store.GetPolicy(ctx, a.GuildID)
	if err != nil {
		return models.Record{}, true, ErrInternal("could not read attendance settings", err)
	}
	rec, running, err := l.live.AdjustRunning(a.GuildID, a.UserID, a.EventDate, change, a.Actor, a.Reason)
	if err != nil || !running {
		return models.Record{}, running, err
	}

	entry := models.Adjustment{
		ID:        uuid.NewString(),
		Kind:      models.AdjustAdd,
		GuildID:   a.GuildID,
		UserID:    a.UserID,
		EventDate: a.EventDate,
		Minutes:   delta,
		Pending:   true,
		Actor:     a.Actor,
		Reason:    a.Reason,
		At:        rec.UpdatedAt.UTC(),
	}
	if err := l.actions.LogAdjustment(ctx, policy, entry); err != nil {
		log.Printf("Warning: action log for adjustment %s failed: %v", entry.ID, err)
	}
	log.Printf("attendance adjusted: id=%s kind=%s guild=%s user=%s date=%s by=%s running=true",
		entry.ID, entry.Kind, a.GuildID, a.UserID, a.EventDate, a.Actor)
	return rec, true, nil
}

// CreditPastEvent sets the recorded duration of a user for a past event,
// creating the record when the user was never tracked.
func (l *Ledger) CreditPastEvent(ctx context.Context, guildID, userID, eventDate string, minutes int, actor, reason string) (models.Record, error) {
	a := adjustment{GuildID: guildID, UserID: userID, EventDate: eventDate, Actor: actor, Reason: reason}
	if err := a.check(); err != nil {
		return models.Record{}, err
	}
	if err := checkCredit(minutes); err != nil {
		return models.Record{}, err
	}

	ev, rec, err := l.lookup(ctx, a)
	if err != nil {
		return models.Record{}, err
	}

	updated := newRecord(a, ev)
	if rec != nil {
		updated = *rec
	}
	updated.Duration = time.Duration(minutes) * time.Minute
	updated.Longest = updated.Duration

	return l.apply(ctx, a, models.AdjustCredit, minutes, updated, nil)
}

// BumpToQualified marks a user as qualified regardless of recorded time
func (l *Ledger) BumpToQualified(ctx context.Context, guildID, userID, eventDate, actor, reason string) (models.Record, error) {
	a := adjustment{GuildID: guildID, UserID: userID, EventDate: eventDate, Actor: actor, Reason: reason}
	if err := a.check(); err != nil {
		return models.Record{}, err
	}

	ev, rec, err := l.lookup(ctx, a)
	if err != nil {
		return models.Record{}, err
	}

	updated := newRecord(a, ev)
	if rec != nil {
		updated = *rec
	}
	qualified := true
	return l.apply(ctx, a, models.AdjustBump, 0, updated, &qualified)
}

// apply stamps the manual metadata, stores the record and runs the side
// effects. A nil verdict is recomputed from the guild policy.
func (l *Ledger) apply(ctx context.Context, a adjustment, kind models.AdjustmentKind, minutes int, rec models.Record, verdict *bool) (models.Record, error) {
	policy, err := l.store.GetPolicy(ctx, a.GuildID)
	if err != nil {
		return models.Record{}, ErrInternal("could not read attendance settings", err)
	}

	if verdict == nil {
		q := Qualifies(policy, rec.EventType, rec.Duration, rec.Longest, rec.EventDuration)
		verdict = &q
	}
	now := l.now().UTC()
	rec.Qualified = verdict
	rec.AdjustmentType = models.AdjustmentManual
	rec.AdjustedBy = a.Actor
	rec.AdjustmentReason = a.Reason
	rec.UpdatedAt = now

	if err := l.store.UpsertRecord(ctx, rec); err != nil {
		return models.Record{}, ErrInternal("could not save the adjustment", err)
	}

	entry := models.Adjustment{
		ID:        uuid.NewString(),
		Kind:      kind,
		GuildID:   a.GuildID,
		UserID:    a.UserID,
		EventDate: a.EventDate,
		Minutes:   minutes,
		Qualified: *verdict,
		Actor:     a.Actor,
		Reason:    a.Reason,
		At:        now,
	}
	if err := l.actions.LogAdjustment(ctx, policy, entry); err != nil {
		log.Printf("Warning: action log for adjustment %s failed: %v", entry.ID, err)
	}
	if *verdict {
		if err := l.roles.GrantAttendance(ctx, a.GuildID, a.UserID, true); err != nil {
			log.Printf("Warning: role grant for %s in guild %s failed: %v", a.UserID, a.GuildID, err)
		}
	}

	log.Printf("attendance adjusted: id=%s kind=%s guild=%s user=%s date=%s by=%s qualified=%t",
		entry.ID, kind, a.GuildID, a.UserID, a.EventDate, a.Actor, *verdict)
	return rec, nil
}
