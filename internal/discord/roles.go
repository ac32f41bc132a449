package discord

import (
	"context"
	"fmt"
	"log"

	"attendbot/internal/models"
)

// PolicyReader reads the attendance policy of a guild
type PolicyReader interface {
	GetPolicy(ctx context.Context, guildID string) (models.Policy, error)
}

// RoleGranter adds the guild's attendance role to qualified users
type RoleGranter struct {
	session  Session
	policies PolicyReader
}

// NewRoleGranter creates a role granter
func NewRoleGranter(session Session, policies PolicyReader) *RoleGranter {
	return &RoleGranter{session: session, policies: policies}
}

// GrantAttendance adds the configured role when qualified is true. Guilds
// without a role configured are left alone.
func (r *RoleGranter) GrantAttendance(ctx context.Context, guildID, userID string, qualified bool) error {
	if !qualified {
		return nil
	}

	policy, err := r.policies.GetPolicy(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to read attendance role: %w", err)
	}
	if policy.QualifiedRoleID == "" {
		return nil
	}

	if err := r.session.GuildMemberRoleAdd(guildID, userID, policy.QualifiedRoleID); err != nil {
		return fmt.Errorf("failed to add role %s: %w", policy.QualifiedRoleID, err)
	}
	log.Printf("attendance role granted: guild=%s user=%s role=%s", guildID, userID, policy.QualifiedRoleID)
	return nil
}
