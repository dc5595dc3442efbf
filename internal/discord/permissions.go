package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker restricts the bot to guild members holding a role.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker for roleID.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed reports whether member holds the configured role. If no role is
// configured everyone is allowed, including direct messages. With a role
// configured a nil member (a direct message) is denied.
func (p *PermissionChecker) Allowed(member *discordgo.Member) bool {
	if p == nil || p.roleID == "" {
		return true
	}
	if member == nil {
		return false
	}
	return slices.Contains(member.Roles, p.roleID)
}
