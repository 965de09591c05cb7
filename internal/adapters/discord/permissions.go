package discord

import "github.com/bwmarrin/discordgo"

// Gate de administración: dueño del guild, bit Administrator, o alguno
// de los roles admin configurados para el bot.
func (r *Router) requireAdminOrRoles(s *discordgo.Session, ic *discordgo.InteractionCreate) bool {
	if ic.Member == nil || ic.Member.User == nil {
		return false
	}
	if g, _ := s.State.Guild(ic.GuildID); g != nil && g.OwnerID == ic.Member.User.ID {
		return true
	}

	held := make(map[string]bool, len(ic.Member.Roles))
	for _, id := range ic.Member.Roles {
		held[id] = true
	}

	for _, id := range r.adminRoleIDs {
		if held[id] {
			return true
		}
	}

	if roles, err := s.GuildRoles(ic.GuildID); err == nil {
		for _, role := range roles {
			if held[role.ID] && role.Permissions&discordgo.PermissionAdministrator != 0 {
				return true
			}
		}
	}

	ReplyEphemeral(s, ic, "🔒 No tienes permisos para esta acción.")
	return false
}
