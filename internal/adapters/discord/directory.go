package discord

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/jose-valero/inactivity-bot/internal/app/service"
	"github.com/jose-valero/inactivity-bot/internal/domain"
)

// GuildDirectory implementa service.Directory sobre la sesión: el core
// pregunta por miembros y estados de voz sin tocar el SDK.
type GuildDirectory struct {
	s *discordgo.Session
}

func NewGuildDirectory(s *discordgo.Session) *GuildDirectory {
	return &GuildDirectory{s: s}
}

// Members pagina la lista completa; el state local suele estar incompleto
// en guilds grandes.
func (d *GuildDirectory) Members(guildID string) ([]domain.Member, error) {
	var out []domain.Member
	after := ""
	for {
		page, err := d.s.GuildMembers(guildID, after, 1000)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, gm := range page {
			out = append(out, toDomainMember(guildID, gm))
		}
		after = page[len(page)-1].User.ID
		if len(page) < 1000 {
			return out, nil
		}
	}
}

func (d *GuildDirectory) Member(guildID, userID string) (domain.Member, bool, error) {
	gm, err := d.s.State.Member(guildID, userID)
	if err != nil || gm == nil {
		gm, err = d.s.GuildMember(guildID, userID)
	}
	if err != nil {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return toDomainMember(guildID, gm), true, nil
}

// VoicePresences lee quién está en voz según el state del gateway.
func (d *GuildDirectory) VoicePresences(guildID string) ([]service.VoicePresence, error) {
	g, err := d.s.State.Guild(guildID)
	if err != nil {
		return nil, err
	}
	var out []service.VoicePresence
	for _, vs := range g.VoiceStates {
		p := service.VoicePresence{
			UserID:    vs.UserID,
			GuildID:   guildID,
			ChannelID: vs.ChannelID,
			Muted:     vs.Deaf || vs.SelfDeaf,
		}
		if m, _, err := d.Member(guildID, vs.UserID); err == nil {
			p.Roles = m.Roles
		}
		out = append(out, p)
	}
	return out, nil
}

func toDomainMember(guildID string, gm *discordgo.Member) domain.Member {
	name := gm.Nick
	if name == "" && gm.User != nil {
		name = gm.User.Username
	}
	var id string
	if gm.User != nil {
		id = gm.User.ID
	}
	return domain.Member{
		ID:          id,
		GuildID:     guildID,
		DisplayName: name,
		Roles:       gm.Roles,
		JoinedAt:    gm.JoinedAt,
	}
}
