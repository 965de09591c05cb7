package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/jose-valero/inactivity-bot/internal/app/service"
)

// ModerationSink es la única salida hacia Discord: mensajes, DMs,
// roles y expulsiones. Traduce los errores del SDK a la taxonomía del
// dispatcher (throttled / sin permisos / genérico).
type ModerationSink struct {
	s *discordgo.Session
}

func NewModerationSink(s *discordgo.Session) *ModerationSink {
	return &ModerationSink{s: s}
}

func (ms *ModerationSink) Do(ctx context.Context, req service.Request) error {
	var err error
	switch req.Kind {
	case service.KindChannelMessage:
		_, err = ms.s.ChannelMessageSend(req.ChannelID, req.Content, discordgo.WithContext(ctx))

	case service.KindDirectMessage:
		var ch *discordgo.Channel
		ch, err = ms.s.UserChannelCreate(req.UserID, discordgo.WithContext(ctx))
		if err == nil {
			_, err = ms.s.ChannelMessageSend(ch.ID, req.Content, discordgo.WithContext(ctx))
		}

	case service.KindRemoveRole:
		err = ms.s.GuildMemberRoleRemove(req.GuildID, req.UserID, req.RoleID, discordgo.WithContext(ctx))

	case service.KindAddRole:
		err = ms.s.GuildMemberRoleAdd(req.GuildID, req.UserID, req.RoleID, discordgo.WithContext(ctx))

	case service.KindKick:
		err = ms.s.GuildMemberDeleteWithReason(req.GuildID, req.UserID, req.Reason, discordgo.WithContext(ctx))

	default:
		return fmt.Errorf("request kind desconocido: %d", req.Kind)
	}
	return translate(err)
}

func translate(err error) error {
	if err == nil {
		return nil
	}

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &service.ThrottledError{RetryAfter: rl.RetryAfter}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Response != nil && rest.Response.StatusCode == http.StatusForbidden {
			return &service.PermissionError{Err: err}
		}
		if rest.Message != nil && rest.Message.Code == discordgo.ErrCodeMissingPermissions {
			return &service.PermissionError{Err: err}
		}
	}
	return err
}
