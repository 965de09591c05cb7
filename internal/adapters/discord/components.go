package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/jose-valero/inactivity-bot/internal/app/service"
)

func (r *Router) handleMessageComponent(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	data := ic.MessageComponentData()

	_ = DeferEphemeral(s, ic)

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	customID, rawID, ok := strings.Cut(data.CustomID, ":")
	if !ok {
		return
	}
	planID, err := uuid.Parse(rawID)
	if err != nil {
		ReplyEphemeral(s, ic, "⚠️ Identificador de plan inválido.")
		return
	}

	switch customID {
	case "restore_confirm":
		if !r.clicks.Allow(ic.Member.User.ID) {
			ReplyEphemeral(s, ic, "⏳ Esperá un segundo…")
			return
		}
		if !r.requireAdminOrRoles(s, ic) {
			return
		}
		sum, err := r.restorer.Confirm(ctx, planID)
		if errors.Is(err, service.ErrPlanExpired) {
			ReplyEphemeral(s, ic, "⏳ El plan venció (3 minutos). Volvé a correr `/devolver_cargos`.")
			return
		}
		if errors.Is(err, service.ErrPlanNotFound) {
			ReplyEphemeral(s, ic, "ℹ️ Ese plan ya fue confirmado o cancelado.")
			return
		}
		if err != nil {
			ReplyEphemeral(s, ic, "⚠️ La restauración falló: "+err.Error())
			return
		}
		log.Printf("restauración %s confirmada por %s", planID, ic.Member.User.ID)
		ReplyEphemeral(s, ic, fmt.Sprintf(
			"✅ Restauración en marcha: %d roles encolados para %d miembros (%d ya los tenían, %d miembros ausentes).",
			sum.RolesQueued, sum.Members, sum.SkippedHeld, sum.MissingMembers))

	case "restore_cancel":
		if !r.requireAdminOrRoles(s, ic) {
			return
		}
		if r.restorer.Cancel(planID) {
			ReplyEphemeral(s, ic, "🚫 Restauración cancelada. No se tocó nada.")
		} else {
			ReplyEphemeral(s, ic, "ℹ️ Ese plan ya no existe.")
		}
	}
}
