package discord

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jose-valero/inactivity-bot/internal/app/service"
	"github.com/jose-valero/inactivity-bot/internal/domain"
	"github.com/jose-valero/inactivity-bot/internal/infra/cache"
	"github.com/jose-valero/inactivity-bot/internal/infra/config"
	"github.com/jose-valero/inactivity-bot/internal/infra/ratelimit"
	"github.com/jose-valero/inactivity-bot/internal/infra/storage"
)

type Router struct {
	s       *discordgo.Session
	guildID string

	settings  *config.Store
	tracker   *service.Tracker
	eval      *service.Evaluator
	restorer  *service.Restorer
	disp      *service.Dispatcher
	gov       *ratelimit.Governor
	directory *GuildDirectory
	activity  *storage.ActivityRepo
	db        *sql.DB

	adminRoleIDs []string
	clicks       *clickGuard

	rankingCache *cache.Cache[string]
}

type RouterDeps struct {
	Settings  *config.Store
	Tracker   *service.Tracker
	Evaluator *service.Evaluator
	Restorer  *service.Restorer
	Disp      *service.Dispatcher
	Governor  *ratelimit.Governor
	Directory *GuildDirectory
	Activity  *storage.ActivityRepo
	DB        *sql.DB
	AdminIDs  []string
}

func NewRouter(s *discordgo.Session, guildID string, d RouterDeps) *Router {
	return &Router{
		s:            s,
		guildID:      guildID,
		settings:     d.Settings,
		tracker:      d.Tracker,
		eval:         d.Evaluator,
		restorer:     d.Restorer,
		disp:         d.Disp,
		gov:          d.Governor,
		directory:    d.Directory,
		activity:     d.Activity,
		db:           d.DB,
		adminRoleIDs: d.AdminIDs,
		clicks:       newClickGuard(time.Second),
		rankingCache: cache.New[string](),
	}
}

func (r *Router) Register() error {
	appID := r.s.State.User.ID
	for _, cmd := range Commands {
		if _, err := r.s.ApplicationCommandCreate(appID, r.guildID, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) Handlers() {
	// Slash commands
	r.s.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		switch ic.Type {
		case discordgo.InteractionApplicationCommand:
		case discordgo.InteractionMessageComponent:
			r.handleMessageComponent(s, ic)
			return
		default:
			return
		}
		data := ic.ApplicationCommandData()
		log.Printf("slash: /%s by=%s guild=%s", data.Name, ic.Member.User.ID, ic.GuildID)

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic in slash /%s: %v", data.Name, rec)
				ReplyEphemeral(s, ic, "⚠️ Ocurrió un error inesperado.")
			}
		}()

		_ = DeferEphemeral(s, ic)
		ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
		defer cancel()

		switch data.Name {
		case "check":
			r.handleCheck(ctx, s, ic)
		case "forcecheck":
			r.handleForceCheck(ctx, s, ic)
		case "devolver_cargos":
			r.handleRestore(ctx, s, ic)
		case "whitelist":
			r.handleWhitelist(s, ic)
		case "ranking":
			r.handleRanking(ctx, s, ic)
		case "cleanup":
			r.handleCleanup(ctx, s, ic)
		case "status":
			r.handleStatus(s, ic)
		}
	})

	// VoiceStateUpdate → evento crudo hacia el tracker (nunca bloquea)
	r.s.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		if vs.GuildID != r.guildID {
			return
		}
		ev := domain.PresenceEvent{
			UserID:       vs.UserID,
			GuildID:      vs.GuildID,
			AfterChannel: vs.ChannelID,
			AfterMuted:   vs.Deaf || vs.SelfDeaf,
			At:           time.Now(),
		}
		if vs.BeforeUpdate != nil {
			ev.BeforeChannel = vs.BeforeUpdate.ChannelID
			ev.BeforeMuted = vs.BeforeUpdate.Deaf || vs.BeforeUpdate.SelfDeaf
		}
		if vs.Member != nil {
			ev.Roles = vs.Member.Roles
		} else if m, _, err := r.directory.Member(vs.GuildID, vs.UserID); err == nil {
			ev.Roles = m.Roles
		}
		r.tracker.HandleEvent(ev)
	})

	// Ready → reconciliar el estado en vuelo con quiénes están en voz
	r.s.AddHandler(func(s *discordgo.Session, _ *discordgo.Ready) {
		presences, err := r.directory.VoicePresences(r.guildID)
		if err != nil {
			log.Printf("⚠️ no pude reconciliar voice states: %v", err)
			return
		}
		r.tracker.Reconcile(presences, time.Now())
		log.Printf("✅ voice states reconciliados (%d en voz)", len(presences))
	})
}

func (r *Router) handleCheck(ctx context.Context, s *discordgo.Session, ic *discordgo.InteractionCreate) {
	target := ic.Member.User.ID
	if uid, ok := optUser(ic, "miembro"); ok {
		if uid != target && !r.requireAdminOrRoles(s, ic) {
			return
		}
		target = uid
	}
	m, found, err := r.directory.Member(ic.GuildID, target)
	if err != nil || !found {
		ReplyEphemeral(s, ic, "⚠️ No encontré a ese miembro.")
		return
	}
	st, err := r.eval.CurrentStatus(ctx, m)
	if err != nil {
		ReplyEphemeral(s, ic, "⚠️ No pude consultar la actividad: "+err.Error())
		return
	}
	msg := formatStatus(m, st, r.settings.Current())
	if stage, at, found, err := r.eval.LastWarning(ctx, m); err == nil && found {
		msg += fmt.Sprintf("\n• último aviso: %s (<t:%d:R>)", stage, at.Unix())
	}
	ReplyEphemeral(s, ic, msg)
}

func (r *Router) handleForceCheck(ctx context.Context, s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if !r.requireAdminOrRoles(s, ic) {
		return
	}
	uid, ok := optUser(ic, "miembro")
	if !ok {
		ReplyEphemeral(s, ic, "⚠️ Falta el miembro.")
		return
	}
	m, found, err := r.directory.Member(ic.GuildID, uid)
	if err != nil || !found {
		ReplyEphemeral(s, ic, "⚠️ No encontré a ese miembro.")
		return
	}
	res, err := r.eval.Evaluate(ctx, m)
	if err != nil {
		ReplyEphemeral(s, ic, "⚠️ La evaluación falló: "+err.Error())
		return
	}
	if res.Skipped {
		ReplyEphemeral(s, ic, "ℹ️ Evaluación salteada: "+res.Reason)
		return
	}
	if len(res.RemovedRoles) > 0 {
		ReplyEphemeral(s, ic, fmt.Sprintf("❌ Cupo no cumplido (%d/%d días válidos). Removidos %d roles.",
			res.Status.ValidDays, res.Status.RequiredDay, len(res.RemovedRoles)))
		return
	}
	ReplyEphemeral(s, ic, fmt.Sprintf("✅ Cupo cumplido: %d/%d días válidos.", res.Status.ValidDays, res.Status.RequiredDay))
}

func (r *Router) handleRestore(ctx context.Context, s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if !r.requireAdminOrRoles(s, ic) {
		return
	}
	hours := 24
	if h, ok := optInt(ic, "horas"); ok && h > 0 {
		hours = h
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	plan, err := r.restorer.Prepare(ctx, ic.GuildID, since)
	if err != nil {
		ReplyEphemeral(s, ic, "⚠️ No pude armar el plan: "+err.Error())
		return
	}
	if len(plan.Entries) == 0 {
		ReplyEphemeral(s, ic, fmt.Sprintf("ℹ️ Sin remociones en las últimas %d horas.", hours))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Devolución de cargos** (últimas %d horas)\n", hours)
	for _, e := range plan.Entries {
		fmt.Fprintf(&b, "• <@%s>: %d rol(es)\n", e.UserID, len(e.RoleIDs))
	}
	fmt.Fprintf(&b, "\nTotal: %d roles para %d miembros. Tenés 3 minutos para confirmar.", plan.TotalRoles(), len(plan.Entries))

	row := discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{Label: "Confirmar", Style: discordgo.SuccessButton, CustomID: "restore_confirm:" + plan.ID.String()},
		discordgo.Button{Label: "Cancelar", Style: discordgo.DangerButton, CustomID: "restore_cancel:" + plan.ID.String()},
	}}
	ReplyEphemeral(s, ic, b.String(), row)
}

func (r *Router) handleWhitelist(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if !r.requireAdminOrRoles(s, ic) {
		return
	}
	sub, ok := subcmdName(ic)
	if !ok {
		ReplyEphemeral(s, ic, "Usa `/whitelist add`, `/whitelist remove` o `/whitelist show`.")
		return
	}
	switch sub {
	case "add":
		uid, _ := optUser(ic, "miembro")
		err := r.settings.Update(func(st *config.Settings) {
			for _, id := range st.WhitelistUserIDs {
				if id == uid {
					return
				}
			}
			// nunca mutar el slice compartido con los snapshots en curso
			next := make([]string, 0, len(st.WhitelistUserIDs)+1)
			next = append(next, st.WhitelistUserIDs...)
			st.WhitelistUserIDs = append(next, uid)
		})
		if err != nil {
			ReplyEphemeral(s, ic, "⚠️ No pude actualizar: "+err.Error())
			return
		}
		ReplyEphemeral(s, ic, fmt.Sprintf("✅ <@%s> agregado a la whitelist.", uid))
	case "remove":
		uid, _ := optUser(ic, "miembro")
		err := r.settings.Update(func(st *config.Settings) {
			out := make([]string, 0, len(st.WhitelistUserIDs))
			for _, id := range st.WhitelistUserIDs {
				if id != uid {
					out = append(out, id)
				}
			}
			st.WhitelistUserIDs = out
		})
		if err != nil {
			ReplyEphemeral(s, ic, "⚠️ No pude actualizar: "+err.Error())
			return
		}
		ReplyEphemeral(s, ic, fmt.Sprintf("✅ <@%s> fuera de la whitelist.", uid))
	case "show":
		st := r.settings.Current()
		if len(st.WhitelistUserIDs) == 0 && len(st.WhitelistRoleIDs) == 0 {
			ReplyEphemeral(s, ic, "ℹ️ Whitelist vacía.")
			return
		}
		var b strings.Builder
		b.WriteString("**Whitelist**\n")
		for _, id := range st.WhitelistUserIDs {
			fmt.Fprintf(&b, "• <@%s>\n", id)
		}
		for _, id := range st.WhitelistRoleIDs {
			fmt.Fprintf(&b, "• rol <@&%s>\n", id)
		}
		ReplyEphemeral(s, ic, b.String())
	}
}

func (r *Router) handleRanking(ctx context.Context, s *discordgo.Session, ic *discordgo.InteractionCreate) {
	key := cache.Key{GuildID: ic.GuildID, Class: cache.ClassGuild}
	if msg, ok := r.rankingCache.Get(key); ok {
		ReplyEphemeral(s, ic, msg)
		return
	}
	top, err := r.activity.TopByVoiceTime(ctx, ic.GuildID, 10)
	if err != nil {
		ReplyEphemeral(s, ic, "⚠️ No pude leer el ranking: "+err.Error())
		return
	}
	if len(top) == 0 {
		ReplyEphemeral(s, ic, "ℹ️ Todavía no hay actividad registrada.")
		return
	}
	var b strings.Builder
	b.WriteString("🏆 **Top de actividad de voz**\n")
	for i, t := range top {
		fmt.Fprintf(&b, "%2d) <@%s> — %s en %d sesiones\n", i+1, t.UserID, fmtDuration(t.TotalSeconds), t.SessionCount)
	}
	msg := b.String()
	r.rankingCache.Set(key, msg)
	ReplyEphemeral(s, ic, msg)
}

func (r *Router) handleCleanup(ctx context.Context, s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if !r.requireAdminOrRoles(s, ic) {
		return
	}
	days := 60
	if d, ok := optInt(ic, "dias"); ok && d > 0 {
		days = d
	}
	res, err := storage.PruneOldData(ctx, r.db, time.Duration(days)*24*time.Hour)
	if err != nil {
		ReplyEphemeral(s, ic, "⚠️ La limpieza falló: "+err.Error())
		return
	}
	ReplyEphemeral(s, ic, fmt.Sprintf(
		"🧹 Limpieza (más de %d días): %d sesiones, %d avisos, %d períodos, %d remociones.",
		days, res.Sessions, res.Warnings, res.Periods, res.Removals))
}

func (r *Router) handleStatus(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if !r.requireAdminOrRoles(s, ic) {
		return
	}
	var b strings.Builder
	b.WriteString("**Estado interno**\n")
	fmt.Fprintf(&b, "• eventos de voz en cola: %d (descartados: %d)\n", r.tracker.QueueDepth(), r.tracker.DroppedEvents())
	fmt.Fprintf(&b, "• sesiones activas: %d\n", r.tracker.ActiveSessions())
	depths := r.disp.QueueDepths()
	fmt.Fprintf(&b, "• dispatcher: high=%d normal=%d low=%d\n", depths["high"], depths["normal"], depths["low"])

	ps := storage.Stats(r.db)
	fmt.Fprintf(&b, "• pool: %d/%d en uso, %d idle\n", ps.InUse, ps.MaxOpen, ps.Idle)

	snaps := r.gov.Snapshots()
	if len(snaps) == 0 {
		b.WriteString("• throttling: sin hits\n")
	}
	for _, sn := range snaps {
		fmt.Fprintf(&b, "• throttling %s: %d hits (racha %d, backoff %s)\n", sn.Class, sn.TotalHits, sn.Consecutive, sn.Backoff)
	}
	ReplyEphemeral(s, ic, b.String())
}

func formatStatus(m domain.Member, st domain.QuotaStatus, cfg config.Settings) string {
	verdict := "❌ no cumple"
	if st.MeetsReq {
		verdict = "✅ cumple"
	}
	return fmt.Sprintf(
		"**Actividad de %s**\n• días válidos: %d/%d (mínimo %d min por sesión)\n• sesiones en la ventana: %d\n• ventana: <t:%d:d> → <t:%d:d>\n• veredicto: %s",
		m.DisplayName, st.ValidDays, cfg.RequiredDays, cfg.RequiredMinutes,
		st.Sessions, st.WindowStart.Unix(), st.WindowEnd.Unix(), verdict,
	)
}
