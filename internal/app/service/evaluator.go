package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/jose-valero/inactivity-bot/internal/domain"
	"github.com/jose-valero/inactivity-bot/internal/infra/cache"
	"github.com/jose-valero/inactivity-bot/internal/infra/config"
	"github.com/jose-valero/inactivity-bot/internal/infra/ratelimit"
	"github.com/jose-valero/inactivity-bot/internal/infra/storage"
)

// Nombres de los jobs periódicos en task_executions.
const (
	TaskInactivityCheck = "inactivity_check"
	TaskWarningSweep    = "warning_sweep"
	TaskLifecycleSweep  = "lifecycle_sweep"

	taskInterval  = 24 * time.Hour
	recheckPeriod = time.Hour
)

// sessionsWindow es el payload cacheado de sesiones: sólo sirve si cubre
// el intervalo pedido.
type sessionsWindow struct {
	Start    time.Time
	End      time.Time
	Sessions []domain.VoiceSession
}

// EvalResult: resultado estructurado de evaluate(). El core no formatea
// texto para usuarios; eso es del router.
type EvalResult struct {
	Skipped      bool
	Reason       string
	Status       domain.QuotaStatus
	RemovedRoles []string
}

// Evaluator corre el batch periódico de cumplimiento: evalúa el cupo de
// voz por ventana rodante, escala avisos y dispara remociones vía el
// dispatcher. Cada job recibe sus dependencias explícitas; nada global.
type Evaluator struct {
	settings   *config.Store
	sessions   SessionStore
	periods    PeriodStore
	warnings   WarningStore
	audit      AuditStore
	tasks      TaskStore
	directory  Directory
	dispatcher *Dispatcher
	gov        *ratelimit.Governor
	channels   NotifyChannels
	guildName  string
	retry      storage.RetryPolicy

	sessCache   *cache.Cache[sessionsWindow]
	statusCache *cache.Cache[domain.QuotaStatus]

	// inyectables en tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

type EvaluatorDeps struct {
	Settings   *config.Store
	Sessions   SessionStore
	Periods    PeriodStore
	Warnings   WarningStore
	Audit      AuditStore
	Tasks      TaskStore
	Directory  Directory
	Dispatcher *Dispatcher
	Governor   *ratelimit.Governor
	Channels   NotifyChannels
	GuildName  string
}

func NewEvaluator(d EvaluatorDeps) *Evaluator {
	return &Evaluator{
		settings:    d.Settings,
		sessions:    d.Sessions,
		periods:     d.Periods,
		warnings:    d.Warnings,
		audit:       d.Audit,
		tasks:       d.Tasks,
		directory:   d.Directory,
		dispatcher:  d.Dispatcher,
		gov:         d.Governor,
		channels:    d.Channels,
		guildName:   d.GuildName,
		retry:       storage.DefaultRetryPolicy(),
		sessCache:   cache.New[sessionsWindow](),
		statusCache: cache.New[domain.QuotaStatus](),
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Evaluate decide el cupo de un miembro para la ventana rodante vigente.
// La fila PeriodCheck y el RemovalEvent se escriben ANTES de encolar
// cualquier notificación: una notificación perdida nunca pierde la decisión.
func (e *Evaluator) Evaluate(ctx context.Context, m domain.Member) (EvalResult, error) {
	s := e.settings.Current()
	now := e.now()

	if s.IsWhitelisted(m.ID, m.Roles) {
		return EvalResult{Skipped: true, Reason: "whitelist"}, nil
	}
	held := s.TrackedHeld(m.Roles)
	if len(held) == 0 {
		return EvalResult{Skipped: true, Reason: "sin roles monitoreados"}, nil
	}

	last, found, err := e.lastPeriod(ctx, m)
	if err != nil {
		return EvalResult{}, fmt.Errorf("leyendo último period check de %s: %w", m.ID, err)
	}
	if !found {
		// primera vez que lo vemos: ventana de gracia hacia adelante,
		// sin enforcement hasta que cierre
		seed := domain.PeriodCheck{
			UserID:   m.ID,
			GuildID:  m.GuildID,
			Start:    now,
			End:      now.AddDate(0, 0, s.MonitoringPeriodDays),
			MeetsReq: true,
		}
		if err := e.upsertPeriod(ctx, seed); err != nil {
			return EvalResult{}, fmt.Errorf("sembrando primera ventana de %s: %w", m.ID, err)
		}
		return EvalResult{Skipped: true, Reason: "primera ventana sembrada", Status: statusFromPeriod(seed)}, nil
	}
	if now.Before(last.End) {
		// ventana abierta: ya fue evaluado, se re-evalúa cuando cierre
		return EvalResult{Skipped: true, Reason: "ventana abierta", Status: statusFromPeriod(last)}, nil
	}

	// La ventana vigente cerró: se evalúa con las sesiones reales, y detrás
	// cada período completo que haya pasado (catch-up tras una caída larga).
	// El fin de cada fila es el inicio de la siguiente; la ventana nunca se
	// recalcula hacia atrás desde "now".
	var res EvalResult
	start, end := last.Start, last.End
	for !now.Before(end) {
		status, err := e.quotaStatus(ctx, m, s, start, end)
		if err != nil {
			return EvalResult{}, err
		}
		pc := domain.PeriodCheck{
			UserID:   m.ID,
			GuildID:  m.GuildID,
			Start:    start,
			End:      end,
			MeetsReq: status.MeetsReq,
		}
		if err := e.upsertPeriod(ctx, pc); err != nil {
			return EvalResult{}, fmt.Errorf("guardando period check de %s: %w", m.ID, err)
		}
		res = EvalResult{Status: status}

		if !status.MeetsReq {
			if err := e.removeRoles(ctx, m, s, held, status, now); err != nil {
				return EvalResult{}, err
			}
			// sin roles monitoreados no se abre la ventana siguiente
			res.RemovedRoles = held
			return res, nil
		}
		start, end = end, end.AddDate(0, 0, s.MonitoringPeriodDays)
	}

	// siempre queda una ventana abierta hacia adelante, encadenada a la
	// última cerrada; el Warning Scheduler corre contra su cierre
	open := domain.PeriodCheck{
		UserID:   m.ID,
		GuildID:  m.GuildID,
		Start:    start,
		End:      end,
		MeetsReq: true,
	}
	if err := e.upsertPeriod(ctx, open); err != nil {
		return EvalResult{}, fmt.Errorf("abriendo la ventana siguiente de %s: %w", m.ID, err)
	}
	return res, nil
}

// removeRoles ejecuta el enforcement de un cupo no cumplido: la decisión
// durable primero, las notificaciones después.
func (e *Evaluator) removeRoles(ctx context.Context, m domain.Member, s config.Settings, held []string, status domain.QuotaStatus, now time.Time) error {
	err := storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		return e.audit.LogRemovedRoles(ctx, m.ID, m.GuildID, held, now)
	})
	if err != nil {
		return fmt.Errorf("registrando remoción de %s: %w", m.ID, err)
	}
	if err := e.recordWarning(ctx, m, domain.WarningFinal, now); err != nil {
		log.Printf("⚠️ no pude registrar aviso final de %s: %v", m.ID, err)
	}

	for _, roleID := range held {
		e.dispatcher.Enqueue(PriorityHigh, Request{
			Kind:    KindRemoveRole,
			GuildID: m.GuildID,
			UserID:  m.ID,
			RoleID:  roleID,
			Reason:  "inactividad: cupo de voz no cumplido",
		})
	}
	e.dispatcher.Enqueue(PriorityHigh, Request{
		Kind:    KindDirectMessage,
		GuildID: m.GuildID,
		UserID:  m.ID,
		Content: e.render(s.Messages.Final, s, 0),
	})
	e.notifyModChannel(fmt.Sprintf("❌ Roles removidos a <@%s> por inactividad (%d/%d días válidos en la ventana).",
		m.ID, status.ValidDays, s.RequiredDays))
	if e.channels.Notification != "" {
		e.dispatcher.Enqueue(PriorityNormal, Request{
			Kind:      KindChannelMessage,
			ChannelID: e.channels.Notification,
			Content:   fmt.Sprintf("ℹ️ <@%s> perdió sus cargos por inactividad en voz.", m.ID),
		})
	}

	e.invalidateUser(m.ID, m.GuildID)
	log.Printf("❌ cupo no cumplido por %s: removidos %d roles", m.ID, len(held))
	return nil
}

// CurrentStatus es la proyección read-only para /check: misma cuenta de
// días válidos sobre la ventana que termina ahora, pero jamás escribe
// filas ni dispara enforcement. No es segunda fuente de verdad.
func (e *Evaluator) CurrentStatus(ctx context.Context, m domain.Member) (domain.QuotaStatus, error) {
	s := e.settings.Current()
	now := e.now()

	key := cache.Key{UserID: m.ID, GuildID: m.GuildID, Class: cache.ClassUser}
	if st, ok := e.statusCache.Get(key); ok {
		return st, nil
	}

	end := now
	start := end.AddDate(0, 0, -s.MonitoringPeriodDays)
	st, err := e.quotaStatus(ctx, m, s, start, end)
	if err != nil {
		return domain.QuotaStatus{}, err
	}
	e.statusCache.Set(key, st)
	return st, nil
}

// WarningSweep manda el aviso que corresponda según cuánto le queda a la
// ventana vigente. El primer aviso siempre precede al segundo, y la
// monotonía sale sola del chequeo de existencia: con el segundo enviado,
// el primero ya ni se considera.
func (e *Evaluator) WarningSweep(ctx context.Context, m domain.Member) error {
	s := e.settings.Current()
	now := e.now()

	if s.IsWhitelisted(m.ID, m.Roles) || len(s.TrackedHeld(m.Roles)) == 0 {
		return nil
	}

	last, found, err := e.lastPeriod(ctx, m)
	if err != nil {
		return fmt.Errorf("leyendo baseline de avisos de %s: %w", m.ID, err)
	}
	if !found || !now.Before(last.End) {
		// sin baseline o ventana ya cerrada: lo resuelve Evaluate
		return nil
	}
	daysRemaining := int(last.End.Sub(now).Hours() / 24)
	if daysRemaining > s.FirstWarningDays {
		return nil
	}

	var stages map[domain.WarningStage]bool
	err = storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		stages, err = e.warnings.StagesInWindow(ctx, m.ID, m.GuildID, last.Start)
		return err
	})
	if err != nil {
		return fmt.Errorf("leyendo avisos previos de %s: %w", m.ID, err)
	}

	var stage domain.WarningStage
	var msg string
	switch {
	case !stages[domain.WarningFirst] && !stages[domain.WarningSecond]:
		stage, msg = domain.WarningFirst, s.Messages.First
	case daysRemaining <= s.SecondWarningDays && !stages[domain.WarningSecond]:
		stage, msg = domain.WarningSecond, s.Messages.Second
	default:
		return nil
	}

	if err := e.recordWarning(ctx, m, stage, now); err != nil {
		return fmt.Errorf("registrando aviso %s de %s: %w", stage, m.ID, err)
	}
	e.dispatcher.Enqueue(PriorityNormal, Request{
		Kind:    KindDirectMessage,
		GuildID: m.GuildID,
		UserID:  m.ID,
		Content: e.render(msg, s, daysRemaining),
	})
	log.Printf("⚠️ aviso %s encolado para %s (quedan %d días)", stage, m.ID, daysRemaining)
	return nil
}

// KickSweep expulsa a quien quedó sin ningún rol con peso hace más de
// kick_after_days. Regla simple por conteo de roles, independiente de la
// actividad de voz.
func (e *Evaluator) KickSweep(ctx context.Context, m domain.Member) error {
	s := e.settings.Current()
	if s.KickAfterDays <= 0 {
		return nil
	}
	if s.IsWhitelisted(m.ID, m.Roles) {
		return nil
	}
	// Roles no incluye @everyone: cualquier otro rol lo salva
	if len(m.Roles) > 0 {
		return nil
	}

	now := e.now()
	cutoff := now.AddDate(0, 0, -s.KickAfterDays)

	// desde cuándo está sin roles: la última remoción si la hay, si no
	// su fecha de ingreso
	baseline := m.JoinedAt
	lastRemoval, found, err := e.lastRemoval(ctx, m)
	if err != nil {
		return fmt.Errorf("leyendo última remoción de %s: %w", m.ID, err)
	}
	if found {
		baseline = lastRemoval
	}
	if baseline.IsZero() || baseline.After(cutoff) {
		return nil
	}

	lastKick, kicked, err := e.lastKick(ctx, m)
	if err != nil {
		return fmt.Errorf("leyendo última expulsión de %s: %w", m.ID, err)
	}
	if kicked && lastKick.After(cutoff) {
		return nil
	}

	reason := fmt.Sprintf("sin roles desde hace más de %d días", s.KickAfterDays)
	err = storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		return e.audit.LogKick(ctx, m.ID, m.GuildID, reason, now)
	})
	if err != nil {
		return fmt.Errorf("registrando expulsión de %s: %w", m.ID, err)
	}

	e.dispatcher.Enqueue(PriorityHigh, Request{
		Kind:    KindKick,
		GuildID: m.GuildID,
		UserID:  m.ID,
		Reason:  reason,
	})
	e.notifyModChannel(fmt.Sprintf("👢 <@%s> expulsado: %s.", m.ID, reason))
	log.Printf("👢 expulsión de %s encolada (%s)", m.ID, reason)
	return nil
}

// RunLoop revisa cada hora si algún job periódico ya cumplió su
// intervalo. La última corrida vive en task_executions: un reinicio no
// repite el batch del día.
func (e *Evaluator) RunLoop(ctx context.Context, guildID string) {
	log.Println("ℹ️ evaluator arriba")
	ticker := time.NewTicker(recheckPeriod)
	defer ticker.Stop()

	e.runDue(ctx, guildID)
	for {
		select {
		case <-ctx.Done():
			log.Println("ℹ️ evaluator abajo")
			return
		case <-ticker.C:
			e.runDue(ctx, guildID)
		}
	}
}

func (e *Evaluator) runDue(ctx context.Context, guildID string) {
	jobs := []struct {
		name string
		run  func(context.Context, string)
	}{
		{TaskInactivityCheck, e.evaluateBatch},
		{TaskWarningSweep, e.warningBatch},
		{TaskLifecycleSweep, e.kickBatch},
	}
	now := e.now()
	for _, job := range jobs {
		last, found, err := e.tasks.LastExecution(ctx, job.name)
		if err != nil {
			log.Printf("❌ leyendo última corrida de %s: %v", job.name, err)
			continue
		}
		if found && now.Sub(last) < taskInterval {
			continue
		}
		log.Printf("ℹ️ corriendo job %s", job.name)
		job.run(ctx, guildID)
		if err := e.tasks.LogExecution(ctx, job.name, e.now()); err != nil {
			log.Printf("❌ registrando corrida de %s: %v", job.name, err)
		}
	}
}

// Los batches contienen el fallo por miembro: uno que explote no frena a
// los demás. Entre miembros se respeta el backoff global del governor.
func (e *Evaluator) evaluateBatch(ctx context.Context, guildID string) {
	e.forEachMember(ctx, guildID, func(ctx context.Context, m domain.Member) error {
		_, err := e.Evaluate(ctx, m)
		return err
	})
}

func (e *Evaluator) warningBatch(ctx context.Context, guildID string) {
	e.forEachMember(ctx, guildID, e.WarningSweep)
}

func (e *Evaluator) kickBatch(ctx context.Context, guildID string) {
	e.forEachMember(ctx, guildID, e.KickSweep)
}

func (e *Evaluator) forEachMember(ctx context.Context, guildID string, fn func(context.Context, domain.Member) error) {
	members, err := e.directory.Members(guildID)
	if err != nil {
		log.Printf("❌ listando miembros de %s: %v", guildID, err)
		return
	}
	for _, m := range members {
		if ctx.Err() != nil {
			return
		}
		if d := e.gov.Delay(ratelimit.ClassGlobal); d > 0 {
			e.sleep(ctx, d)
		}
		if err := fn(ctx, m); err != nil {
			log.Printf("❌ miembro %s salteado: %v", m.ID, err)
		}
	}
}

// quotaStatus cuenta los días calendario distintos (en la tz de la
// comunidad) con al menos una sesión que llegue al mínimo.
func (e *Evaluator) quotaStatus(ctx context.Context, m domain.Member, s config.Settings, start, end time.Time) (domain.QuotaStatus, error) {
	sessions, err := e.sessionsInWindow(ctx, m, start, end)
	if err != nil {
		return domain.QuotaStatus{}, fmt.Errorf("leyendo sesiones de %s: %w", m.ID, err)
	}

	loc := s.Location()
	required := s.RequiredMinutes * 60
	days := map[string]bool{}
	for _, sess := range sessions {
		if sess.Duration < required {
			continue
		}
		days[sess.JoinTime.In(loc).Format("2006-01-02")] = true
	}

	return domain.QuotaStatus{
		UserID:      m.ID,
		GuildID:     m.GuildID,
		MeetsReq:    len(days) >= s.RequiredDays,
		ValidDays:   len(days),
		RequiredDay: s.RequiredDays,
		Sessions:    len(sessions),
		WindowStart: start,
		WindowEnd:   end,
	}, nil
}

// sessionsInWindow: un payload cacheado sólo sirve si cubre el intervalo
// pedido; si no, cae al Session Store y refresca.
func (e *Evaluator) sessionsInWindow(ctx context.Context, m domain.Member, start, end time.Time) ([]domain.VoiceSession, error) {
	key := cache.Key{UserID: m.ID, GuildID: m.GuildID, Class: cache.ClassUser}
	if w, ok := e.sessCache.Get(key); ok && !w.Start.After(start) && !w.End.Before(end) {
		var out []domain.VoiceSession
		for _, sess := range w.Sessions {
			if !sess.JoinTime.Before(start) && !sess.LeftTime.After(end) {
				out = append(out, sess)
			}
		}
		return out, nil
	}

	var sessions []domain.VoiceSession
	err := storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		sessions, err = e.sessions.SessionsBetween(ctx, m.ID, m.GuildID, start, end)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.sessCache.Set(key, sessionsWindow{Start: start, End: end, Sessions: sessions})
	return sessions, nil
}

func (e *Evaluator) lastPeriod(ctx context.Context, m domain.Member) (domain.PeriodCheck, bool, error) {
	var pc domain.PeriodCheck
	var found bool
	err := storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		pc, found, err = e.periods.Last(ctx, m.ID, m.GuildID)
		return err
	})
	return pc, found, err
}

func (e *Evaluator) upsertPeriod(ctx context.Context, pc domain.PeriodCheck) error {
	return storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		return e.periods.Upsert(ctx, pc)
	})
}

func (e *Evaluator) recordWarning(ctx context.Context, m domain.Member, stage domain.WarningStage, at time.Time) error {
	return storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		return e.warnings.Record(ctx, m.ID, m.GuildID, stage, at)
	})
}

// LastWarning: historial para /check.
func (e *Evaluator) LastWarning(ctx context.Context, m domain.Member) (domain.WarningStage, time.Time, bool, error) {
	var stage domain.WarningStage
	var at time.Time
	var found bool
	err := storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		stage, at, found, err = e.warnings.LastWarning(ctx, m.ID, m.GuildID)
		return err
	})
	return stage, at, found, err
}

func (e *Evaluator) lastRemoval(ctx context.Context, m domain.Member) (time.Time, bool, error) {
	var at time.Time
	var found bool
	err := storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		at, found, err = e.audit.LastRemoval(ctx, m.ID, m.GuildID)
		return err
	})
	return at, found, err
}

func (e *Evaluator) lastKick(ctx context.Context, m domain.Member) (time.Time, bool, error) {
	var at time.Time
	var found bool
	err := storage.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		at, found, err = e.audit.LastKick(ctx, m.ID, m.GuildID)
		return err
	})
	return at, found, err
}

func (e *Evaluator) invalidateUser(userID, guildID string) {
	e.sessCache.InvalidateUser(userID, guildID)
	e.statusCache.InvalidateUser(userID, guildID)
}

func (e *Evaluator) notifyModChannel(content string) {
	if e.channels.Log == "" {
		return
	}
	e.dispatcher.Enqueue(PriorityHigh, Request{
		Kind:      KindChannelMessage,
		ChannelID: e.channels.Log,
		Content:   content,
	})
}

// render reemplaza los placeholders de los templates de aviso.
func (e *Evaluator) render(tmpl string, s config.Settings, daysRemaining int) string {
	r := strings.NewReplacer(
		"{required_minutes}", strconv.Itoa(s.RequiredMinutes),
		"{required_days}", strconv.Itoa(s.RequiredDays),
		"{monitoring_period}", strconv.Itoa(s.MonitoringPeriodDays),
		"{days_remaining}", strconv.Itoa(daysRemaining),
		"{days}", strconv.Itoa(daysRemaining),
		"{guild}", e.guildName,
	)
	return r.Replace(tmpl)
}

func statusFromPeriod(pc domain.PeriodCheck) domain.QuotaStatus {
	return domain.QuotaStatus{
		UserID:      pc.UserID,
		GuildID:     pc.GuildID,
		MeetsReq:    pc.MeetsReq,
		WindowStart: pc.Start,
		WindowEnd:   pc.End,
	}
}
