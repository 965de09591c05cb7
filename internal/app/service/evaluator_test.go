package service

import (
	"context"
	"testing"
	"time"

	"github.com/jose-valero/inactivity-bot/internal/domain"
	"github.com/jose-valero/inactivity-bot/internal/infra/config"
)

type evalFixture struct {
	eval     *Evaluator
	sessions *fakeSessionStore
	periods  *fakePeriodStore
	warnings *fakeWarningStore
	audit    *fakeAuditStore
	tasks    *fakeTaskStore
	sink     *recordingSink
	disp     *Dispatcher
}

func newEvalFixture(settings *config.Store, now time.Time) *evalFixture {
	f := &evalFixture{
		sessions: &fakeSessionStore{},
		periods:  &fakePeriodStore{},
		warnings: &fakeWarningStore{},
		audit:    &fakeAuditStore{},
		tasks:    &fakeTaskStore{},
		sink:     &recordingSink{},
	}
	f.disp, _ = testDispatcher(f.sink, 3)
	f.eval = NewEvaluator(EvaluatorDeps{
		Settings:   settings,
		Sessions:   f.sessions,
		Periods:    f.periods,
		Warnings:   f.warnings,
		Audit:      f.audit,
		Tasks:      f.tasks,
		Directory:  &fakeDirectory{},
		Dispatcher: f.disp,
		Governor:   f.disp.gov,
		Channels:   NotifyChannels{Log: "mod-channel"},
		GuildName:  "Guild de Prueba",
	})
	f.eval.now = func() time.Time { return now }
	f.eval.sleep = func(context.Context, time.Duration) {}
	return f
}

func trackedMember() domain.Member {
	return domain.Member{ID: "u1", GuildID: "g1", DisplayName: "u1", Roles: []string{"role-a"}}
}

// sesión que cuenta como día válido (>= 15min)
func qualifyingSession(day time.Time) domain.VoiceSession {
	return domain.VoiceSession{
		UserID: "u1", GuildID: "g1",
		JoinTime: day, LeftTime: day.Add(20 * time.Minute), Duration: 1200,
	}
}

// baseline con la ventana vigente recién cerrada, para que Evaluate avance
func closedBaseline(f *evalFixture, now time.Time) {
	f.periods.rows = append(f.periods.rows, domain.PeriodCheck{
		UserID: "u1", GuildID: "g1",
		Start: now.AddDate(0, 0, -14), End: now, MeetsReq: true,
	})
}

func TestEvaluateSeedsFirstWindow(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)

	res, err := f.eval.Evaluate(context.Background(), trackedMember())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("la primera evaluación siembra la ventana y saltea")
	}
	if f.periods.upserts != 1 {
		t.Fatalf("esperaba 1 upsert de siembra, hubo %d", f.periods.upserts)
	}
	pc := f.periods.rows[0]
	if !pc.End.Equal(t0.AddDate(0, 0, 14)) {
		t.Errorf("la ventana sembrada debe cerrar en 14 días, cierra en %s", pc.End)
	}
	if len(f.audit.removals) != 0 {
		t.Error("la siembra nunca dispara enforcement")
	}
}

func TestEvaluateSkipsOpenWindowIdempotently(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	f.periods.rows = append(f.periods.rows, domain.PeriodCheck{
		UserID: "u1", GuildID: "g1",
		Start: t0.AddDate(0, 0, -7), End: t0.AddDate(0, 0, 7), MeetsReq: true,
	})

	for i := 0; i < 2; i++ {
		res, err := f.eval.Evaluate(context.Background(), trackedMember())
		if err != nil {
			t.Fatal(err)
		}
		if !res.Skipped || res.Reason != "ventana abierta" {
			t.Fatalf("iteración %d: esperaba skip por ventana abierta, fue %+v", i, res)
		}
	}
	if f.periods.upserts != 0 {
		t.Errorf("una ventana abierta no escribe filas nuevas, hubo %d upserts", f.periods.upserts)
	}
	if len(f.audit.removals) != 0 {
		t.Error("una ventana abierta no dispara enforcement")
	}
}

func TestEvaluateQuotaMet(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	closedBaseline(f, t0)
	// dos días distintos con sesión válida
	f.sessions.sessions = []domain.VoiceSession{
		qualifyingSession(t0.AddDate(0, 0, -3)),
		qualifyingSession(t0.AddDate(0, 0, -5)),
	}

	res, err := f.eval.Evaluate(context.Background(), trackedMember())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || !res.Status.MeetsReq {
		t.Fatalf("esperaba cupo cumplido, fue %+v", res)
	}
	if res.Status.ValidDays != 2 {
		t.Errorf("días válidos = %d, esperaba 2", res.Status.ValidDays)
	}
	if len(f.audit.removals) != 0 || len(res.RemovedRoles) != 0 {
		t.Error("cupo cumplido no remueve roles")
	}

	// el veredicto cierra la ventana y abre la siguiente, encadenada
	if f.periods.upserts != 2 {
		t.Fatalf("esperaba 2 upserts (veredicto + ventana siguiente), hubo %d", f.periods.upserts)
	}
	open := f.periods.rows[len(f.periods.rows)-1]
	if !open.Start.Equal(t0) || !open.End.Equal(t0.AddDate(0, 0, 14)) {
		t.Errorf("la ventana siguiente debe ser [t0, t0+14], es [%s, %s]", open.Start, open.End)
	}
}

// Una corrida diaria no re-evalúa mientras la ventana siga abierta, y el
// Warning Scheduler sigue teniendo ventana contra la cual avisar.
func TestEvaluateChainsWindowsAcrossDailyRuns(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	closedBaseline(f, t0)
	f.sessions.sessions = []domain.VoiceSession{
		qualifyingSession(t0.AddDate(0, 0, -3)),
		qualifyingSession(t0.AddDate(0, 0, -5)),
	}

	if _, err := f.eval.Evaluate(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	upserts := f.periods.upserts

	// al día siguiente la ventana [t0, t0+14] sigue abierta: no se escribe nada
	f.eval.now = func() time.Time { return t0.AddDate(0, 0, 1) }
	res, err := f.eval.Evaluate(context.Background(), trackedMember())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Reason != "ventana abierta" {
		t.Fatalf("la corrida diaria debe saltearse con la ventana abierta, fue %+v", res)
	}
	if f.periods.upserts != upserts {
		t.Errorf("upserts %d -> %d: la corrida diaria no re-evalúa la ventana abierta", upserts, f.periods.upserts)
	}

	// a 1 día del cierre el barrido de avisos sigue vivo
	f.eval.now = func() time.Time { return t0.AddDate(0, 0, 13) }
	if err := f.eval.WarningSweep(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	if len(f.warnings.recorded) == 0 {
		t.Error("con la ventana abierta por cerrar debe emitirse un aviso")
	}
}

// Tras una caída larga se evalúa cada período completo transcurrido, en
// orden, con el fin de cada fila como inicio de la siguiente.
func TestEvaluateCatchesUpElapsedWindows(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	// la ventana vigente cerró hace 28 días: hay 3 períodos cerrados
	f.periods.rows = append(f.periods.rows, domain.PeriodCheck{
		UserID: "u1", GuildID: "g1",
		Start: t0.AddDate(0, 0, -42), End: t0.AddDate(0, 0, -28), MeetsReq: true,
	})
	// cupo cumplido en los tres períodos
	f.sessions.sessions = []domain.VoiceSession{
		qualifyingSession(t0.AddDate(0, 0, -41)), qualifyingSession(t0.AddDate(0, 0, -40)),
		qualifyingSession(t0.AddDate(0, 0, -27)), qualifyingSession(t0.AddDate(0, 0, -26)),
		qualifyingSession(t0.AddDate(0, 0, -13)), qualifyingSession(t0.AddDate(0, 0, -12)),
	}

	res, err := f.eval.Evaluate(context.Background(), trackedMember())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped || len(res.RemovedRoles) != 0 {
		t.Fatalf("cupo cumplido en todos los períodos, fue %+v", res)
	}
	// 3 veredictos + la ventana abierta
	if f.periods.upserts != 4 {
		t.Fatalf("esperaba 4 upserts, hubo %d", f.periods.upserts)
	}
	for i := 1; i < len(f.periods.rows); i++ {
		if !f.periods.rows[i].Start.Equal(f.periods.rows[i-1].End) {
			t.Errorf("fila %d: inicio %s no encadena con el fin anterior %s",
				i, f.periods.rows[i].Start, f.periods.rows[i-1].End)
		}
	}
	open := f.periods.rows[len(f.periods.rows)-1]
	if !open.End.After(t0) {
		t.Errorf("la última fila debe ser una ventana abierta, cierra en %s", open.End)
	}
}

func TestEvaluateQuotaNotMetRemovesRoles(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	closedBaseline(f, t0)
	// un solo día válido con required_days=2
	f.sessions.sessions = []domain.VoiceSession{qualifyingSession(t0.AddDate(0, 0, -3))}

	res, err := f.eval.Evaluate(context.Background(), trackedMember())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status.MeetsReq {
		t.Fatal("1 día válido de 2 requeridos no cumple")
	}
	if len(res.RemovedRoles) != 1 || res.RemovedRoles[0] != "role-a" {
		t.Fatalf("roles removidos = %v, esperaba [role-a]", res.RemovedRoles)
	}

	// la decisión queda durable antes de cualquier notificación
	if len(f.audit.removals) != 1 {
		t.Fatalf("esperaba 1 RemovalEvent, hubo %d", len(f.audit.removals))
	}
	if last := f.periods.rows[len(f.periods.rows)-1]; last.MeetsReq {
		t.Error("el period check debe registrar el cupo no cumplido")
	}
	// sin roles monitoreados no se abre la ventana siguiente
	if f.periods.upserts != 1 {
		t.Errorf("esperaba sólo el veredicto, hubo %d upserts", f.periods.upserts)
	}

	drainAll(f.disp)
	var roleRemovals, dms, modMsgs int
	for _, req := range f.sink.requests() {
		switch {
		case req.Kind == KindRemoveRole:
			roleRemovals++
		case req.Kind == KindDirectMessage:
			dms++
		case req.Kind == KindChannelMessage && req.ChannelID == "mod-channel":
			modMsgs++
		}
	}
	if roleRemovals != 1 || dms != 1 || modMsgs != 1 {
		t.Errorf("entregas = remoción:%d dm:%d mod:%d, esperaba 1/1/1", roleRemovals, dms, modMsgs)
	}
}

func TestEvaluateSkipsWhitelistAndUntracked(t *testing.T) {
	s := config.Defaults()
	s.TrackedRoleIDs = []string{"role-a"}
	s.WhitelistUserIDs = []string{"vip"}
	st, _ := config.NewStore(s)
	f := newEvalFixture(st, t0)

	res, _ := f.eval.Evaluate(context.Background(), domain.Member{ID: "vip", GuildID: "g1", Roles: []string{"role-a"}})
	if !res.Skipped {
		t.Error("whitelisteado debe saltearse")
	}
	res, _ = f.eval.Evaluate(context.Background(), domain.Member{ID: "u2", GuildID: "g1", Roles: []string{"otro"}})
	if !res.Skipped {
		t.Error("sin roles monitoreados debe saltearse")
	}
	if f.periods.upserts != 0 {
		t.Errorf("los salteos no escriben filas, hubo %d", f.periods.upserts)
	}
}

func TestWarningSweepFirstStage(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	// ventana abierta que cierra en 2 días: entra en territorio del primer aviso (3)
	f.periods.rows = append(f.periods.rows, domain.PeriodCheck{
		UserID: "u1", GuildID: "g1",
		Start: t0.AddDate(0, 0, -12), End: t0.AddDate(0, 0, 2),
	})

	if err := f.eval.WarningSweep(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	if len(f.warnings.recorded) != 1 || f.warnings.recorded[0] != domain.WarningFirst {
		t.Fatalf("esperaba [first], hubo %v", f.warnings.recorded)
	}

	// re-correr no duplica: el registro ya existe
	if err := f.eval.WarningSweep(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	if len(f.warnings.recorded) != 1 {
		t.Errorf("el barrido es idempotente, hubo %v", f.warnings.recorded)
	}
}

// Aunque la ventana se note recién en territorio del segundo aviso, el
// primero sale antes; el segundo recién cuando el primero ya existe.
func TestWarningSweepFirstPrecedesSecond(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	// queda 1 día: dentro del umbral del segundo aviso (1)
	f.periods.rows = append(f.periods.rows, domain.PeriodCheck{
		UserID: "u1", GuildID: "g1",
		Start: t0.AddDate(0, 0, -13), End: t0.AddDate(0, 0, 1),
	})

	if err := f.eval.WarningSweep(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	if len(f.warnings.recorded) != 1 || f.warnings.recorded[0] != domain.WarningFirst {
		t.Fatalf("sin avisos previos corresponde 'first' aunque quede 1 día, hubo %v", f.warnings.recorded)
	}

	// con el primero registrado, la siguiente pasada emite el segundo
	if err := f.eval.WarningSweep(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	want := []domain.WarningStage{domain.WarningFirst, domain.WarningSecond}
	if len(f.warnings.recorded) != 2 || f.warnings.recorded[1] != want[1] {
		t.Fatalf("esperaba %v, hubo %v", want, f.warnings.recorded)
	}
}

func TestWarningSweepMonotonicity(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	// quedan 0 días: territorio del segundo aviso
	f.periods.rows = append(f.periods.rows, domain.PeriodCheck{
		UserID: "u1", GuildID: "g1",
		Start: t0.AddDate(0, 0, -14), End: t0.Add(12 * time.Hour),
	})
	// el segundo ya fue enviado en esta ventana
	f.warnings.stages = map[domain.WarningStage]bool{domain.WarningSecond: true}

	if err := f.eval.WarningSweep(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	if len(f.warnings.recorded) != 0 {
		t.Errorf("con el segundo aviso enviado no se emite nada más (ni first): %v", f.warnings.recorded)
	}
}

func TestWarningSweepFarFromDeadlineDoesNothing(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	f.periods.rows = append(f.periods.rows, domain.PeriodCheck{
		UserID: "u1", GuildID: "g1",
		Start: t0, End: t0.AddDate(0, 0, 10),
	})

	if err := f.eval.WarningSweep(context.Background(), trackedMember()); err != nil {
		t.Fatal(err)
	}
	if len(f.warnings.recorded) != 0 {
		t.Errorf("a 10 días del cierre no corresponde aviso: %v", f.warnings.recorded)
	}
}

func TestKickSweepExpelsLongRolelessMember(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	m := domain.Member{ID: "u9", GuildID: "g1", JoinedAt: t0.AddDate(0, 0, -60)}

	if err := f.eval.KickSweep(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if len(f.audit.kicks) != 1 {
		t.Fatalf("esperaba 1 expulsión auditada, hubo %d", len(f.audit.kicks))
	}
	drainAll(f.disp)
	var kicked bool
	for _, req := range f.sink.requests() {
		if req.Kind == KindKick && req.UserID == "u9" {
			kicked = true
		}
	}
	if !kicked {
		t.Error("la expulsión debe pasar por el dispatcher")
	}
}

func TestKickSweepGuards(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	ctx := context.Background()

	// con cualquier rol no se expulsa
	_ = f.eval.KickSweep(ctx, domain.Member{ID: "u1", GuildID: "g1", Roles: []string{"x"}, JoinedAt: t0.AddDate(0, 0, -60)})
	// recién llegado tampoco
	_ = f.eval.KickSweep(ctx, domain.Member{ID: "u2", GuildID: "g1", JoinedAt: t0.AddDate(0, 0, -5)})
	if len(f.audit.kicks) != 0 {
		t.Fatalf("no debería expulsarse a nadie, hubo %v", f.audit.kicks)
	}

	// ya expulsado dentro de la ventana: no se repite
	f.audit.hasKicked = true
	f.audit.lastKick = t0.AddDate(0, 0, -2)
	_ = f.eval.KickSweep(ctx, domain.Member{ID: "u3", GuildID: "g1", JoinedAt: t0.AddDate(0, 0, -90)})
	if len(f.audit.kicks) != 0 {
		t.Errorf("expulsado hace 2 días no se re-expulsa, hubo %v", f.audit.kicks)
	}
}

func TestCurrentStatusIsReadOnly(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)
	f.sessions.sessions = []domain.VoiceSession{qualifyingSession(t0.AddDate(0, 0, -3))}

	st, err := f.eval.CurrentStatus(context.Background(), trackedMember())
	if err != nil {
		t.Fatal(err)
	}
	if st.ValidDays != 1 || st.MeetsReq {
		t.Errorf("proyección = %+v, esperaba 1 día válido sin cumplir", st)
	}
	if f.periods.upserts != 0 || len(f.audit.removals) != 0 {
		t.Error("la proyección jamás escribe ni dispara enforcement")
	}

	// segunda lectura sale de cache
	f.sessions.sessions = nil
	st2, err := f.eval.CurrentStatus(context.Background(), trackedMember())
	if err != nil {
		t.Fatal(err)
	}
	if st2.ValidDays != 1 {
		t.Errorf("la segunda lectura debe salir de cache, fue %+v", st2)
	}
}

func TestRunDueExecutesOncePerInterval(t *testing.T) {
	f := newEvalFixture(testSettings(), t0)

	f.eval.runDue(context.Background(), "g1")
	if len(f.tasks.runs) != 3 {
		t.Fatalf("esperaba 3 jobs registrados, hubo %d", len(f.tasks.runs))
	}
	first := f.tasks.runs[TaskInactivityCheck]

	// una hora después todavía no corresponde re-correr
	f.eval.now = func() time.Time { return t0.Add(time.Hour) }
	f.eval.runDue(context.Background(), "g1")
	if !f.tasks.runs[TaskInactivityCheck].Equal(first) {
		t.Error("dentro del intervalo el job no se repite")
	}

	// pasado el día, sí
	f.eval.now = func() time.Time { return t0.Add(25 * time.Hour) }
	f.eval.runDue(context.Background(), "g1")
	if f.tasks.runs[TaskInactivityCheck].Equal(first) {
		t.Error("cumplido el intervalo el job debe volver a correr")
	}
}
