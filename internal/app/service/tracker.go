package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jose-valero/inactivity-bot/internal/domain"
	"github.com/jose-valero/inactivity-bot/internal/infra/config"
	"github.com/jose-valero/inactivity-bot/internal/infra/storage"
)

const (
	eventQueueCap = 1000
	eventBatchMax = 10
	idlePoll      = 100 * time.Millisecond

	// con cuánta antigüedad estimamos una sesión descubierta en la
	// reconciliación post-reconexión
	reconcileBackdate = 5 * time.Minute
)

type sessionKey struct {
	userID  string
	guildID string
}

// activeSession es el estado en vuelo de alguien conectado a voz.
// mutedAccum acumula los tramos con audio apagado ya cerrados;
// si muted, hay un tramo abierto desde mutedSince.
type activeSession struct {
	start      time.Time
	muted      bool
	mutedSince time.Time
	mutedAccum time.Duration
}

// Tracker consume los PresenceEvent del gateway y los convierte en
// sesiones durables. Un solo consumidor: el estado en vuelo no necesita
// más que un mutex para los accesos externos (panel, reconciliación).
type Tracker struct {
	settings   *config.Store
	store      SessionStore
	dispatcher *Dispatcher
	channels   NotifyChannels
	retry      storage.RetryPolicy

	events chan domain.PresenceEvent

	mu      sync.Mutex
	active  map[sessionKey]*activeSession
	dropped int
}

func NewTracker(settings *config.Store, store SessionStore, disp *Dispatcher, channels NotifyChannels) *Tracker {
	return &Tracker{
		settings:   settings,
		store:      store,
		dispatcher: disp,
		channels:   channels,
		retry:      storage.DefaultRetryPolicy(),
		events:     make(chan domain.PresenceEvent, eventQueueCap),
		active:     map[sessionKey]*activeSession{},
	}
}

// HandleEvent encola sin bloquear: el gateway no puede quedar frenado
// por nosotros. Cola llena = evento más nuevo descartado, con warning.
func (t *Tracker) HandleEvent(ev domain.PresenceEvent) {
	select {
	case t.events <- ev:
	default:
		t.mu.Lock()
		t.dropped++
		n := t.dropped
		t.mu.Unlock()
		log.Printf("⚠️ cola de eventos llena, descartado voice event de %s (total descartados: %d)", ev.UserID, n)
	}
}

// Run drena la cola en batches: junta hasta eventBatchMax eventos ya
// encolados, los agrupa por usuario y los procesa en orden de llegada.
func (t *Tracker) Run(ctx context.Context) {
	log.Println("ℹ️ tracker de voz arriba")
	for {
		var first domain.PresenceEvent
		select {
		case <-ctx.Done():
			log.Println("ℹ️ tracker de voz abajo")
			return
		case first = <-t.events:
		case <-time.After(idlePoll):
			continue
		}

		batch := []domain.PresenceEvent{first}
	fill:
		for len(batch) < eventBatchMax {
			select {
			case ev := <-t.events:
				batch = append(batch, ev)
			default:
				break fill
			}
		}
		t.processBatch(ctx, batch)
	}
}

// processBatch agrupa por (user, guild) preservando el orden relativo
// de cada usuario; eventos de usuarios distintos son independientes.
func (t *Tracker) processBatch(ctx context.Context, batch []domain.PresenceEvent) {
	var order []sessionKey
	grouped := map[sessionKey][]domain.PresenceEvent{}
	for _, ev := range batch {
		k := sessionKey{ev.UserID, ev.GuildID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], ev)
	}
	for _, k := range order {
		for _, ev := range grouped[k] {
			t.processEvent(ctx, ev)
		}
	}
}

func (t *Tracker) processEvent(ctx context.Context, ev domain.PresenceEvent) {
	s := t.settings.Current()
	if s.IsWhitelisted(ev.UserID, ev.Roles) {
		return
	}

	// el canal de ausencia equivale a no estar en voz
	before := normalizeChannel(ev.BeforeChannel, s.AbsenceChannelID)
	after := normalizeChannel(ev.AfterChannel, s.AbsenceChannelID)
	k := sessionKey{ev.UserID, ev.GuildID}

	t.mu.Lock()
	st, open := t.active[k]
	t.mu.Unlock()

	switch {
	case before == "" && after == "":
		// p.ej. entró y salió del canal de ausencia: nada que contar
		log.Printf("ℹ️ voice event sin canal rastreable para %s, ignorado", ev.UserID)

	case before == "" && after != "":
		if open {
			// join duplicado (reconexión del gateway); conservamos la sesión
			return
		}
		st = &activeSession{start: ev.At, muted: ev.AfterMuted}
		if st.muted {
			st.mutedSince = ev.At
		}
		t.mu.Lock()
		t.active[k] = st
		t.mu.Unlock()
		t.persistJoin(ctx, ev)
		t.notifyActivity(fmt.Sprintf("🎧 <@%s> entró a voz.", ev.UserID))
		log.Printf("🎧 %s entró a voz en guild %s", ev.UserID, ev.GuildID)

	case before != "" && after == "":
		if !open {
			log.Printf("⚠️ leave sin sesión abierta para %s, descartado", ev.UserID)
			return
		}
		t.mu.Lock()
		delete(t.active, k)
		t.mu.Unlock()
		t.closeSession(ctx, ev, st)

	default:
		// sigue en voz: movimiento entre canales o toggle de mute
		if !open {
			// lo vimos por primera vez a mitad de sesión; abrimos acá
			st = &activeSession{start: ev.At, muted: ev.AfterMuted}
			if st.muted {
				st.mutedSince = ev.At
			}
			t.mu.Lock()
			t.active[k] = st
			t.mu.Unlock()
			return
		}
		t.applyMute(st, ev.AfterMuted, ev.At)
	}
}

func (t *Tracker) applyMute(st *activeSession, muted bool, at time.Time) {
	if muted == st.muted {
		return
	}
	if muted {
		st.muted = true
		st.mutedSince = at
		return
	}
	st.muted = false
	if d := at.Sub(st.mutedSince); d > 0 {
		st.mutedAccum += d
	}
}

// closeSession calcula la duración efectiva (pared menos muteado) y
// persiste sólo si llega al mínimo configurado.
func (t *Tracker) closeSession(ctx context.Context, ev domain.PresenceEvent, st *activeSession) {
	muted := st.mutedAccum
	if st.muted {
		if d := ev.At.Sub(st.mutedSince); d > 0 {
			muted += d
		}
	}
	effective := ev.At.Sub(st.start) - muted
	if effective < 0 {
		effective = 0
	}

	s := t.settings.Current()
	required := time.Duration(s.RequiredMinutes) * time.Minute
	if effective < required {
		log.Printf("ℹ️ sesión de %s demasiado corta (%s efectivos), no cuenta", ev.UserID, effective.Round(time.Second))
		return
	}

	session := domain.VoiceSession{
		UserID:   ev.UserID,
		GuildID:  ev.GuildID,
		JoinTime: st.start,
		LeftTime: ev.At,
		Duration: int(effective.Seconds()),
	}
	err := storage.WithRetry(ctx, t.retry, func(ctx context.Context) error {
		return t.store.CloseSession(ctx, session)
	})
	if err != nil {
		log.Printf("❌ no pude persistir sesión de %s: %v", ev.UserID, err)
		t.notifyStorageFailure(ev.UserID, err)
		return
	}
	t.notifyActivity(fmt.Sprintf("👋 <@%s> cerró sesión de voz: %s efectivos.", ev.UserID, effective.Round(time.Second)))
	log.Printf("✅ sesión de %s cerrada: %s efectivos", ev.UserID, effective.Round(time.Second))
}

// El registro rutinario de actividad va por la cola de prioridad baja:
// puede esperar detrás de avisos y remociones sin perder nada.
func (t *Tracker) notifyActivity(content string) {
	if t.channels.Log == "" {
		return
	}
	t.dispatcher.Enqueue(PriorityLow, Request{
		Kind:      KindChannelMessage,
		ChannelID: t.channels.Log,
		Content:   content,
	})
}

func (t *Tracker) persistJoin(ctx context.Context, ev domain.PresenceEvent) {
	err := storage.WithRetry(ctx, t.retry, func(ctx context.Context) error {
		return t.store.LogJoin(ctx, ev.UserID, ev.GuildID, ev.At)
	})
	if err != nil {
		log.Printf("❌ no pude registrar join de %s: %v", ev.UserID, err)
		t.notifyStorageFailure(ev.UserID, err)
	}
}

// Agotados los reintentos, avisamos al canal de moderación para que un
// humano sepa que se está perdiendo actividad.
func (t *Tracker) notifyStorageFailure(userID string, err error) {
	if t.channels.Log == "" {
		return
	}
	t.dispatcher.Enqueue(PriorityNormal, Request{
		Kind:      KindChannelMessage,
		ChannelID: t.channels.Log,
		Content:   fmt.Sprintf("⚠️ Fallo persistiendo actividad de voz de <@%s>: %v", userID, err),
	})
}

// Reconcile alinea el estado en vuelo con quiénes están realmente en voz.
// Se corre al (re)conectar el gateway: las sesiones fantasma se descartan
// sin persistir (no sabemos cuándo se fueron) y a los presentes sin sesión
// se les abre una con inicio estimado conservador.
func (t *Tracker) Reconcile(presences []VoicePresence, now time.Time) {
	s := t.settings.Current()
	present := map[sessionKey]VoicePresence{}
	for _, p := range presences {
		if p.ChannelID == "" || p.ChannelID == s.AbsenceChannelID {
			continue
		}
		if s.IsWhitelisted(p.UserID, p.Roles) {
			continue
		}
		present[sessionKey{p.UserID, p.GuildID}] = p
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.active {
		if _, ok := present[k]; !ok {
			delete(t.active, k)
			log.Printf("⚠️ sesión fantasma de %s descartada en reconciliación", k.userID)
		}
	}
	for k, p := range present {
		if _, ok := t.active[k]; ok {
			continue
		}
		st := &activeSession{start: now.Add(-reconcileBackdate), muted: p.Muted}
		if p.Muted {
			st.mutedSince = now
		}
		t.active[k] = st
		log.Printf("ℹ️ sesión de %s abierta por reconciliación (inicio estimado)", k.userID)
	}
}

func (t *Tracker) QueueDepth() int { return len(t.events) }

func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *Tracker) DroppedEvents() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func normalizeChannel(ch, absence string) string {
	if ch == absence {
		return ""
	}
	return ch
}
