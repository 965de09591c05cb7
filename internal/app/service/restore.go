package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jose-valero/inactivity-bot/internal/domain"
	"github.com/jose-valero/inactivity-bot/internal/infra/storage"
)

const planTimeout = 180 * time.Second

var (
	ErrPlanNotFound = errors.New("plan de restauración inexistente")
	ErrPlanExpired  = errors.New("plan de restauración vencido")
)

// RestoreEntry: un participante y la unión de roles que se le devolverían.
type RestoreEntry struct {
	UserID  string
	RoleIDs []string
}

// RestorePlan es el artefacto de confirmación en dos pasos: se arma con
// Prepare, se muestra al admin, y vence solo a los 180s si nadie lo
// confirma ni lo cancela. Mientras no se confirme, no muta nada.
type RestorePlan struct {
	ID        uuid.UUID
	GuildID   string
	Since     time.Time
	Entries   []RestoreEntry
	CreatedAt time.Time
}

func (p *RestorePlan) TotalRoles() int {
	n := 0
	for _, e := range p.Entries {
		n += len(e.RoleIDs)
	}
	return n
}

// RestoreSummary resume lo que la confirmación encoló.
type RestoreSummary struct {
	BatchID        uuid.UUID
	Members        int
	RolesQueued    int
	SkippedHeld    int
	MissingMembers int
}

// Restorer implementa el deshacer de remociones: junta los RemovalEvent
// de una ventana y, previa confirmación humana, devuelve los roles.
type Restorer struct {
	audit      AuditStore
	directory  Directory
	dispatcher *Dispatcher
	channels   NotifyChannels
	retry      storage.RetryPolicy

	mu    sync.Mutex
	plans map[uuid.UUID]*RestorePlan

	now func() time.Time
}

func NewRestorer(audit AuditStore, dir Directory, disp *Dispatcher, channels NotifyChannels) *Restorer {
	return &Restorer{
		audit:      audit,
		directory:  dir,
		dispatcher: disp,
		channels:   channels,
		retry:      storage.DefaultRetryPolicy(),
		plans:      map[uuid.UUID]*RestorePlan{},
		now:        time.Now,
	}
}

// Prepare arma el plan para las remociones desde `since`. Un plan vacío
// es un resultado válido (nada que restaurar), no un error.
func (r *Restorer) Prepare(ctx context.Context, guildID string, since time.Time) (*RestorePlan, error) {
	var removals []domain.RemovalRecord
	err := storage.WithRetry(ctx, r.retry, func(ctx context.Context) error {
		var err error
		removals, err = r.audit.RemovalsSince(ctx, guildID, since)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("leyendo remociones desde %s: %w", since.Format(time.RFC3339), err)
	}

	// unión de roles por usuario: varias remociones colapsan en una entrada
	byUser := map[string]map[string]bool{}
	for _, rec := range removals {
		set, ok := byUser[rec.UserID]
		if !ok {
			set = map[string]bool{}
			byUser[rec.UserID] = set
		}
		for _, id := range rec.RoleIDs {
			set[id] = true
		}
	}

	plan := &RestorePlan{
		ID:        uuid.New(),
		GuildID:   guildID,
		Since:     since,
		CreatedAt: r.now(),
	}
	for userID, set := range byUser {
		roles := make([]string, 0, len(set))
		for id := range set {
			roles = append(roles, id)
		}
		sort.Strings(roles)
		plan.Entries = append(plan.Entries, RestoreEntry{UserID: userID, RoleIDs: roles})
	}
	sort.Slice(plan.Entries, func(i, j int) bool { return plan.Entries[i].UserID < plan.Entries[j].UserID })

	r.mu.Lock()
	r.plans[plan.ID] = plan
	r.mu.Unlock()
	log.Printf("ℹ️ plan de restauración %s: %d miembros, %d roles", plan.ID, len(plan.Entries), plan.TotalRoles())
	return plan, nil
}

// Confirm ejecuta el plan: un solo batch de auditoría, salteando los
// roles que el miembro ya recuperó por otra vía. Re-entrante por diseño.
func (r *Restorer) Confirm(ctx context.Context, planID uuid.UUID) (RestoreSummary, error) {
	plan, err := r.take(planID)
	if err != nil {
		return RestoreSummary{}, err
	}

	now := r.now()
	sum := RestoreSummary{BatchID: plan.ID}
	for _, entry := range plan.Entries {
		member, found, err := r.directory.Member(plan.GuildID, entry.UserID)
		if err != nil {
			log.Printf("❌ buscando miembro %s para restaurar: %v", entry.UserID, err)
			sum.MissingMembers++
			continue
		}
		if !found {
			log.Printf("⚠️ miembro %s ya no está en el guild, salteado", entry.UserID)
			sum.MissingMembers++
			continue
		}

		var toRestore []string
		for _, roleID := range entry.RoleIDs {
			if member.HasRole(roleID) {
				sum.SkippedHeld++
				continue
			}
			toRestore = append(toRestore, roleID)
		}
		if len(toRestore) == 0 {
			continue
		}

		// el registro del batch va antes que cualquier envío
		err = storage.WithRetry(ctx, r.retry, func(ctx context.Context) error {
			return r.audit.LogRestoredRoles(ctx, plan.ID, entry.UserID, plan.GuildID, toRestore, now)
		})
		if err != nil {
			log.Printf("❌ registrando restauración de %s: %v", entry.UserID, err)
			continue
		}

		for _, roleID := range toRestore {
			r.dispatcher.Enqueue(PriorityHigh, Request{
				Kind:    KindAddRole,
				GuildID: plan.GuildID,
				UserID:  entry.UserID,
				RoleID:  roleID,
				Reason:  "restauración de roles removidos por inactividad",
			})
			r.dispatcher.Enqueue(PriorityLow, Request{
				Kind:    KindDirectMessage,
				GuildID: plan.GuildID,
				UserID:  entry.UserID,
				Content: fmt.Sprintf("🙏 Te devolvimos el rol <@&%s>. Disculpá las molestias.", roleID),
			})
		}
		sum.Members++
		sum.RolesQueued += len(toRestore)
	}

	if r.channels.Log != "" {
		r.dispatcher.Enqueue(PriorityNormal, Request{
			Kind:      KindChannelMessage,
			ChannelID: r.channels.Log,
			Content: fmt.Sprintf("✅ Restauración %s confirmada: %d roles encolados para %d miembros (%d ya los tenían).",
				plan.ID, sum.RolesQueued, sum.Members, sum.SkippedHeld),
		})
	}
	log.Printf("✅ restauración %s: %d roles para %d miembros", plan.ID, sum.RolesQueued, sum.Members)
	return sum, nil
}

// Cancel anula el plan sin mutar nada.
func (r *Restorer) Cancel(planID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[planID]; !ok {
		return false
	}
	delete(r.plans, planID)
	log.Printf("ℹ️ plan de restauración %s cancelado", planID)
	return true
}

// Plan devuelve el plan vigente, si no venció.
func (r *Restorer) Plan(planID uuid.UUID) (*RestorePlan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok {
		return nil, false
	}
	if r.now().Sub(plan.CreatedAt) > planTimeout {
		delete(r.plans, planID)
		return nil, false
	}
	return plan, true
}

// take saca el plan del registro de forma atómica: una sola confirmación
// puede ganar, y un plan vencido ya no se puede ejecutar.
func (r *Restorer) take(planID uuid.UUID) (*RestorePlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	delete(r.plans, planID)
	if r.now().Sub(plan.CreatedAt) > planTimeout {
		return nil, ErrPlanExpired
	}
	return plan, nil
}
