package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jose-valero/inactivity-bot/internal/domain"
)

func testRestorer(audit *fakeAuditStore, dir *fakeDirectory) (*Restorer, *recordingSink, *Dispatcher) {
	sink := &recordingSink{}
	d, _ := testDispatcher(sink, 3)
	r := NewRestorer(audit, dir, d, NotifyChannels{Log: "mod-channel"})
	return r, sink, d
}

// 3 remociones para 2 miembros en la ventana: el plan colapsa por usuario
// y la confirmación saltea los roles que ya recuperaron por otra vía.
func TestRestoreFlow(t *testing.T) {
	audit := &fakeAuditStore{}
	ctx := context.Background()
	_ = audit.LogRemovedRoles(ctx, "u1", "g1", []string{"role-a"}, t0.Add(-3*time.Hour))
	_ = audit.LogRemovedRoles(ctx, "u1", "g1", []string{"role-b"}, t0.Add(-2*time.Hour))
	_ = audit.LogRemovedRoles(ctx, "u2", "g1", []string{"role-a"}, t0.Add(-time.Hour))

	dir := &fakeDirectory{members: map[string]domain.Member{
		"u1": {ID: "u1", GuildID: "g1", Roles: []string{"role-b"}}, // role-b ya devuelto a mano
		"u2": {ID: "u2", GuildID: "g1"},
	}}
	r, sink, d := testRestorer(audit, dir)

	plan, err := r.Prepare(ctx, "g1", t0.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Entries) != 2 {
		t.Fatalf("esperaba 2 miembros en el plan, hubo %d", len(plan.Entries))
	}
	if plan.TotalRoles() != 3 {
		t.Fatalf("esperaba 3 roles en el plan, hubo %d", plan.TotalRoles())
	}

	sum, err := r.Confirm(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.RolesQueued != 2 || sum.SkippedHeld != 1 || sum.Members != 2 {
		t.Fatalf("resumen = %+v, esperaba 2 encolados / 1 salteado / 2 miembros", sum)
	}

	// un solo batch de auditoría, bajo el id del plan
	if len(audit.restored) != 1 {
		t.Fatalf("esperaba 1 batch de restauración, hubo %d", len(audit.restored))
	}
	if rows := audit.restored[plan.ID]; len(rows) != 2 {
		t.Errorf("el batch debe tener 2 filas (una por miembro), tiene %d", len(rows))
	}

	drainAll(d)
	var adds int
	for _, req := range sink.requests() {
		if req.Kind == KindAddRole {
			adds++
			if req.UserID == "u1" && req.RoleID == "role-b" {
				t.Error("role-b ya estaba en manos de u1, no se re-agrega")
			}
		}
	}
	if adds != 2 {
		t.Errorf("esperaba 2 adds de rol, hubo %d", adds)
	}
}

func TestRestoreConfirmIsSingleShot(t *testing.T) {
	audit := &fakeAuditStore{}
	ctx := context.Background()
	_ = audit.LogRemovedRoles(ctx, "u1", "g1", []string{"role-a"}, t0)
	dir := &fakeDirectory{members: map[string]domain.Member{"u1": {ID: "u1", GuildID: "g1"}}}
	r, _, _ := testRestorer(audit, dir)

	plan, err := r.Prepare(ctx, "g1", t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Confirm(ctx, plan.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Confirm(ctx, plan.ID); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("la segunda confirmación debe fallar con plan inexistente, fue %v", err)
	}
}

func TestRestorePlanExpires(t *testing.T) {
	audit := &fakeAuditStore{}
	ctx := context.Background()
	_ = audit.LogRemovedRoles(ctx, "u1", "g1", []string{"role-a"}, t0)
	dir := &fakeDirectory{members: map[string]domain.Member{"u1": {ID: "u1", GuildID: "g1"}}}
	r, _, _ := testRestorer(audit, dir)

	now := t0
	r.now = func() time.Time { return now }
	plan, err := r.Prepare(ctx, "g1", t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	now = t0.Add(planTimeout + time.Second)
	if _, err := r.Confirm(ctx, plan.ID); !errors.Is(err, ErrPlanExpired) {
		t.Fatalf("pasados los 180s el plan vence, fue %v", err)
	}
	if len(audit.restored) != 0 {
		t.Error("un plan vencido no muta nada")
	}
}

func TestRestoreCancelVoidsPlan(t *testing.T) {
	audit := &fakeAuditStore{}
	ctx := context.Background()
	_ = audit.LogRemovedRoles(ctx, "u1", "g1", []string{"role-a"}, t0)
	dir := &fakeDirectory{members: map[string]domain.Member{"u1": {ID: "u1", GuildID: "g1"}}}
	r, sink, d := testRestorer(audit, dir)

	plan, err := r.Prepare(ctx, "g1", t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !r.Cancel(plan.ID) {
		t.Fatal("Cancel sobre un plan vigente devuelve true")
	}
	if _, err := r.Confirm(ctx, plan.ID); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("un plan cancelado no se puede confirmar, fue %v", err)
	}
	drainAll(d)
	if len(sink.requests()) != 0 {
		t.Error("cancelar no encola nada")
	}
}

func TestRestoreSkipsMissingMembers(t *testing.T) {
	audit := &fakeAuditStore{}
	ctx := context.Background()
	_ = audit.LogRemovedRoles(ctx, "gone", "g1", []string{"role-a"}, t0)
	r, _, _ := testRestorer(audit, &fakeDirectory{members: map[string]domain.Member{}})

	plan, err := r.Prepare(ctx, "g1", t0.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	sum, err := r.Confirm(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.MissingMembers != 1 || sum.RolesQueued != 0 {
		t.Errorf("resumen = %+v, esperaba 1 ausente y 0 encolados", sum)
	}
}
