package ratelimit

import (
	"testing"
	"time"
)

func testGovernor(maxRetries int) (*Governor, *time.Time) {
	g := NewGovernor(maxRetries)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestHitAccumulatesBackoff(t *testing.T) {
	g, _ := testGovernor(5)

	g.Hit(ClassMessages, 2*time.Second)
	if d := g.Delay(ClassMessages); d != 2*time.Second {
		t.Fatalf("delay tras primer hit = %s, esperaba 2s", d)
	}

	// el backoff al menos duplica el anterior
	g.Hit(ClassMessages, time.Second)
	if d := g.Delay(ClassMessages); d != 4*time.Second {
		t.Fatalf("delay tras segundo hit = %s, esperaba 4s", d)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	g, _ := testGovernor(100)
	for i := 0; i < 10; i++ {
		g.Hit(ClassRoles, time.Minute)
	}
	if d := g.Delay(ClassRoles); d > 30*time.Second {
		t.Errorf("el backoff se capea a 30s, fue %s", d)
	}
}

func TestDelayExpiresWithTime(t *testing.T) {
	g, now := testGovernor(5)
	g.Hit(ClassMessages, 2*time.Second)

	*now = now.Add(3 * time.Second)
	if d := g.Delay(ClassMessages); d != 0 {
		t.Errorf("pasado el backoff el delay es 0, fue %s", d)
	}
}

func TestAbortedAfterMaxConsecutiveHits(t *testing.T) {
	g, _ := testGovernor(3)
	for i := 0; i < 2; i++ {
		g.Hit(ClassKicks, time.Second)
	}
	if g.Aborted(ClassKicks) {
		t.Fatal("con 2 de 3 hits todavía no se aborta")
	}
	g.Hit(ClassKicks, time.Second)
	if !g.Aborted(ClassKicks) {
		t.Fatal("al tercer hit consecutivo la clase queda abortada")
	}

	g.Reset(ClassKicks)
	if g.Aborted(ClassKicks) {
		t.Error("el reset limpia la racha")
	}
	if g.Delay(ClassKicks) != 0 {
		t.Error("el reset limpia el backoff")
	}
}

func TestGlobalIsSupersetOfEveryClass(t *testing.T) {
	g, _ := testGovernor(5)
	g.Hit(ClassMessages, time.Second)
	g.Hit(ClassRoles, time.Second)

	// una clase sin hits propios hereda el backoff global
	if d := g.Delay(ClassKicks); d == 0 {
		t.Error("el contador global debe frenar también a las clases sin hits")
	}

	snaps := g.Snapshots()
	var global *Snapshot
	for i := range snaps {
		if snaps[i].Class == ClassGlobal {
			global = &snaps[i]
		}
	}
	if global == nil {
		t.Fatal("falta el snapshot global")
	}
	if global.TotalHits != 2 {
		t.Errorf("hits globales = %d, esperaba 2", global.TotalHits)
	}
}
