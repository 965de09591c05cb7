package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jose-valero/inactivity-bot/internal/domain"
	"github.com/jose-valero/inactivity-bot/internal/infra/config"
	"github.com/jose-valero/inactivity-bot/internal/infra/ratelimit"
)

// --- fakes en memoria para los puertos del core ---

type fakeSessionStore struct {
	mu       sync.Mutex
	joins    []string
	closed   []domain.VoiceSession
	sessions []domain.VoiceSession // lo que devuelve SessionsBetween
	failWith error
}

func (f *fakeSessionStore) LogJoin(_ context.Context, userID, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.joins = append(f.joins, userID)
	return nil
}

func (f *fakeSessionStore) CloseSession(_ context.Context, s domain.VoiceSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.closed = append(f.closed, s)
	return nil
}

func (f *fakeSessionStore) SessionsBetween(_ context.Context, userID, guildID string, start, end time.Time) ([]domain.VoiceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.VoiceSession
	for _, s := range f.sessions {
		if s.UserID == userID && s.GuildID == guildID && !s.JoinTime.Before(start) && !s.LeftTime.After(end) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) closedSessions() []domain.VoiceSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.VoiceSession(nil), f.closed...)
}

type fakePeriodStore struct {
	mu      sync.Mutex
	rows    []domain.PeriodCheck
	upserts int
}

func (f *fakePeriodStore) Last(_ context.Context, userID, guildID string) (domain.PeriodCheck, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].UserID == userID && f.rows[i].GuildID == guildID {
			return f.rows[i], true, nil
		}
	}
	return domain.PeriodCheck{}, false, nil
}

func (f *fakePeriodStore) Upsert(_ context.Context, pc domain.PeriodCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	for i, row := range f.rows {
		if row.UserID == pc.UserID && row.GuildID == pc.GuildID && row.Start.Equal(pc.Start) {
			f.rows[i] = pc
			return nil
		}
	}
	f.rows = append(f.rows, pc)
	return nil
}

type fakeWarningStore struct {
	mu       sync.Mutex
	recorded []domain.WarningStage
	stages   map[domain.WarningStage]bool
}

func (f *fakeWarningStore) Record(_ context.Context, _, _ string, stage domain.WarningStage, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stages == nil {
		f.stages = map[domain.WarningStage]bool{}
	}
	f.stages[stage] = true
	f.recorded = append(f.recorded, stage)
	return nil
}

func (f *fakeWarningStore) StagesInWindow(_ context.Context, _, _ string, _ time.Time) (map[domain.WarningStage]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[domain.WarningStage]bool{}
	for k, v := range f.stages {
		out[k] = v
	}
	return out, nil
}

func (f *fakeWarningStore) LastWarning(_ context.Context, _, _ string) (domain.WarningStage, time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recorded) == 0 {
		return "", time.Time{}, false, nil
	}
	return f.recorded[len(f.recorded)-1], time.Time{}, true, nil
}

type fakeAuditStore struct {
	mu        sync.Mutex
	removals  []domain.RemovalRecord
	restored  map[uuid.UUID][]domain.RemovalRecord
	kicks     []string
	lastKick  time.Time
	hasKicked bool
}

func (f *fakeAuditStore) LogRemovedRoles(_ context.Context, userID, guildID string, roleIDs []string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, domain.RemovalRecord{
		ID: int64(len(f.removals) + 1), UserID: userID, GuildID: guildID, RoleIDs: roleIDs, RemovalDate: at,
	})
	return nil
}

func (f *fakeAuditStore) RemovalsSince(_ context.Context, guildID string, since time.Time) ([]domain.RemovalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RemovalRecord
	for _, r := range f.removals {
		if r.GuildID == guildID && !r.RemovalDate.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) LastRemoval(_ context.Context, userID, guildID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.removals) - 1; i >= 0; i-- {
		if f.removals[i].UserID == userID && f.removals[i].GuildID == guildID {
			return f.removals[i].RemovalDate, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (f *fakeAuditStore) LogRestoredRoles(_ context.Context, batchID uuid.UUID, userID, guildID string, roleIDs []string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restored == nil {
		f.restored = map[uuid.UUID][]domain.RemovalRecord{}
	}
	f.restored[batchID] = append(f.restored[batchID], domain.RemovalRecord{
		UserID: userID, GuildID: guildID, RoleIDs: roleIDs, RemovalDate: at,
	})
	return nil
}

func (f *fakeAuditStore) LogKick(_ context.Context, userID, _, _ string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks = append(f.kicks, userID)
	f.lastKick = at
	f.hasKicked = true
	return nil
}

func (f *fakeAuditStore) LastKick(_ context.Context, _, _ string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastKick, f.hasKicked, nil
}

type fakeTaskStore struct {
	mu   sync.Mutex
	runs map[string]time.Time
}

func (f *fakeTaskStore) LastExecution(_ context.Context, name string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.runs[name]
	return at, ok, nil
}

func (f *fakeTaskStore) LogExecution(_ context.Context, name string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs == nil {
		f.runs = map[string]time.Time{}
	}
	f.runs[name] = at
	return nil
}

type fakeDirectory struct {
	members map[string]domain.Member
}

func (f *fakeDirectory) Members(guildID string) ([]domain.Member, error) {
	var out []domain.Member
	for _, m := range f.members {
		if m.GuildID == guildID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeDirectory) Member(_, userID string) (domain.Member, bool, error) {
	m, ok := f.members[userID]
	return m, ok, nil
}

func (f *fakeDirectory) VoicePresences(string) ([]VoicePresence, error) { return nil, nil }

// recordingSink acumula los requests entregados; puede fallar n veces
// con el error que se le indique.
type recordingSink struct {
	mu        sync.Mutex
	delivered []Request
	failNext  int
	failWith  error
}

func (rs *recordingSink) Do(_ context.Context, req Request) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.failNext > 0 {
		rs.failNext--
		return rs.failWith
	}
	rs.delivered = append(rs.delivered, req)
	return nil
}

func (rs *recordingSink) requests() []Request {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]Request(nil), rs.delivered...)
}

var errBoom = errors.New("boom")

func testSettings() *config.Store {
	s := config.Defaults()
	s.TrackedRoleIDs = []string{"role-a", "role-b"}
	st, err := config.NewStore(s)
	if err != nil {
		panic(err)
	}
	return st
}

// dispatcher de test: sin sleeps reales ni pacing.
func testDispatcher(sink Sink, maxRetries int) (*Dispatcher, *ratelimit.Governor) {
	gov := ratelimit.NewGovernor(maxRetries)
	d := NewDispatcher(sink, gov)
	d.sleep = func(context.Context, time.Duration) {}
	for i := range d.limiters {
		d.limiters[i] = rate.NewLimiter(rate.Inf, 0)
	}
	return d, gov
}

func drainAll(d *Dispatcher) {
	ctx := context.Background()
	for d.drainOnce(ctx) {
	}
}
