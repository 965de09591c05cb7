package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jose-valero/inactivity-bot/internal/domain"
)

// Lo implementa internal/infra/storage.ActivityRepo
type SessionStore interface {
	LogJoin(ctx context.Context, userID, guildID string, at time.Time) error
	CloseSession(ctx context.Context, s domain.VoiceSession) error
	SessionsBetween(ctx context.Context, userID, guildID string, start, end time.Time) ([]domain.VoiceSession, error)
}

// Lo implementa internal/infra/storage.PeriodsRepo
type PeriodStore interface {
	Last(ctx context.Context, userID, guildID string) (domain.PeriodCheck, bool, error)
	Upsert(ctx context.Context, pc domain.PeriodCheck) error
}

// Lo implementa internal/infra/storage.WarningsRepo
type WarningStore interface {
	Record(ctx context.Context, userID, guildID string, stage domain.WarningStage, at time.Time) error
	StagesInWindow(ctx context.Context, userID, guildID string, windowStart time.Time) (map[domain.WarningStage]bool, error)
	LastWarning(ctx context.Context, userID, guildID string) (domain.WarningStage, time.Time, bool, error)
}

// Lo implementa internal/infra/storage.AuditRepo
type AuditStore interface {
	LogRemovedRoles(ctx context.Context, userID, guildID string, roleIDs []string, at time.Time) error
	RemovalsSince(ctx context.Context, guildID string, since time.Time) ([]domain.RemovalRecord, error)
	LastRemoval(ctx context.Context, userID, guildID string) (time.Time, bool, error)
	LogRestoredRoles(ctx context.Context, batchID uuid.UUID, userID, guildID string, roleIDs []string, at time.Time) error
	LogKick(ctx context.Context, userID, guildID, reason string, at time.Time) error
	LastKick(ctx context.Context, userID, guildID string) (time.Time, bool, error)
}

// Lo implementa internal/infra/storage.TasksRepo
type TaskStore interface {
	LastExecution(ctx context.Context, name string) (time.Time, bool, error)
	LogExecution(ctx context.Context, name string, at time.Time) error
}

// VoicePresence: quién está en voz ahora mismo (para la reconciliación
// post-reconexión).
type VoicePresence struct {
	UserID    string
	GuildID   string
	ChannelID string
	Muted     bool
	Roles     []string
}

// Directory: vista del estado del guild que mantiene el adapter de
// Discord. El core no toca el SDK directamente.
type Directory interface {
	Members(guildID string) ([]domain.Member, error)
	Member(guildID, userID string) (domain.Member, bool, error)
	VoicePresences(guildID string) ([]VoicePresence, error)
}

// Sink ejecuta un Request contra la plataforma. Debe devolver
// *ThrottledError ante un 429 y *PermissionError ante permisos
// insuficientes; cualquier otro error se trata como fallo genérico.
type Sink interface {
	Do(ctx context.Context, req Request) error
}

// NotifyChannels: destinos de las notificaciones operativas.
type NotifyChannels struct {
	Log          string // canal de moderación
	Notification string // canal público de avisos
}
