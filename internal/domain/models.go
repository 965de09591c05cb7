package domain

import "time"

// Etapas de aviso antes/durante la remoción de roles.
type WarningStage string

const (
	WarningFirst  WarningStage = "first"
	WarningSecond WarningStage = "second"
	WarningFinal  WarningStage = "final"
)

// PresenceEvent es una transición cruda de voice state, tal como la entrega
// el gateway. Canal vacío == "no está en voz". Muted acá significa
// deaf/self_deaf: audio apagado, no cuenta como actividad.
type PresenceEvent struct {
	UserID        string
	GuildID       string
	Roles         []string
	BeforeChannel string
	AfterChannel  string
	BeforeMuted   bool
	AfterMuted    bool
	At            time.Time
}

// VoiceSession es el registro durable de una sesión terminada.
// Duration son segundos efectivos (tiempo de pared menos tiempo muteado).
type VoiceSession struct {
	UserID   string
	GuildID  string
	JoinTime time.Time
	LeftTime time.Time
	Duration int
}

// PeriodCheck: una fila por ventana evaluada por usuario.
type PeriodCheck struct {
	UserID   string
	GuildID  string
	Start    time.Time
	End      time.Time
	MeetsReq bool
}

// Member es la vista mínima del directorio que necesita el core.
type Member struct {
	ID          string
	GuildID     string
	DisplayName string
	Roles       []string
	JoinedAt    time.Time
}

func (m Member) HasRole(roleID string) bool {
	for _, r := range m.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// QuotaStatus es el resultado estructurado de una evaluación (o de la
// proyección read-only de /check). El core no formatea texto.
type QuotaStatus struct {
	UserID      string
	GuildID     string
	MeetsReq    bool
	ValidDays   int
	RequiredDay int
	Sessions    int
	WindowStart time.Time
	WindowEnd   time.Time
}

// RemovalRecord es una fila de auditoría de remoción de roles (append-only).
type RemovalRecord struct {
	ID          int64
	UserID      string
	GuildID     string
	RoleIDs     []string
	RemovalDate time.Time
}

// MemberTotal: agregado por usuario para el ranking de actividad.
type MemberTotal struct {
	UserID        string
	TotalSeconds  int
	SessionCount  int
	LastVoiceJoin time.Time
}
