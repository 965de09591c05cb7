package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Settings son los umbrales de negocio, tipados y con defaults explícitos.
// Se validan una vez al cargar; nadie re-mergea defaults por acceso.
type Settings struct {
	RequiredMinutes      int // minutos mínimos por sesión para que cuente el día
	RequiredDays         int // días distintos con sesión válida dentro de la ventana
	MonitoringPeriodDays int // largo de la ventana rodante
	KickAfterDays        int // expulsión por estar sin roles; <=0 desactiva

	FirstWarningDays  int // días restantes de ventana para el primer aviso
	SecondWarningDays int // ídem para el segundo

	TrackedRoleIDs   []string
	WhitelistUserIDs []string
	WhitelistRoleIDs []string

	AbsenceChannelID string // canal cuyo tiempo nunca cuenta
	Timezone         string // para el corte de "día" del cupo

	Messages WarningMessages
}

type WarningMessages struct {
	First  string
	Second string
	Final  string
}

func Defaults() Settings {
	return Settings{
		RequiredMinutes:      15,
		RequiredDays:         2,
		MonitoringPeriodDays: 14,
		KickAfterDays:        30,
		FirstWarningDays:     3,
		SecondWarningDays:    1,
		Timezone:             "America/Sao_Paulo",
		Messages: WarningMessages{
			First:  "⚠️ **Aviso de inactividad** ⚠️\nEstás por perder tus roles. Entrá a un canal de voz al menos {required_minutes} minutos en {required_days} días distintos dentro de los próximos {days_remaining} días.",
			Second: "🔴 **Último aviso** 🔴\nPerdés tus roles en {days_remaining} día(s) si no cumplís el requisito de voz ({required_minutes} minutos en {required_days} días distintos).",
			Final:  "❌ **Roles removidos** ❌\nPerdiste tus roles en {guild} por inactividad: no cumpliste {required_minutes} minutos en {required_days} días distintos dentro de {monitoring_period} días.",
		},
	}
}

// FromEnv arranca de Defaults y pisa con lo que haya en el entorno.
func FromEnv() Settings {
	s := Defaults()
	num := func(k string, dst *int) {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	csv := func(k string, dst *[]string) {
		if v := os.Getenv(k); v != "" {
			for _, id := range strings.Split(v, ",") {
				if id = strings.TrimSpace(id); id != "" {
					*dst = append(*dst, id)
				}
			}
		}
	}
	num("REQUIRED_MINUTES", &s.RequiredMinutes)
	num("REQUIRED_DAYS", &s.RequiredDays)
	num("MONITORING_PERIOD_DAYS", &s.MonitoringPeriodDays)
	num("KICK_AFTER_DAYS", &s.KickAfterDays)
	num("FIRST_WARNING_DAYS", &s.FirstWarningDays)
	num("SECOND_WARNING_DAYS", &s.SecondWarningDays)
	csv("TRACKED_ROLE_IDS", &s.TrackedRoleIDs)
	csv("WHITELIST_USER_IDS", &s.WhitelistUserIDs)
	csv("WHITELIST_ROLE_IDS", &s.WhitelistRoleIDs)
	if v := os.Getenv("ABSENCE_CHANNEL_ID"); v != "" {
		s.AbsenceChannelID = v
	}
	if v := os.Getenv("TIMEZONE"); v != "" {
		s.Timezone = v
	}
	return s
}

func (s *Settings) Validate() error {
	if s.RequiredMinutes <= 0 {
		return fmt.Errorf("required_minutes inválido: %d", s.RequiredMinutes)
	}
	if s.RequiredDays <= 0 {
		return fmt.Errorf("required_days inválido: %d", s.RequiredDays)
	}
	if s.MonitoringPeriodDays <= 0 {
		return fmt.Errorf("monitoring_period inválido: %d", s.MonitoringPeriodDays)
	}
	if s.SecondWarningDays > s.FirstWarningDays {
		return fmt.Errorf("second_warning (%d) no puede superar first_warning (%d)", s.SecondWarningDays, s.FirstWarningDays)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("timezone inválida %q: %w", s.Timezone, err)
	}
	return nil
}

// Location nunca falla después de Validate.
func (s Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s Settings) IsWhitelisted(userID string, roles []string) bool {
	for _, id := range s.WhitelistUserIDs {
		if id == userID {
			return true
		}
	}
	for _, r := range roles {
		for _, id := range s.WhitelistRoleIDs {
			if id == r {
				return true
			}
		}
	}
	return false
}

// TrackedHeld devuelve los roles monitoreados que el miembro tiene hoy.
func (s Settings) TrackedHeld(roles []string) []string {
	var held []string
	for _, r := range roles {
		for _, id := range s.TrackedRoleIDs {
			if id == r {
				held = append(held, r)
			}
		}
	}
	return held
}

// Store hace los Settings inyectables y recargables en caliente.
type Store struct {
	mu sync.RWMutex
	s  Settings
}

func NewStore(s Settings) (*Store, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Store{s: s}, nil
}

func (st *Store) Current() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update aplica el patch y valida; si no valida, no cambia nada.
func (st *Store) Update(fn func(*Settings)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.s
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	st.s = next
	return nil
}
