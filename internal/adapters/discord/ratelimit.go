package discord

import (
	"sync"
	"time"
)

// clickGuard descarta pulsaciones repetidas del mismo usuario dentro de
// la ventana (anti doble-click en los botones de confirmación).
type clickGuard struct {
	mu     sync.Mutex
	last   map[string]time.Time
	window time.Duration
}

func newClickGuard(window time.Duration) *clickGuard {
	return &clickGuard{last: map[string]time.Time{}, window: window}
}

func (g *clickGuard) Allow(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if at, ok := g.last[userID]; ok && now.Sub(at) < g.window {
		return false
	}
	g.last[userID] = now
	return true
}
