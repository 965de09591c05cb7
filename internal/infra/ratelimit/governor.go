// Package ratelimit: contabilidad de throttling por clase de endpoint.
// No envía nada; sólo decide cuánto esperar antes del próximo intento y
// cuándo rendirse.
package ratelimit

import (
	"sync"
	"time"
)

type Class string

const (
	ClassMessages Class = "messages"
	ClassRoles    Class = "roles"
	ClassKicks    Class = "kicks"
	ClassGlobal   Class = "global"
)

type counter struct {
	lastHit time.Time
	backoff time.Duration
	hits    int
	total   int
}

type Governor struct {
	mu         sync.Mutex
	counters   map[Class]*counter
	maxRetries int
	maxBackoff time.Duration
	now        func() time.Time
}

// Snapshot es la vista read-only para el panel.
type Snapshot struct {
	Class       Class
	Consecutive int
	TotalHits   int
	Backoff     time.Duration
	LastHit     time.Time
}

func NewGovernor(maxRetries int) *Governor {
	return &Governor{
		counters:   map[Class]*counter{},
		maxRetries: maxRetries,
		maxBackoff: 30 * time.Second,
		now:        time.Now,
	}
}

func (g *Governor) get(c Class) *counter {
	ct, ok := g.counters[c]
	if !ok {
		ct = &counter{}
		g.counters[c] = ct
	}
	return ct
}

// Hit registra un throttle. El contador global se actualiza como superset
// de cada hit por clase.
func (g *Governor) Hit(c Class, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, ct := range []*counter{g.get(c), g.get(ClassGlobal)} {
		ct.hits++
		ct.total++
		ct.lastHit = now
		next := retryAfter
		if ct.backoff*2 > next {
			next = ct.backoff * 2
		}
		if next > g.maxBackoff {
			next = g.maxBackoff
		}
		if next <= 0 {
			next = time.Second
		}
		ct.backoff = next
	}
}

// Reset: un envío exitoso limpia la racha de la clase (recuperación rápida).
func (g *Governor) Reset(c Class) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ct := g.get(c)
	ct.hits = 0
	ct.backoff = 0
	gl := g.get(ClassGlobal)
	gl.hits = 0
	gl.backoff = 0
}

// Delay: cuánto falta esperar antes del próximo intento sobre la clase.
// Considera también el contador global.
func (g *Governor) Delay(c Class) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	d := remaining(g.get(c), now)
	if gd := remaining(g.get(ClassGlobal), now); gd > d {
		d = gd
	}
	return d
}

func remaining(ct *counter, now time.Time) time.Duration {
	if ct.backoff == 0 {
		return 0
	}
	until := ct.lastHit.Add(ct.backoff)
	if now.After(until) {
		return 0
	}
	return until.Sub(now)
}

// Aborted: tras maxRetries throttles consecutivos, los envíos a esa clase
// devuelven una señal clara de abortado en vez de reintentar para siempre.
func (g *Governor) Aborted(c Class) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.get(c).hits >= g.maxRetries
}

func (g *Governor) MaxRetries() int { return g.maxRetries }

func (g *Governor) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Snapshot, 0, len(g.counters))
	for c, ct := range g.counters {
		out = append(out, Snapshot{
			Class:       c,
			Consecutive: ct.hits,
			TotalHits:   ct.total,
			Backoff:     ct.backoff,
			LastHit:     ct.lastHit,
		})
	}
	return out
}
