// Package cache: cache efímero en memoria con TTL por clase, para
// descargarle lecturas redundantes al Session Store. Secciones críticas
// cortas, nunca I/O bajo el lock.
package cache

import (
	"sync"
	"time"
)

// Class determina el TTL de la entrada.
type Class int

const (
	ClassConfig Class = iota // 5 min
	ClassUser                // 10 min
	ClassGuild               // 15 min
)

func (c Class) TTL() time.Duration {
	switch c {
	case ClassConfig:
		return 5 * time.Minute
	case ClassGuild:
		return 15 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// Key es la clave compuesta tipada; UserID puede ir vacío para entradas
// por guild.
type Key struct {
	UserID  string
	GuildID string
	Class   Class
}

type entry[V any] struct {
	val        V
	insertedAt time.Time
}

type Cache[V any] struct {
	mu      sync.Mutex
	entries map[Key]entry[V]
	now     func() time.Time
}

func New[V any]() *Cache[V] {
	return &Cache[V]{entries: map[Key]entry[V]{}, now: time.Now}
}

// Get: una entrada vencida se comporta igual que un miss y se elimina.
func (c *Cache[V]) Get(k Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.insertedAt.Add(k.Class.TTL())) {
		delete(c.entries, k)
		var zero V
		return zero, false
	}
	return e.val, true
}

func (c *Cache[V]) Set(k Key, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = entry[V]{val: v, insertedAt: c.now()}
}

func (c *Cache[V]) Invalidate(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// InvalidateUser borra todas las clases de un (user, guild).
func (c *Cache[V]) InvalidateUser(userID, guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.UserID == userID && k.GuildID == guildID {
			delete(c.entries, k)
		}
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
