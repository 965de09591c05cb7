package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/jose-valero/inactivity-bot/internal/infra/ratelimit"
)

// Priority de un Request. Alta vacía su cola antes de tocar la normal,
// y la normal antes que la baja.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

type RequestKind int

const (
	KindChannelMessage RequestKind = iota
	KindDirectMessage
	KindRemoveRole
	KindAddRole
	KindKick
)

// Request es una acción saliente hacia Discord. El despachante es el
// único camino de salida: nadie más llama al Sink.
type Request struct {
	Kind      RequestKind
	GuildID   string
	UserID    string
	ChannelID string
	RoleID    string
	Content   string
	Reason    string
}

// Class mapea el tipo de acción a la clase de throttling que gobierna
// sus reintentos.
func (r Request) Class() ratelimit.Class {
	switch r.Kind {
	case KindRemoveRole, KindAddRole:
		return ratelimit.ClassRoles
	case KindKick:
		return ratelimit.ClassKicks
	default:
		return ratelimit.ClassMessages
	}
}

// ThrottledError: la plataforma pidió esperar antes de reintentar.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled, retry en %s", e.RetryAfter)
}

// PermissionError: permisos insuficientes. No se reintenta jamás.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string { return "permisos insuficientes: " + e.Err.Error() }
func (e *PermissionError) Unwrap() error { return e.Err }

const dispatchQueueCap = 200

// Dispatcher: tres colas acotadas drenadas por un solo consumidor con
// prioridad estricta. El pacing por prioridad sale de los limiters y
// el backoff por throttling del governor.
type Dispatcher struct {
	sink     Sink
	gov      *ratelimit.Governor
	queues   [3]chan Request
	limiters [3]*rate.Limiter

	// inyectable en tests para no dormir de verdad
	sleep func(ctx context.Context, d time.Duration)
}

func NewDispatcher(sink Sink, gov *ratelimit.Governor) *Dispatcher {
	d := &Dispatcher{
		sink: sink,
		gov:  gov,
		queues: [3]chan Request{
			make(chan Request, dispatchQueueCap),
			make(chan Request, dispatchQueueCap),
			make(chan Request, dispatchQueueCap),
		},
		limiters: [3]*rate.Limiter{
			rate.NewLimiter(rate.Limit(2), 2),   // high: 2 msg/s
			rate.NewLimiter(rate.Limit(1), 1),   // normal: 1 msg/s
			rate.NewLimiter(rate.Limit(0.5), 1), // low: 1 msg cada 2s
		},
		sleep: sleepCtx,
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Enqueue nunca bloquea: con la cola llena el request se descarta y se
// loguea. Devuelve false en ese caso.
func (d *Dispatcher) Enqueue(p Priority, req Request) bool {
	select {
	case d.queues[p] <- req:
		return true
	default:
		log.Printf("⚠️ cola %s llena, descartado request kind=%d user=%s", p, req.Kind, req.UserID)
		return false
	}
}

// Run drena las colas hasta que el contexto muera.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Println("ℹ️ dispatcher arriba")
	for {
		if ctx.Err() != nil {
			log.Println("ℹ️ dispatcher abajo")
			return
		}
		if !d.drainOnce(ctx) {
			d.sleep(ctx, 100*time.Millisecond)
		}
	}
}

// drainOnce procesa a lo sumo un request respetando la prioridad
// estricta. Devuelve false si las tres colas estaban vacías.
func (d *Dispatcher) drainOnce(ctx context.Context) bool {
	for p := PriorityHigh; p <= PriorityLow; p++ {
		select {
		case req := <-d.queues[p]:
			d.deliver(ctx, p, req)
			return true
		default:
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, p Priority, req Request) {
	if err := d.limiters[p].Wait(ctx); err != nil {
		return
	}
	class := req.Class()
	for attempt := 1; ; attempt++ {
		if d.gov.Aborted(class) {
			log.Printf("❌ clase %s abortada tras %d throttles seguidos, descartado request user=%s",
				class, d.gov.MaxRetries(), req.UserID)
			return
		}
		if wait := d.gov.Delay(class); wait > 0 {
			d.sleep(ctx, wait)
		}
		err := d.sink.Do(ctx, req)
		if err == nil {
			d.gov.Reset(class)
			return
		}

		var th *ThrottledError
		if errors.As(err, &th) {
			d.gov.Hit(class, th.RetryAfter)
			log.Printf("⚠️ throttled clase=%s intento=%d retryAfter=%s", class, attempt, th.RetryAfter)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		var pe *PermissionError
		if errors.As(err, &pe) {
			log.Printf("❌ sin permisos para request kind=%d guild=%s: %v", req.Kind, req.GuildID, err)
			return
		}

		log.Printf("❌ fallo entregando request kind=%d user=%s: %v", req.Kind, req.UserID, err)
		return
	}
}

// QueueDepths para el panel de diagnóstico.
func (d *Dispatcher) QueueDepths() map[string]int {
	return map[string]int{
		PriorityHigh.String():   len(d.queues[PriorityHigh]),
		PriorityNormal.String(): len(d.queues[PriorityNormal]),
		PriorityLow.String():    len(d.queues[PriorityLow]),
	}
}
