package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy acota los reintentos contra el Session Store.
// Backoff exponencial desde Base, hasta MaxAttempts intentos en total.
type RetryPolicy struct {
	MaxAttempts uint64
	Base        time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 500 * time.Millisecond}
}

// WithRetry ejecuta op reintentando sólo errores transitorios de infraestructura
// (conexión caída, pool agotado). Errores de datos o de SQL salen directo.
func WithRetry(ctx context.Context, p RetryPolicy, op func(context.Context) error) error {
	b := retry.WithMaxRetries(p.MaxAttempts-1, retry.NewExponential(p.Base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// IsTransient clasifica errores que valen la pena reintentar.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// clase 08 = connection exception, 57 = operator intervention (shutdown)
		cls := pgErr.Code
		if len(cls) >= 2 && (cls[:2] == "08" || cls[:2] == "57") {
			return true
		}
	}
	return false
}
