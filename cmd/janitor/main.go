package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Retención: la actividad vieja no aporta a ninguna ventana de evaluación
// y sólo engorda la DB. voice_sessions se borra por tandas para no trabar
// la tabla.
func handler(ctx context.Context) (string, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return "no DATABASE_URL", nil
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Sprintf("parse: %v", err), nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Sprintf("pool: %v", err), nil
	}
	defer pool.Close()

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for {
		tag, err := pool.Exec(cctx, `
DELETE FROM voice_sessions
WHERE id IN (
  SELECT id FROM voice_sessions
  WHERE leave_time < now() - INTERVAL '60 days'
  LIMIT 5000
);`)
		if err != nil || tag.RowsAffected() == 0 {
			break
		}
	}

	_, _ = pool.Exec(cctx, `DELETE FROM user_warnings   WHERE warning_date < now() - INTERVAL '60 days';`)
	_, _ = pool.Exec(cctx, `DELETE FROM checked_periods WHERE period_end   < now() - INTERVAL '60 days';`)
	_, _ = pool.Exec(cctx, `DELETE FROM removed_roles   WHERE removal_date < now() - INTERVAL '60 days';`)

	return "ok", nil
}

func main() { lambda.Start(handler) }
