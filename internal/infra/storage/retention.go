package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PruneResult: filas borradas por tabla en una pasada de retención.
type PruneResult struct {
	Sessions int64
	Warnings int64
	Periods  int64
	Removals int64
}

// PruneOldData borra la actividad que ya no aporta a ninguna ventana de
// evaluación. voice_sessions se borra por tandas para no trabar la tabla;
// las ventanas abiertas (period_end futuro) nunca entran en el corte.
func PruneOldData(ctx context.Context, db *sql.DB, olderThan time.Duration) (PruneResult, error) {
	cutoff := time.Now().Add(-olderThan)
	var res PruneResult

	for {
		r, err := db.ExecContext(ctx, `
DELETE FROM voice_sessions
WHERE id IN (
  SELECT id FROM voice_sessions WHERE leave_time < $1 LIMIT 5000
)`, cutoff)
		if err != nil {
			return res, fmt.Errorf("podando voice_sessions: %w", err)
		}
		n, _ := r.RowsAffected()
		if n == 0 {
			break
		}
		res.Sessions += n
	}

	steps := []struct {
		dst   *int64
		query string
	}{
		{&res.Warnings, `DELETE FROM user_warnings WHERE warning_date < $1`},
		{&res.Periods, `DELETE FROM checked_periods WHERE period_end < $1`},
		{&res.Removals, `DELETE FROM removed_roles WHERE removal_date < $1`},
	}
	for _, st := range steps {
		r, err := db.ExecContext(ctx, st.query, cutoff)
		if err != nil {
			return res, err
		}
		*st.dst, _ = r.RowsAffected()
	}
	return res, nil
}
