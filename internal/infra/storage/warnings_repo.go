package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jose-valero/inactivity-bot/internal/domain"
)

// WarningsRepo: a lo sumo un registro activo por etapa por usuario;
// el reenvío pisa la fecha (upsert).
type WarningsRepo struct{ db *sql.DB }

func NewWarningsRepo(db *sql.DB) *WarningsRepo { return &WarningsRepo{db: db} }

func (r *WarningsRepo) Record(ctx context.Context, userID, guildID string, stage domain.WarningStage, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO user_warnings (user_id, guild_id, warning_type, warning_date)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id, guild_id, warning_type) DO UPDATE SET
  warning_date = EXCLUDED.warning_date
`, userID, guildID, string(stage), at)
	return err
}

// StagesInWindow: etapas ya enviadas dentro de la ventana actual. La
// monotonía de avisos se sostiene sólo con este chequeo de existencia.
func (r *WarningsRepo) StagesInWindow(ctx context.Context, userID, guildID string, windowStart time.Time) (map[domain.WarningStage]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT warning_type
  FROM user_warnings
 WHERE user_id = $1 AND guild_id = $2 AND warning_date >= $3
`, userID, guildID, windowStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.WarningStage]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[domain.WarningStage(t)] = true
	}
	return out, rows.Err()
}

// LastWarning, para mostrar historial en /check.
func (r *WarningsRepo) LastWarning(ctx context.Context, userID, guildID string) (domain.WarningStage, time.Time, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT warning_type, warning_date
  FROM user_warnings
 WHERE user_id = $1 AND guild_id = $2
 ORDER BY warning_date DESC
 LIMIT 1
`, userID, guildID)

	var t string
	var at time.Time
	err := row.Scan(&t, &at)
	if err == sql.ErrNoRows {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return domain.WarningStage(t), at, true, nil
}
