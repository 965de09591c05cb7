package storage

import (
	"context"
	"database/sql"

	"github.com/jose-valero/inactivity-bot/internal/domain"
)

// PeriodsRepo: ventanas de monitoreo evaluadas (checked_periods).
type PeriodsRepo struct{ db *sql.DB }

func NewPeriodsRepo(db *sql.DB) *PeriodsRepo { return &PeriodsRepo{db: db} }

// Last devuelve la ventana más reciente por period_end. La ausencia es un
// resultado normal (primer chequeo del usuario), no un error.
func (r *PeriodsRepo) Last(ctx context.Context, userID, guildID string) (domain.PeriodCheck, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT user_id, guild_id, period_start, period_end, meets_req
  FROM checked_periods
 WHERE user_id = $1 AND guild_id = $2
 ORDER BY period_end DESC
 LIMIT 1
`, userID, guildID)

	var pc domain.PeriodCheck
	err := row.Scan(&pc.UserID, &pc.GuildID, &pc.Start, &pc.End, &pc.MeetsReq)
	if err == sql.ErrNoRows {
		return domain.PeriodCheck{}, false, nil
	}
	if err != nil {
		return domain.PeriodCheck{}, false, err
	}
	return pc, true, nil
}

// Upsert es idempotente por (user, guild, period_start).
func (r *PeriodsRepo) Upsert(ctx context.Context, pc domain.PeriodCheck) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO checked_periods (user_id, guild_id, period_start, period_end, meets_req)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (user_id, guild_id, period_start) DO UPDATE SET
  period_end = EXCLUDED.period_end,
  meets_req  = EXCLUDED.meets_req
`, pc.UserID, pc.GuildID, pc.Start, pc.End, pc.MeetsReq)
	return err
}
