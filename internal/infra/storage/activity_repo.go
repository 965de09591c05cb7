package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jose-valero/inactivity-bot/internal/domain"
)

// ActivityRepo: sesiones de voz terminadas + totales corridos por usuario.
type ActivityRepo struct{ db *sql.DB }

func NewActivityRepo(db *sql.DB) *ActivityRepo { return &ActivityRepo{db: db} }

// LogJoin marca la última entrada a voz (upsert del resumen por usuario).
func (r *ActivityRepo) LogJoin(ctx context.Context, userID, guildID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO user_activity (user_id, guild_id, last_voice_join)
VALUES ($1,$2,$3)
ON CONFLICT (user_id, guild_id) DO UPDATE SET
  last_voice_join = EXCLUDED.last_voice_join
`, userID, guildID, at)
	return err
}

// CloseSession persiste la sesión terminada y actualiza los totales en una
// sola transacción. Las filas de voice_sessions son inmutables una vez escritas.
func (r *ActivityRepo) CloseSession(ctx context.Context, s domain.VoiceSession) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO voice_sessions (user_id, guild_id, join_time, leave_time, duration)
VALUES ($1,$2,$3,$4,$5)
`, s.UserID, s.GuildID, s.JoinTime, s.LeftTime, s.Duration); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO user_activity (user_id, guild_id, last_voice_leave, voice_sessions, total_voice_time)
VALUES ($1,$2,$3,1,$4)
ON CONFLICT (user_id, guild_id) DO UPDATE SET
  last_voice_leave = EXCLUDED.last_voice_leave,
  voice_sessions   = user_activity.voice_sessions + 1,
  total_voice_time = user_activity.total_voice_time + EXCLUDED.total_voice_time
`, s.UserID, s.GuildID, s.LeftTime, s.Duration); err != nil {
		return err
	}
	return tx.Commit()
}

// SessionsBetween: sesiones completamente contenidas en [start, end].
func (r *ActivityRepo) SessionsBetween(ctx context.Context, userID, guildID string, start, end time.Time) ([]domain.VoiceSession, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, guild_id, join_time, leave_time, duration
  FROM voice_sessions
 WHERE user_id = $1 AND guild_id = $2
   AND join_time >= $3 AND leave_time <= $4
 ORDER BY join_time ASC
`, userID, guildID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VoiceSession
	for rows.Next() {
		var s domain.VoiceSession
		if err := rows.Scan(&s.UserID, &s.GuildID, &s.JoinTime, &s.LeftTime, &s.Duration); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TopByVoiceTime: ranking por tiempo total para /ranking.
func (r *ActivityRepo) TopByVoiceTime(ctx context.Context, guildID string, limit int) ([]domain.MemberTotal, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT user_id, total_voice_time, voice_sessions, COALESCE(last_voice_join, 'epoch'::timestamptz)
  FROM user_activity
 WHERE guild_id = $1 AND total_voice_time > 0
 ORDER BY total_voice_time DESC
 LIMIT $2
`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MemberTotal
	for rows.Next() {
		var t domain.MemberTotal
		if err := rows.Scan(&t.UserID, &t.TotalSeconds, &t.SessionCount, &t.LastVoiceJoin); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
