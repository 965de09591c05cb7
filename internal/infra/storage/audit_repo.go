package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jose-valero/inactivity-bot/internal/domain"
)

// AuditRepo: filas append-only de remociones, expulsiones y devoluciones.
// Nunca se mutan; alimentan el flujo de restauración.
type AuditRepo struct{ db *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

func (r *AuditRepo) LogRemovedRoles(ctx context.Context, userID, guildID string, roleIDs []string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO removed_roles (user_id, guild_id, role_ids, removal_date)
VALUES ($1,$2,$3,$4)
`, userID, guildID, pq.Array(roleIDs), at)
	return err
}

// RemovalsSince: todas las remociones desde since, para la restauración.
func (r *AuditRepo) RemovalsSince(ctx context.Context, guildID string, since time.Time) ([]domain.RemovalRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, guild_id, role_ids, removal_date
  FROM removed_roles
 WHERE guild_id = $1 AND removal_date >= $2
 ORDER BY removal_date ASC
`, guildID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RemovalRecord
	for rows.Next() {
		var rec domain.RemovalRecord
		var ids pq.StringArray
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.GuildID, &ids, &rec.RemovalDate); err != nil {
			return nil, err
		}
		rec.RoleIDs = []string(ids)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastRemoval, para calcular hace cuánto quedó sin roles (barrido de expulsión).
func (r *AuditRepo) LastRemoval(ctx context.Context, userID, guildID string) (time.Time, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT removal_date
  FROM removed_roles
 WHERE user_id = $1 AND guild_id = $2
 ORDER BY removal_date DESC
 LIMIT 1
`, userID, guildID)

	var at time.Time
	err := row.Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (r *AuditRepo) LogRestoredRoles(ctx context.Context, batchID uuid.UUID, userID, guildID string, roleIDs []string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO restored_roles (batch_id, user_id, guild_id, role_ids, restored_at)
VALUES ($1,$2,$3,$4,$5)
`, batchID, userID, guildID, pq.Array(roleIDs), at)
	return err
}

func (r *AuditRepo) LogKick(ctx context.Context, userID, guildID, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO kicked_members (user_id, guild_id, kick_date, reason)
VALUES ($1,$2,$3,$4)
`, userID, guildID, at, reason)
	return err
}

func (r *AuditRepo) LastKick(ctx context.Context, userID, guildID string) (time.Time, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT kick_date
  FROM kicked_members
 WHERE user_id = $1 AND guild_id = $2
 ORDER BY kick_date DESC
 LIMIT 1
`, userID, guildID)

	var at time.Time
	err := row.Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}
