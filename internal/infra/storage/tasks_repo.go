package storage

import (
	"context"
	"database/sql"
	"time"
)

// TasksRepo persiste la última corrida de cada job periódico, así un
// reinicio no repite el batch del día.
type TasksRepo struct{ db *sql.DB }

func NewTasksRepo(db *sql.DB) *TasksRepo { return &TasksRepo{db: db} }

func (r *TasksRepo) LastExecution(ctx context.Context, name string) (time.Time, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT last_execution FROM task_executions WHERE task_name = $1
`, name)

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

func (r *TasksRepo) LogExecution(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_executions (task_name, last_execution)
VALUES ($1,$2)
ON CONFLICT (task_name) DO UPDATE SET
  last_execution = EXCLUDED.last_execution
`, name, at)
	return err
}
