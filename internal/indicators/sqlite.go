package indicators

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS indicators (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  owner_slot TEXT NOT NULL DEFAULT 'main',
  kind TEXT NOT NULL DEFAULT 'noop',
  target TEXT NOT NULL DEFAULT '',
  frequency_minutes INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  timezone TEXT NOT NULL DEFAULT '',
  active_from DATETIME,
  active_until DATETIME,
  last_run DATETIME,
  is_running INTEGER NOT NULL DEFAULT 0,
  processed INTEGER NOT NULL DEFAULT 0,
  succeeded INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_indicators_due ON indicators(owner_slot, is_running, last_run);
CREATE TABLE IF NOT EXISTS executions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  indicator_id TEXT NOT NULL,
  worker_id TEXT NOT NULL DEFAULT '',
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  success INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(indicator_id) REFERENCES indicators(id)
);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the unit repository the core schedules from. Writes to
// last-run/is-running come only from the worker that begins or ends an
// execution.
type Repository interface {
	Create(ctx context.Context, ind domain.Indicator) (string, error)
	Get(ctx context.Context, id string) (domain.Indicator, error)
	List(ctx context.Context) ([]domain.Indicator, error)
	Update(ctx context.Context, ind domain.Indicator) error
	Delete(ctx context.Context, id string) error

	// Candidates returns indicators that are not mid-execution, for the
	// caller to filter by due-ness. The elapsed-time rule lives in the
	// schedule package, not in SQL, so the frequency and cron arms are
	// judged by one piece of code.
	Candidates(ctx context.Context, slot string) ([]domain.Indicator, error)

	// Claim marks an indicator running. It is a compare-and-set: a
	// second concurrent claim loses and gets ErrAlreadyClaimed.
	Claim(ctx context.Context, id, workerID string) error
	// Complete records the attempt, bumps the counters and clears the
	// running flag.
	Complete(ctx context.Context, id, workerID string, success bool, ranAt time.Time, duration time.Duration, execErr string) error
	// RecoverStale clears running flags left behind by a dead worker.
	RecoverStale(ctx context.Context) (int, error)

	// SlotCounters sums the execution counters for one slot, for the
	// health monitor.
	SlotCounters(ctx context.Context, slot string) (processed, succeeded, failed int64, err error)
}

var ErrAlreadyClaimed = errors.New("indicator already claimed")

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Create(ctx context.Context, ind domain.Indicator) (string, error) {
	id := ind.ID
	if id == "" {
		id = "ind_" + uuid.NewString()
	}
	if ind.OwnerSlot == "" {
		ind.OwnerSlot = "main"
	}
	if ind.Kind == "" {
		ind.Kind = "noop"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO indicators (id,name,owner_slot,kind,target,frequency_minutes,cron_expr,timezone,active_from,active_until,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)`,
		id, ind.Name, ind.OwnerSlot, ind.Kind, ind.Target,
		ind.Spec.FrequencyMinutes, ind.Spec.CronExpr, ind.Spec.Timezone,
		ind.Spec.ActiveFrom, ind.Spec.ActiveUntil)
	if err != nil {
		return "", err
	}
	return id, nil
}

const indicatorCols = `id,name,owner_slot,kind,target,frequency_minutes,cron_expr,timezone,active_from,active_until,last_run,is_running,processed,succeeded,failed,created_at,updated_at`

func scanIndicator(row interface{ Scan(...any) error }) (domain.Indicator, error) {
	var ind domain.Indicator
	var running int
	err := row.Scan(&ind.ID, &ind.Name, &ind.OwnerSlot, &ind.Kind, &ind.Target,
		&ind.Spec.FrequencyMinutes, &ind.Spec.CronExpr, &ind.Spec.Timezone,
		&ind.Spec.ActiveFrom, &ind.Spec.ActiveUntil,
		&ind.LastRun, &running, &ind.Processed, &ind.Succeeded, &ind.Failed,
		&ind.CreatedAt, &ind.UpdatedAt)
	ind.IsRunning = running != 0
	return ind, err
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Indicator, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+indicatorCols+` FROM indicators WHERE id = ?`, id)
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ind, fmt.Errorf("indicator %s: %w", id, domain.ErrNotFound)
	}
	return ind, err
}

func (r *sqliteRepo) List(ctx context.Context) ([]domain.Indicator, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+indicatorCols+` FROM indicators ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) Update(ctx context.Context, ind domain.Indicator) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE indicators SET name=?, owner_slot=?, kind=?, target=?, frequency_minutes=?, cron_expr=?, timezone=?,
  active_from=?, active_until=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		ind.Name, ind.OwnerSlot, ind.Kind, ind.Target,
		ind.Spec.FrequencyMinutes, ind.Spec.CronExpr, ind.Spec.Timezone,
		ind.Spec.ActiveFrom, ind.Spec.ActiveUntil, ind.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("indicator %s: %w", ind.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM indicators WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) Candidates(ctx context.Context, slot string) ([]domain.Indicator, error) {
	q := `SELECT ` + indicatorCols + ` FROM indicators WHERE is_running = 0`
	args := []any{}
	if slot != "" {
		q += ` AND owner_slot = ?`
		args = append(args, slot)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) Claim(ctx context.Context, id, workerID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE indicators SET is_running=1, updated_at=CURRENT_TIMESTAMP WHERE id=? AND is_running=0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("indicator %s: %w", id, ErrAlreadyClaimed)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO executions (indicator_id, worker_id, started_at) VALUES (?,?,CURRENT_TIMESTAMP)`, id, workerID)
	return err
}

func (r *sqliteRepo) Complete(ctx context.Context, id, workerID string, success bool, ranAt time.Time, duration time.Duration, execErr string) error {
	win := 0
	if success {
		win = 1
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE indicators SET is_running=0, last_run=?, processed=processed+1,
  succeeded=succeeded+?, failed=failed+?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		ranAt.UTC(), win, 1-win, id)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE executions SET finished_at=CURRENT_TIMESTAMP, success=?, duration_ms=?, error=?
WHERE id = (SELECT id FROM executions WHERE indicator_id=? AND worker_id=? AND finished_at IS NULL ORDER BY started_at DESC LIMIT 1)`,
		win, duration.Milliseconds(), nullable(execErr), id, workerID)
	return err
}

func (r *sqliteRepo) RecoverStale(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE indicators SET is_running=0 WHERE is_running=1`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) SlotCounters(ctx context.Context, slot string) (int64, int64, int64, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(processed),0), COALESCE(SUM(succeeded),0), COALESCE(SUM(failed),0)
FROM indicators WHERE owner_slot = ?`, slot)
	var p, s, f int64
	err := row.Scan(&p, &s, &f)
	return p, s, f, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
