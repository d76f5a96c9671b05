// Package store persists the pieces that must survive a restart: the
// append-only outcome log, the current claim-table snapshot, and recurring
// submission schedules.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS outcomes (
  seq INTEGER PRIMARY KEY,
  task_id TEXT NOT NULL,
  resource_key TEXT NOT NULL,
  strategy TEXT NOT NULL CHECK(strategy IN ('priority','serialize','abort')),
  winner_worker_id TEXT NOT NULL,
  losers TEXT NOT NULL,
  resolved_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_task ON outcomes(task_id);
CREATE TABLE IF NOT EXISTS claims (
  resource_key TEXT PRIMARY KEY,
  owner_worker_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  acquired_at DATETIME NOT NULL,
  expires_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  resources TEXT NOT NULL,
  criticality TEXT NOT NULL DEFAULT 'low',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the sqlite-backed persistence layer.
type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// AppendOutcome writes one resolution to the append-only log.
func (s *Store) AppendOutcome(ctx context.Context, o domain.ResolutionOutcome) error {
	losers, err := json.Marshal(o.Losers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO outcomes (seq,task_id,resource_key,strategy,winner_worker_id,losers,resolved_at)
VALUES (?,?,?,?,?,?,?)
`, o.Seq, o.TaskID, o.ResourceKey, string(o.StrategyUsed), o.WinnerWorkerID, string(losers), o.ResolvedAt)
	return err
}

// ListOutcomes returns up to limit outcomes with seq greater than after.
func (s *Store) ListOutcomes(ctx context.Context, after uint64, limit int) ([]domain.ResolutionOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq,task_id,resource_key,strategy,winner_worker_id,losers,resolved_at
FROM outcomes WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ResolutionOutcome
	for rows.Next() {
		var o domain.ResolutionOutcome
		var strategy, losers string
		if err := rows.Scan(&o.Seq, &o.TaskID, &o.ResourceKey, &strategy, &o.WinnerWorkerID, &losers, &o.ResolvedAt); err != nil {
			return nil, err
		}
		o.StrategyUsed = domain.Strategy(strategy)
		if err := json.Unmarshal([]byte(losers), &o.Losers); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveClaims replaces the persisted claim snapshot with the current one.
func (s *Store) SaveClaims(ctx context.Context, cs []domain.Claim) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM claims`); err != nil {
		return err
	}
	for _, c := range cs {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO claims (resource_key,owner_worker_id,task_id,acquired_at,expires_at)
VALUES (?,?,?,?,?)`, c.ResourceKey, c.OwnerWorkerID, c.TaskID, c.AcquiredAt, c.ExpiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadClaims reads the persisted snapshot back, used once at startup to
// resume arbitration without losing in-flight ownership.
func (s *Store) LoadClaims(ctx context.Context) ([]domain.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT resource_key,owner_worker_id,task_id,acquired_at,expires_at FROM claims ORDER BY resource_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		var c domain.Claim
		if err := rows.Scan(&c.ResourceKey, &c.OwnerWorkerID, &c.TaskID, &c.AcquiredAt, &c.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateSchedule inserts a recurring submission schedule.
func (s *Store) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if sc.Criticality == "" {
		sc.Criticality = domain.CriticalityLow
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,description,resources,criticality,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, sc.Name, sc.CronExpr, sc.Description, joinResources(sc.Resources), string(sc.Criticality), sc.Enabled, sc.LastRun, sc.NextRun)
	return id, err
}

// GetSchedule fetches one schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,name,cron_expr,description,resources,criticality,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE id=?`, id)
	return scanSchedule(row)
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,name,cron_expr,description,resources,criticality,enabled,last_run,next_run,created_at,updated_at
FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}

// GetDueSchedules returns enabled schedules whose next run is at or before
// now.
func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,name,cron_expr,description,resources,criticality,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleLastRun records a firing and the computed next run.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, nextRun, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var sc domain.Schedule
	var resources, criticality string
	var lastRun sql.NullTime
	if err := row.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Description, &resources, &criticality,
		&sc.Enabled, &lastRun, &sc.NextRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	sc.Criticality = domain.Criticality(criticality)
	sc.Resources = splitResources(resources)
	if lastRun.Valid {
		sc.LastRun = &lastRun.Time
	}
	return sc, nil
}

func joinResources(rs []string) string { return strings.Join(rs, "\n") }

func splitResources(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
