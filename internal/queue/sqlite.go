package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"timeflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS sync_queue (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  entity_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  last_retry_at DATETIME,
  error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, created_at);
CREATE TABLE IF NOT EXISTS timer_state (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  state TEXT NOT NULL,
  elapsed_seconds INTEGER NOT NULL DEFAULT 0,
  day_start DATETIME NOT NULL,
  idle_pause_start DATETIME,
  entry_id TEXT,
  project_id TEXT,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

// TimerRecord is the persisted form of the timer snapshot.
type TimerRecord struct {
	State          domain.TimerState
	ElapsedSeconds int64
	DayStart       time.Time
	IdlePauseStart *time.Time
	EntryID        string
	ProjectID      string
}

type Store interface {
	// Enqueue appends a pending task. Durable local write, never touches
	// the network.
	Enqueue(ctx context.Context, entityType domain.EntityType, payload []byte) (int64, error)
	Get(ctx context.Context, id int64) (domain.Task, error)
	// ListTasks returns tasks newest first, optionally filtered by status
	// (empty status means any).
	ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
	// NextEligible returns pending tasks in creation order for dispatch.
	NextEligible(ctx context.Context, limit int) ([]domain.Task, error)
	MarkSent(ctx context.Context, id int64) error
	// MarkAttemptFailed records a failed delivery attempt: bumps
	// retry_count (capped at MaxRetries), stamps last_retry_at, stores the
	// error text, and flips status to failed once the cap is reached.
	MarkAttemptFailed(ctx context.Context, id int64, errMsg string) error
	// ResetForRetry moves failed tasks back to pending and clears their
	// error text. Returns how many rows actually transitioned.
	ResetForRetry(ctx context.Context, ids []int64) (int, error)
	Stats(ctx context.Context) (domain.QueueStats, error)

	LoadTimerState(ctx context.Context) (TimerRecord, bool, error)
	SaveTimerState(ctx context.Context, rec TimerRecord) error
}

type sqliteStore struct{ db *sql.DB }

// NewSQLiteStore wraps db. The connection must be opened with a single
// writer (SetMaxOpenConns(1)) so per-task transitions serialize.
func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

func (s *sqliteStore) Enqueue(ctx context.Context, entityType domain.EntityType, payload []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_queue (entity_type, payload, status, retry_count, created_at)
VALUES (?, ?, 'pending', 0, CURRENT_TIMESTAMP)`, string(entityType), payload)
	if err != nil {
		return 0, storeErr("enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("enqueue", err)
	}
	return id, nil
}

const taskColumns = `id, entity_type, payload, status, retry_count, created_at, last_retry_at, error_message`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var lastRetry sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&t.ID, &t.EntityType, &t.Payload, &t.Status, &t.RetryCount, &t.CreatedAt, &lastRetry, &errMsg); err != nil {
		return domain.Task{}, err
	}
	if lastRetry.Valid {
		ts := lastRetry.Time
		t.LastRetryAt = &ts
	}
	if errMsg.Valid {
		m := errMsg.String
		t.ErrorMessage = &m
	}
	return t, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_queue WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, storeErr("get", err)
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM sync_queue`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("list tasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tasks", err)
	}
	return tasks, nil
}

func (s *sqliteStore) NextEligible(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+` FROM sync_queue
WHERE status='pending'
ORDER BY created_at ASC, id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("next eligible", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("next eligible", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("next eligible", err)
	}
	return tasks, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, id int64) error {
	// Idempotent: a second call finds status already 'sent' and changes
	// nothing.
	_, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET status='sent' WHERE id=?`, id)
	if err != nil {
		return storeErr("mark sent", err)
	}
	return nil
}

func (s *sqliteStore) MarkAttemptFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sync_queue
SET retry_count = MIN(retry_count + 1, ?),
    last_retry_at = CURRENT_TIMESTAMP,
    error_message = ?,
    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END
WHERE id = ? AND status != 'sent'`, domain.MaxRetries, errMsg, domain.MaxRetries, id)
	if err != nil {
		return storeErr("mark attempt failed", err)
	}
	return nil
}

func (s *sqliteStore) ResetForRetry(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_queue
SET status='pending', error_message=NULL
WHERE status='failed' AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, storeErr("reset for retry", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{PendingByType: map[domain.EntityType]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return domain.QueueStats{}, storeErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueStats{}, storeErr("stats", err)
		}
		switch domain.TaskStatus(status) {
		case domain.StatusPending:
			stats.PendingCount = n
		case domain.StatusFailed:
			stats.FailedCount = n
		case domain.StatusSent:
			stats.SentCount = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueStats{}, storeErr("stats", err)
	}

	byType, err := s.db.QueryContext(ctx, `
SELECT entity_type, COUNT(*) FROM sync_queue WHERE status='pending' GROUP BY entity_type`)
	if err != nil {
		return domain.QueueStats{}, storeErr("stats", err)
	}
	defer byType.Close()
	for byType.Next() {
		var et string
		var n int
		if err := byType.Scan(&et, &n); err != nil {
			return domain.QueueStats{}, storeErr("stats", err)
		}
		stats.PendingByType[domain.EntityType(et)] = n
	}
	if err := byType.Err(); err != nil {
		return domain.QueueStats{}, storeErr("stats", err)
	}
	return stats, nil
}

func (s *sqliteStore) LoadTimerState(ctx context.Context) (TimerRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT state, elapsed_seconds, day_start, idle_pause_start, entry_id, project_id
FROM timer_state WHERE id=1`)
	var rec TimerRecord
	var idle sql.NullTime
	var entryID, projectID sql.NullString
	err := row.Scan(&rec.State, &rec.ElapsedSeconds, &rec.DayStart, &idle, &entryID, &projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return TimerRecord{}, false, nil
	}
	if err != nil {
		return TimerRecord{}, false, storeErr("load timer state", err)
	}
	if idle.Valid {
		ts := idle.Time
		rec.IdlePauseStart = &ts
	}
	rec.EntryID = entryID.String
	rec.ProjectID = projectID.String
	return rec, true, nil
}

func (s *sqliteStore) SaveTimerState(ctx context.Context, rec TimerRecord) error {
	var idle any
	if rec.IdlePauseStart != nil {
		idle = *rec.IdlePauseStart
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO timer_state (id, state, elapsed_seconds, day_start, idle_pause_start, entry_id, project_id, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  state=excluded.state,
  elapsed_seconds=excluded.elapsed_seconds,
  day_start=excluded.day_start,
  idle_pause_start=excluded.idle_pause_start,
  entry_id=excluded.entry_id,
  project_id=excluded.project_id,
  updated_at=CURRENT_TIMESTAMP`,
		string(rec.State), rec.ElapsedSeconds, rec.DayStart, idle, rec.EntryID, rec.ProjectID)
	if err != nil {
		return storeErr("save timer state", err)
	}
	return nil
}
