package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db     *sql.DB
	policy Policy
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs
// migrations. The policy governs ListEligible.
func NewSQLiteStore(dbPath string, policy Policy) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode so a drain reading the queue never blocks an enqueue.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Single connection keeps the modernc driver free of SQLITE_BUSY under
	// concurrent writers and makes :memory: databases usable in tests.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, policy: policy}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_jobs (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			payload         TEXT NOT NULL,
			retries         INTEGER NOT NULL DEFAULT 0,
			state           TEXT NOT NULL DEFAULT 'pending',
			dead_reason     TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			last_attempt_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_jobs_state_created ON outbox_jobs(state, created_at);
	`)
	return err
}

func (s *SQLiteStore) Enqueue(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_jobs (id, kind, payload, retries, state, created_at, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		j.Kind,
		string(j.Payload),
		j.Retries,
		StatePending,
		j.CreatedAt.UnixMilli(),
		nullableMilli(j.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, retries, state, dead_reason, created_at, last_attempt_at
		FROM outbox_jobs WHERE id = ?
	`, id)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListEligible returns pending jobs the backoff policy admits at time now,
// ordered oldest first. The eligibility check happens in Go because the
// jitter component is drawn per evaluation, not stored.
func (s *SQLiteStore) ListEligible(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, retries, state, dead_reason, created_at, last_attempt_at
		FROM outbox_jobs
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
	`, StatePending)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if s.policy.Eligible(j, now) {
			jobs = append(jobs, j)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET retries = retries + 1, last_attempt_at = ? WHERE id = ?
	`, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("increment retry %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkDead(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET state = ?, dead_reason = ? WHERE id = ?
	`, StateDead, reason, id)
	if err != nil {
		return fmt.Errorf("mark dead %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListDead(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, retries, state, dead_reason, created_at, last_attempt_at
		FROM outbox_jobs
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
	`, StateDead)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	return s.countByState(ctx, StatePending)
}

func (s *SQLiteStore) DeadCount(ctx context.Context) (int, error) {
	return s.countByState(ctx, StateDead)
}

func (s *SQLiteStore) countByState(ctx context.Context, state State) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_jobs WHERE state = ?`, state).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", state, err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var payload string
	var createdAt int64
	var lastAttemptAt sql.NullInt64

	err := row.Scan(&j.ID, &j.Kind, &payload, &j.Retries, &j.State, &j.DeadReason, &createdAt, &lastAttemptAt)
	if err != nil {
		return nil, err
	}

	j.Payload = []byte(payload)
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastAttemptAt.Valid {
		t := time.UnixMilli(lastAttemptAt.Int64).UTC()
		j.LastAttemptAt = &t
	}
	return j, nil
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
