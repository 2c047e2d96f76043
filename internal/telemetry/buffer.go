// Package telemetry buffers location pings while offline and uploads them in
// best-effort batches. Weaker guarantees than the outbox: at-least-once, no
// idempotency key, the backend tolerates duplicate pings.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Ping is one buffered location sample. The upload consumer is the only
// writer of Uploaded.
type Ping struct {
	ID       int64   `json:"id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
	Speed    float64 `json:"speed"`
	Ts       int64   `json:"ts"` // epoch ms
	Uploaded bool    `json:"uploaded"`
}

// Buffer is the SQLite-backed ping store.
type Buffer struct {
	db *sql.DB
}

// NewBuffer opens (or creates) the SQLite database at dbPath and runs
// migrations.
func NewBuffer(dbPath string) (*Buffer, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &Buffer{db: db}
	if err = b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Buffer) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS location_pings (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			lat      REAL NOT NULL,
			lng      REAL NOT NULL,
			accuracy REAL NOT NULL,
			speed    REAL NOT NULL,
			ts       INTEGER NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_location_pings_uploaded ON location_pings(uploaded, ts);
	`)
	return err
}

// Append stores a ping with uploaded=false and fills in its assigned ID.
func (b *Buffer) Append(ctx context.Context, p *Ping) error {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO location_pings (lat, lng, accuracy, speed, ts, uploaded)
		VALUES (?, ?, ?, ?, ?, 0)
	`, p.Lat, p.Lng, p.Accuracy, p.Speed, p.Ts)
	if err != nil {
		return fmt.Errorf("append ping: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append ping id: %w", err)
	}
	p.ID = id
	return nil
}

// Pending returns up to limit pings not yet uploaded, oldest first.
// limit <= 0 means no limit.
func (b *Buffer) Pending(ctx context.Context, limit int) ([]*Ping, error) {
	q := `
		SELECT id, lat, lng, accuracy, speed, ts, uploaded
		FROM location_pings
		WHERE uploaded = 0
		ORDER BY ts ASC, id ASC
	`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending pings: %w", err)
	}
	defer rows.Close()

	var pings []*Ping
	for rows.Next() {
		p := &Ping{}
		if err := rows.Scan(&p.ID, &p.Lat, &p.Lng, &p.Accuracy, &p.Speed, &p.Ts, &p.Uploaded); err != nil {
			return nil, fmt.Errorf("scan ping: %w", err)
		}
		pings = append(pings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending pings: %w", err)
	}
	return pings, nil
}

// MarkUploaded flips uploaded=true for exactly the given ids, in one
// transaction: after a successful batch the whole submission is marked,
// after a failed one nothing is.
func (b *Buffer) MarkUploaded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := b.db.ExecContext(ctx,
		`UPDATE location_pings SET uploaded = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// PendingCount returns the number of pings still awaiting upload.
func (b *Buffer) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM location_pings WHERE uploaded = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending pings: %w", err)
	}
	return n, nil
}

// DeleteUploadedBefore purges uploaded pings older than the cutoff and
// returns how many rows were removed. Retention cleanup only; pending pings
// are never touched.
func (b *Buffer) DeleteUploadedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM location_pings WHERE uploaded = 1 AND ts < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete uploaded pings: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (b *Buffer) Close() error {
	return b.db.Close()
}
