package journal

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the append-only health journal (modernc.org/sqlite driver, CGO-free).
// Every recovery attempt, cleanup pass and startup check lands here so the
// history survives app restarts. Writers treat journal errors as non-fatal.

// Record kinds.
const (
	KindRecovery = "recovery"
	KindCleanup  = "cleanup"
	KindStartup  = "startup"
)

// Record is one journal row.
type Record struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	InstanceID string    `json:"instanceId"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
}

type DB struct {
	db *sql.DB
}

// New opens the journal database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty journal path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (j *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS health_journal(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TIMESTAMP NOT NULL,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_health_journal_kind ON health_journal(kind);`,
		`CREATE INDEX IF NOT EXISTS idx_health_journal_occurred_at ON health_journal(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (j *DB) Close() error { return j.db.Close() }

// Append inserts one record. A zero OccurredAt is filled with the current
// time.
func (j *DB) Append(ctx context.Context, rec Record) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO health_journal(occurred_at, instance_id, kind, subject, success, detail)
		VALUES(?, ?, ?, ?, ?, ?);`,
		rec.OccurredAt.UTC(), rec.InstanceID, rec.Kind, rec.Subject, rec.Success, rec.Detail)
	return err
}

// Recent returns the newest records first. limit <= 0 selects 50.
func (j *DB) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, occurred_at, instance_id, kind, subject, success, detail
		FROM health_journal
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// RecentByKind returns the newest records of one kind first. limit <= 0
// selects 50.
func (j *DB) RecentByKind(ctx context.Context, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, occurred_at, instance_id, kind, subject, success, detail
		FROM health_journal
		WHERE kind=?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?;`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// PurgeOlderThan deletes records older than the cutoff and reports how many
// went away.
func (j *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM health_journal WHERE occurred_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.OccurredAt, &r.InstanceID, &r.Kind, &r.Subject, &r.Success, &r.Detail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
