package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS capture_jobs (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	submitted_at INTEGER NOT NULL,
	doc          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_jobs_status ON capture_jobs(status, submitted_at);
`

// SQLiteLedger persists jobs in an embedded SQLite file. The full record is
// kept as a JSON document; status and submitted_at are duplicated into
// columns for indexed listing.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (and creates if needed) the ledger at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite ledger: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: open: %w", err)
	}
	// single writer; also keeps ":memory:" pointing at one database
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite ledger: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ledger: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ledger: ping: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Create(ctx context.Context, j *Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO capture_jobs (id, status, submitted_at, doc) VALUES (?, ?, ?, ?)`,
		j.ID, string(j.Status), j.SubmittedAt.UnixNano(), string(doc))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, j.ID)
		}
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	return nil
}

func (l *SQLiteLedger) Update(ctx context.Context, id string, f Fields) (*Job, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT doc FROM capture_jobs WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if err := Apply(cur, f); err != nil {
		return nil, err
	}
	doc, err := json.Marshal(cur)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE capture_jobs SET status = ?, doc = ? WHERE id = ?`,
		string(cur.Status), string(doc), id); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(l.db.QueryRowContext(ctx, `SELECT doc FROM capture_jobs WHERE id = ?`, id), id)
}

func (l *SQLiteLedger) Delete(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM capture_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (l *SQLiteLedger) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT doc FROM capture_jobs WHERE status = ? ORDER BY submitted_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Job, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var j Job
		if err := json.Unmarshal([]byte(doc), &j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

func (l *SQLiteLedger) Close() error { return l.db.Close() }

func scanJob(row *sql.Row, id string) (*Job, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var j Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}
