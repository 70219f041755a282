package diag

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Kind string

const (
	KindStale  Kind = "stale"
	KindRate   Kind = "rate"
	KindOrphan Kind = "orphan"
)

// Report is one persisted diagnostics entry.
type Report struct {
	ID        int64     `json:"id"`
	Kind      Kind      `json:"kind"`
	Method    string    `json:"method"`
	Count     int       `json:"count"`
	Oldest    time.Time `json:"oldest,omitzero"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    method TEXT NOT NULL,
    count INTEGER NOT NULL,
    oldest INTEGER,          -- unix millis, NULL when unknown
    message TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at);
CREATE INDEX IF NOT EXISTS idx_reports_kind ON reports(kind);
`

// Store keeps stale-request and rate alert reports in a local sqlite file so
// they survive the process that produced them.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("diag: database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("diag: create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("diag: open database: %w", err)
	}
	// sqlite has a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("diag: set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("diag: initialize schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Record(ctx context.Context, r Report) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	var oldest any
	if !r.Oldest.IsZero() {
		oldest = r.Oldest.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (kind, method, count, oldest, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(r.Kind), r.Method, r.Count, oldest, r.Message, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("diag: insert report: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns the newest reports first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, method, count, oldest, message, created_at FROM reports ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("diag: query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r       Report
			kind    string
			oldest  sql.NullInt64
			created int64
		)
		if err := rows.Scan(&r.ID, &kind, &r.Method, &r.Count, &oldest, &r.Message, &created); err != nil {
			return nil, fmt.Errorf("diag: scan report: %w", err)
		}
		r.Kind = Kind(kind)
		if oldest.Valid {
			r.Oldest = time.UnixMilli(oldest.Int64).UTC()
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes reports created before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("diag: prune reports: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
