package diag

import (
	"context"
	"fmt"
	"time"
)

type Retention struct {
	// MaxAge drops reports created before now-MaxAge. Zero keeps any age.
	MaxAge time.Duration
	// MaxRows keeps only the newest MaxRows reports. Zero keeps any count.
	MaxRows int
	DryRun  bool
	Now     time.Time
}

type RetentionResult struct {
	OK          bool  `json:"ok"`
	DryRun      bool  `json:"dryRun"`
	ByAge       int64 `json:"deletedByAge"`
	ByCount     int64 `json:"deletedByCount"`
	TotalBefore int64 `json:"totalBefore"`
	TotalAfter  int64 `json:"totalAfter"`
}

// Apply enforces the retention policy. Age runs first; the row cap then
// trims the oldest of what is left.
func (s *Store) Apply(ctx context.Context, r Retention) (RetentionResult, error) {
	now := r.Now
	if now.IsZero() {
		now = s.now()
	}
	res := RetentionResult{OK: true, DryRun: r.DryRun}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RetentionResult{}, fmt.Errorf("diag: begin retention: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&res.TotalBefore); err != nil {
		return RetentionResult{}, fmt.Errorf("diag: count reports: %w", err)
	}

	if r.MaxAge > 0 {
		cutoff := now.Add(-r.MaxAge).UnixMilli()
		out, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE created_at < ?`, cutoff)
		if err != nil {
			return RetentionResult{}, fmt.Errorf("diag: prune by age: %w", err)
		}
		res.ByAge, _ = out.RowsAffected()
	}
	if r.MaxRows > 0 {
		out, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE id NOT IN (
			SELECT id FROM reports ORDER BY created_at DESC, id DESC LIMIT ?
		)`, r.MaxRows)
		if err != nil {
			return RetentionResult{}, fmt.Errorf("diag: prune by count: %w", err)
		}
		res.ByCount, _ = out.RowsAffected()
	}
	res.TotalAfter = res.TotalBefore - res.ByAge - res.ByCount

	if r.DryRun {
		return res, nil
	}
	if err := tx.Commit(); err != nil {
		return RetentionResult{}, fmt.Errorf("diag: commit retention: %w", err)
	}
	return res, nil
}
