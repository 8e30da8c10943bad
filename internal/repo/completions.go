package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

// InsertCompletionTx records a completion idempotently. The primary key on
// (run_id, line_item_id) makes replays a no-op: the first completion wins and
// its timestamp is never overwritten. Returns already=true when the record
// existed.
func (r Repo) InsertCompletionTx(ctx context.Context, tx *sql.Tx, rec domain.CompletionRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO completions(run_id,line_item_id,project_id,completed_by,completed_at) VALUES (?,?,?,?,?)`,
		rec.RunID, rec.LineItemID, rec.ProjectID, rec.CompletedBy, rec.CompletedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// CompletedSetTx is the projection the resolver consumes, read inside the
// advancement transaction so it sees the write that triggered it.
func (r Repo) CompletedSetTx(ctx context.Context, tx *sql.Tx, runID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT line_item_id FROM completions WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	return collectSet(rows)
}

func (r Repo) CompletedSet(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT line_item_id FROM completions WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	return collectSet(rows)
}

func collectSet(rows *sql.Rows) (map[string]bool, error) {
	defer rows.Close()
	set := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}

func (r Repo) ListCompletions(ctx context.Context, runID string) ([]domain.CompletionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,line_item_id,project_id,completed_by,completed_at FROM completions WHERE run_id=? ORDER BY completed_at, line_item_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionRecord
	for rows.Next() {
		var c domain.CompletionRecord
		if err := rows.Scan(&c.RunID, &c.LineItemID, &c.ProjectID, &c.CompletedBy, &c.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LatestCompletionTx returns the most recently recorded line item for a run,
// or "" when the ledger is empty.
func (r Repo) LatestCompletionTx(ctx context.Context, tx *sql.Tx, runID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT line_item_id FROM completions WHERE run_id=? ORDER BY completed_at DESC, line_item_id DESC LIMIT 1`, runID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// DeleteCompletionTx backs the explicit administrative reset; normal
// operation never deletes from the ledger.
func (r Repo) DeleteCompletionTx(ctx context.Context, tx *sql.Tx, runID, lineItemID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM completions WHERE run_id=? AND line_item_id=?`, runID, lineItemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
