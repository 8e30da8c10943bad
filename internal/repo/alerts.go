package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

const alertColumns = `id,run_id,project_id,line_item_id,responsible_role,assigned_to,status,due_date,created_at,COALESCE(resolved_at,'')`

// InsertAlertTx is a conditional insert: the partial unique index on live
// alerts makes a second creation attempt for the same (run, line item) a
// no-op. Returns created=false when a live alert already existed.
func (r Repo) InsertAlertTx(ctx context.Context, tx *sql.Tx, a domain.Alert) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO alerts(id,run_id,project_id,line_item_id,responsible_role,assigned_to,status,due_date,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.ProjectID, a.LineItemID, a.ResponsibleRole, a.AssignedTo, a.Status, a.DueDate, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanAlert(scan func(dest ...any) error) (domain.Alert, error) {
	var a domain.Alert
	err := scan(&a.ID, &a.RunID, &a.ProjectID, &a.LineItemID, &a.ResponsibleRole, &a.AssignedTo, &a.Status, &a.DueDate, &a.CreatedAt, &a.ResolvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=?`, id)
	return scanAlert(row.Scan)
}

// LiveAlertTx returns the single unresolved alert for a (run, line item), if any.
func (r Repo) LiveAlertTx(ctx context.Context, tx *sql.Tx, runID, lineItemID string) (domain.Alert, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE run_id=? AND line_item_id=? AND status!='resolved'`, runID, lineItemID)
	return scanAlert(row.Scan)
}

// ResolveAlertTx transitions the live alert for a (run, line item) to
// resolved. Resolving an already-resolved item is a no-op, not an error.
func (r Repo) ResolveAlertTx(ctx context.Context, tx *sql.Tx, runID, lineItemID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET status='resolved', resolved_at=? WHERE run_id=? AND line_item_id=? AND status!='resolved'`,
		now, runID, lineItemID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ResolveOtherAlertsTx resolves every live alert of a run except the one for
// keepItemID. Reconcile uses it to retire stale alerts in one statement;
// keepItemID may be empty to resolve everything (terminal runs).
func (r Repo) ResolveOtherAlertsTx(ctx context.Context, tx *sql.Tx, runID, keepItemID, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET status='resolved', resolved_at=? WHERE run_id=? AND status!='resolved' AND line_item_id!=?`,
		now, runID, keepItemID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ReassignAlertTx(ctx context.Context, tx *sql.Tx, alertID, userID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET assigned_to=? WHERE id=? AND status!='resolved'`, userID, alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AcknowledgeAlertTx(ctx context.Context, tx *sql.Tx, alertID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE alerts SET status='acknowledged' WHERE id=? AND status='active'`, alertID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AlertFilters struct {
	ProjectID  string
	RunID      string
	AssignedTo string
	Status     string
	Limit      int
}

func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.Status != "" {
		if f.Status == "live" {
			clauses = append(clauses, "status!='resolved'")
		} else {
			clauses = append(clauses, "status=?")
			args = append(args, f.Status)
		}
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE ` + joinAnd(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
