package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_runs(id,project_id,workflow_kind,status,created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.ProjectID, run.WorkflowKind, run.Status, run.CreatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,workflow_kind,status,created_at FROM workflow_runs WHERE id=?`, id).
		Scan(&run.ID, &run.ProjectID, &run.WorkflowKind, &run.Status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// ActiveRun returns the single live run for a project and workflow kind.
// Completed runs keep status 'complete' so their history stays queryable.
func (r Repo) ActiveRun(ctx context.Context, projectID, kind string) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,workflow_kind,status,created_at FROM workflow_runs
WHERE project_id=? AND workflow_kind=? AND status IN ('active','complete') ORDER BY created_at DESC LIMIT 1`, projectID, kind).
		Scan(&run.ID, &run.ProjectID, &run.WorkflowKind, &run.Status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) ListRuns(ctx context.Context, projectID string) ([]domain.WorkflowRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,workflow_kind,status,created_at FROM workflow_runs WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowRun
	for rows.Next() {
		var run domain.WorkflowRun
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.WorkflowKind, &run.Status, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) ListAllRunIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM workflow_runs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) SetRunStatusTx(ctx context.Context, tx *sql.Tx, runID, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_runs SET status=? WHERE id=?`, status, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTrackerTx(ctx context.Context, tx *sql.Tx, t domain.Tracker) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trackers(run_id,project_id,current_phase_id,current_section_id,current_line_item_id,last_completed_item_id,terminal,version,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.RunID, t.ProjectID, nullableStringPtr(t.CurrentPhaseID), nullableStringPtr(t.CurrentSectionID),
		nullableStringPtr(t.CurrentLineItemID), nullableStringPtr(t.LastCompletedItemID), boolToInt(t.Terminal), t.Version, t.UpdatedAt)
	return err
}

func scanTracker(row *sql.Row) (domain.Tracker, error) {
	var t domain.Tracker
	var phase, section, item, last sql.NullString
	var terminal int
	err := row.Scan(&t.RunID, &t.ProjectID, &phase, &section, &item, &last, &terminal, &t.Version, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if phase.Valid {
		t.CurrentPhaseID = &phase.String
	}
	if section.Valid {
		t.CurrentSectionID = &section.String
	}
	if item.Valid {
		t.CurrentLineItemID = &item.String
	}
	if last.Valid {
		t.LastCompletedItemID = &last.String
	}
	t.Terminal = terminal != 0
	return t, nil
}

const trackerColumns = `run_id,project_id,current_phase_id,current_section_id,current_line_item_id,last_completed_item_id,terminal,version,updated_at`

func (r Repo) GetTracker(ctx context.Context, runID string) (domain.Tracker, error) {
	return scanTracker(r.DB.QueryRowContext(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE run_id=?`, runID))
}

func (r Repo) GetTrackerTx(ctx context.Context, tx *sql.Tx, runID string) (domain.Tracker, error) {
	return scanTracker(tx.QueryRowContext(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE run_id=?`, runID))
}

// UpdateTrackerTx writes the tracker with an optimistic version check.
// The caller passes the version it read; a concurrent writer that got there
// first makes this return ErrVersionConflict.
func (r Repo) UpdateTrackerTx(ctx context.Context, tx *sql.Tx, t domain.Tracker, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE trackers SET current_phase_id=?, current_section_id=?, current_line_item_id=?, last_completed_item_id=?, terminal=?, version=version+1, updated_at=?
WHERE run_id=? AND version=?`,
		nullableStringPtr(t.CurrentPhaseID), nullableStringPtr(t.CurrentSectionID), nullableStringPtr(t.CurrentLineItemID),
		nullableStringPtr(t.LastCompletedItemID), boolToInt(t.Terminal), t.UpdatedAt, t.RunID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) ListTrackers(ctx context.Context) ([]domain.Tracker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+trackerColumns+` FROM trackers ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tracker
	for rows.Next() {
		var t domain.Tracker
		var phase, section, item, last sql.NullString
		var terminal int
		if err := rows.Scan(&t.RunID, &t.ProjectID, &phase, &section, &item, &last, &terminal, &t.Version, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if phase.Valid {
			t.CurrentPhaseID = &phase.String
		}
		if section.Valid {
			t.CurrentSectionID = &section.String
		}
		if item.Valid {
			t.CurrentLineItemID = &item.String
		}
		if last.Valid {
			t.LastCompletedItemID = &last.String
		}
		t.Terminal = terminal != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
