package repo

import (
	"context"
	"database/sql"

	"siteline/internal/domain"
)

// Role assignments back the role directory the alert manager consults. One
// user per (project, role); unassigned roles fall through to the config's
// default bucket.

func (r Repo) UpsertAssignment(ctx context.Context, a domain.RoleAssignment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO role_assignments(project_id,role,user_id,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,role) DO UPDATE SET user_id=excluded.user_id, updated_at=excluded.updated_at`,
		a.ProjectID, a.Role, a.UserID, a.UpdatedAt)
	return err
}

func (r Repo) UpsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.RoleAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO role_assignments(project_id,role,user_id,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,role) DO UPDATE SET user_id=excluded.user_id, updated_at=excluded.updated_at`,
		a.ProjectID, a.Role, a.UserID, a.UpdatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, projectID, role string) (domain.RoleAssignment, error) {
	var a domain.RoleAssignment
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,role,user_id,updated_at FROM role_assignments WHERE project_id=? AND role=?`, projectID, role).
		Scan(&a.ProjectID, &a.Role, &a.UserID, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAssignments(ctx context.Context, projectID string) ([]domain.RoleAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,role,user_id,updated_at FROM role_assignments WHERE project_id=? ORDER BY role`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleAssignment
	for rows.Next() {
		var a domain.RoleAssignment
		if err := rows.Scan(&a.ProjectID, &a.Role, &a.UserID, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAssignment(ctx context.Context, projectID, role string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM role_assignments WHERE project_id=? AND role=?`, projectID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
