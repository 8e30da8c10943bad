package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"siteline/internal/catalog"
	"siteline/internal/domain"
	"siteline/internal/events"
	"siteline/internal/repo"
)

// RoleDirectory maps a responsible role to a concrete user for a project.
// Consumed read-only by alert creation; an empty user id means unassigned and
// the caller falls back to the configured default bucket.
type RoleDirectory interface {
	Resolve(ctx context.Context, projectID, role string) (string, error)
}

type dbRoleDirectory struct {
	r repo.Repo
}

// NewRoleDirectory returns the repo-backed directory used in production.
func NewRoleDirectory(r repo.Repo) RoleDirectory {
	return dbRoleDirectory{r: r}
}

// AssignRole binds a responsible role to a user for one project. Future
// alerts for that role go to the user; alerts already raised keep their
// assignee until explicitly reassigned.
func (e *Engine) AssignRole(ctx context.Context, projectID, role, userID, actorID string) (domain.RoleAssignment, error) {
	if !catalog.KnownRole(role) {
		return domain.RoleAssignment{}, fmt.Errorf("unknown role %q", role)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.RoleAssignment{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.RoleAssignment{ProjectID: projectID, Role: role, UserID: userID, UpdatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
		return a, err
	}
	if err := e.Repo.UpsertAssignmentTx(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "role.assigned", Project: projectID, EntityKind: "project", EntityID: projectID, Actor: actorID,
		Payload: events.EventPayload{"role": role, "user": userID},
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func (d dbRoleDirectory) Resolve(ctx context.Context, projectID, role string) (string, error) {
	a, err := d.r.GetAssignment(ctx, projectID, role)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.UserID, nil
}
