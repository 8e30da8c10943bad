package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"siteline/internal/cache"
	"siteline/internal/catalog"
	"siteline/internal/config"
	"siteline/internal/domain"
	"siteline/internal/events"
	"siteline/internal/repo"
)

// casRetries bounds the optimistic-concurrency retry on the tracker row.
const casRetries = 3

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Catalog *catalog.Catalog
	Config  *config.Config
	Roles   RoleDirectory
	Cache   *cache.AlertCache
	Now     func() time.Time

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

func New(conn *sql.DB, cat *catalog.Catalog, cfg *config.Config) *Engine {
	r := repo.Repo{DB: conn}
	var ttl time.Duration
	var capacity int
	if cfg != nil {
		ttl = time.Duration(cfg.Alerts.CacheTTLSeconds) * time.Second
		capacity = cfg.Alerts.CacheCapacity
	}
	return &Engine{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{DB: conn},
		Catalog:  cat,
		Config:   cfg,
		Roles:    NewRoleDirectory(r),
		Cache:    cache.New(capacity, ttl),
		Now:      time.Now,
		runLocks: map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockRun serializes mutation per workflow run. Completions for different
// projects (and different runs of one project) proceed in parallel; the
// version column on the tracker row covers writers outside this process.
func (e *Engine) lockRun(runID string) func() {
	e.mu.Lock()
	l, ok := e.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.runLocks[runID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// InitProject creates a project, stores its workflow config and seeds the
// role directory from the config's assignments.
func (e *Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        projectID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertWorkflowConfigTx(ctx, tx, p.ID, e.Config); err != nil {
		return domain.Project{}, fmt.Errorf("insert workflow config: %w", err)
	}
	if err := e.Repo.EnsureUser(ctx, tx, e.Config.Alerts.DefaultAssignee, now); err != nil {
		return domain.Project{}, err
	}
	if actorID != "" {
		if err := e.Repo.EnsureUser(ctx, tx, actorID, now); err != nil {
			return domain.Project{}, err
		}
	}
	for role, userID := range e.Config.Assignments {
		if err := e.Repo.EnsureUser(ctx, tx, userID, now); err != nil {
			return domain.Project{}, err
		}
		if err := e.Repo.UpsertAssignmentTx(ctx, tx, domain.RoleAssignment{
			ProjectID: p.ID, Role: role, UserID: userID, UpdatedAt: now,
		}); err != nil {
			return domain.Project{}, fmt.Errorf("seed assignment %s: %w", role, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "project.created", Project: p.ID, EntityKind: "project", EntityID: p.ID, Actor: actorID,
		Payload: events.EventPayload{"status": p.Status},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// InitWorkflow starts a workflow run for a project and points its tracker at
// the first line item of the catalog. One live run per (project, kind).
func (e *Engine) InitWorkflow(ctx context.Context, projectID, kind, actorID string) (domain.WorkflowRun, domain.Position, error) {
	if kind == "" {
		kind = e.Catalog.Kind
	}
	if kind != e.Catalog.Kind {
		return domain.WorkflowRun{}, domain.Position{}, fmt.Errorf("unknown workflow kind %q (catalog is %q)", kind, e.Catalog.Kind)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.WorkflowRun{}, domain.Position{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	if existing, err := e.Repo.ActiveRun(ctx, projectID, kind); err == nil && existing.Status == "active" {
		return domain.WorkflowRun{}, domain.Position{}, fmt.Errorf("workflow %s already active for project %s", kind, projectID)
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkflowRun{}, domain.Position{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	run := domain.WorkflowRun{
		ID:           uuid.New().String(),
		ProjectID:    projectID,
		WorkflowKind: kind,
		Status:       "active",
		CreatedAt:    now,
	}
	pos := e.Catalog.Resolve(nil)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, pos, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return run, pos, fmt.Errorf("insert run: %w", err)
	}
	t := trackerFor(run, pos, nil, now)
	if err := e.Repo.InsertTrackerTx(ctx, tx, t); err != nil {
		return run, pos, fmt.Errorf("insert tracker: %w", err)
	}
	var assignee string
	if !pos.Complete {
		a, _, err := e.ensureAlertTx(ctx, tx, run, *pos.LineItem, actorID)
		if err != nil {
			return run, pos, err
		}
		assignee = a.AssignedTo
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "workflow.initialized", Project: projectID, EntityKind: "workflow_run", EntityID: run.ID, Actor: actorID,
		Payload: events.EventPayload{
			"workflow_kind": kind,
			"current_item":  currentItemID(pos),
		},
	}); err != nil {
		return run, pos, err
	}
	if err := tx.Commit(); err != nil {
		return run, pos, err
	}
	e.invalidateAlerts(projectID, assignee)
	return run, pos, nil
}

// CompleteOptions identifies one completion request. RunID is optional and
// defaults to the project's live run of the configured workflow kind.
type CompleteOptions struct {
	ProjectID  string
	RunID      string
	LineItemID string
	UserID     string
}

type CompleteResult struct {
	Run              domain.WorkflowRun
	AlreadyCompleted bool
	Previous         domain.Position
	Updated          domain.Position

	affectedUsers []string
}

// CompleteLineItem runs the advancement protocol: record the completion,
// recompute the position from the ledger, move the tracker, retire and raise
// alerts, and invalidate cached alert reads. Replaying a completion is a
// no-op that returns the current position. Completing an item ahead of the
// catalog order is allowed; the resolver still returns the first gap.
func (e *Engine) CompleteLineItem(ctx context.Context, opts CompleteOptions) (CompleteResult, error) {
	item, ok := e.Catalog.Item(opts.LineItemID)
	if !ok {
		return CompleteResult{}, fmt.Errorf("line item %s: %w", opts.LineItemID, repo.ErrNotFound)
	}
	if opts.UserID == "" {
		return CompleteResult{}, errors.New("user is required")
	}
	known, err := e.Repo.UserExists(ctx, opts.UserID)
	if err != nil {
		return CompleteResult{}, err
	}
	if !known {
		return CompleteResult{}, fmt.Errorf("user %s: %w", opts.UserID, repo.ErrNotFound)
	}
	run, err := e.resolveRun(ctx, opts.ProjectID, opts.RunID)
	if err != nil {
		return CompleteResult{}, err
	}

	unlock := e.lockRun(run.ID)
	defer unlock()

	var res CompleteResult
	for attempt := 0; attempt < casRetries; attempt++ {
		res, err = e.completeTx(ctx, run, item, opts.UserID)
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return res, err
		}
		if !res.AlreadyCompleted {
			e.invalidateAlerts(run.ProjectID, res.affectedUsers...)
		}
		return res, nil
	}
	return res, fmt.Errorf("complete %s: %w", item.ID, ErrConcurrentModification)
}

func (e *Engine) completeTx(ctx context.Context, run domain.WorkflowRun, item domain.LineItem, userID string) (CompleteResult, error) {
	res := CompleteResult{Run: run}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	tracker, err := e.Repo.GetTrackerTx(ctx, tx, run.ID)
	if err != nil {
		return res, fmt.Errorf("tracker for run %s: %w", run.ID, err)
	}
	prev, err := e.positionFromTracker(tracker)
	if err != nil {
		return res, err
	}
	res.Previous = prev

	already, err := e.Repo.InsertCompletionTx(ctx, tx, domain.CompletionRecord{
		RunID:       run.ID,
		ProjectID:   run.ProjectID,
		LineItemID:  item.ID,
		CompletedBy: userID,
		CompletedAt: now,
	})
	if err != nil {
		return res, fmt.Errorf("record completion: %w", err)
	}
	if already {
		// First completion won; nothing to advance.
		res.AlreadyCompleted = true
		res.Updated = prev
		return res, nil
	}

	set, err := e.Repo.CompletedSetTx(ctx, tx, run.ID)
	if err != nil {
		return res, err
	}
	updated := e.Catalog.Resolve(set)
	res.Updated = updated

	next := trackerFor(run, updated, &item.ID, now)
	next.Version = tracker.Version
	if err := e.Repo.UpdateTrackerTx(ctx, tx, next, tracker.Version); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "item.completed", Project: run.ProjectID, EntityKind: "line_item", EntityID: item.ID, Actor: userID,
		Payload: events.EventPayload{"run_id": run.ID},
	}); err != nil {
		return res, err
	}

	// Retire the alert on the item just completed. In the common in-order
	// path this is the previous current item; for an out-of-order completion
	// there is usually no live alert and this is a no-op.
	if a, err := e.Repo.LiveAlertTx(ctx, tx, run.ID, item.ID); err == nil {
		if _, err := e.Repo.ResolveAlertTx(ctx, tx, run.ID, item.ID, now); err != nil {
			return res, err
		}
		res.affectedUsers = append(res.affectedUsers, a.AssignedTo)
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "alert.resolved", Project: run.ProjectID, EntityKind: "alert", EntityID: a.ID, Actor: userID,
			Payload: events.EventPayload{"line_item": item.ID, "assigned_to": a.AssignedTo},
		}); err != nil {
			return res, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}

	moved := currentItemID(prev) != currentItemID(updated)
	if moved && !updated.Complete {
		a, _, err := e.ensureAlertTx(ctx, tx, run, *updated.LineItem, userID)
		if err != nil {
			return res, err
		}
		res.affectedUsers = append(res.affectedUsers, a.AssignedTo)
	}
	if moved {
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "tracker.advanced", Project: run.ProjectID, EntityKind: "workflow_run", EntityID: run.ID, Actor: userID,
			Payload: events.EventPayload{"from": currentItemID(prev), "to": currentItemID(updated)},
		}); err != nil {
			return res, err
		}
	}
	if updated.Complete && run.Status != "complete" {
		if err := e.Repo.SetRunStatusTx(ctx, tx, run.ID, "complete"); err != nil {
			return res, err
		}
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "workflow.completed", Project: run.ProjectID, EntityKind: "workflow_run", EntityID: run.ID, Actor: userID,
		}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// ensureAlertTx makes sure exactly one live alert exists for (run, item).
// The responsible role resolves through the directory, falling back to the
// configured default bucket when unassigned.
func (e *Engine) ensureAlertTx(ctx context.Context, tx *sql.Tx, run domain.WorkflowRun, item domain.LineItem, actorID string) (domain.Alert, bool, error) {
	assignee, err := e.Roles.Resolve(ctx, run.ProjectID, item.ResponsibleRole)
	if err != nil {
		return domain.Alert{}, false, fmt.Errorf("resolve role %s: %w", item.ResponsibleRole, err)
	}
	if assignee == "" {
		assignee = e.Config.Alerts.DefaultAssignee
	}
	now := e.now().UTC()
	a := domain.Alert{
		ID:              uuid.New().String(),
		RunID:           run.ID,
		ProjectID:       run.ProjectID,
		LineItemID:      item.ID,
		ResponsibleRole: item.ResponsibleRole,
		AssignedTo:      assignee,
		Status:          domain.AlertActive,
		DueDate:         now.Add(time.Duration(item.AlertLeadDays) * 24 * time.Hour).Format(time.RFC3339),
		CreatedAt:       now.Format(time.RFC3339),
	}
	created, err := e.Repo.InsertAlertTx(ctx, tx, a)
	if err != nil {
		return a, false, fmt.Errorf("insert alert: %w", err)
	}
	if !created {
		existing, err := e.Repo.LiveAlertTx(ctx, tx, run.ID, item.ID)
		if err != nil {
			return a, false, err
		}
		return existing, false, nil
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "alert.created", Project: run.ProjectID, EntityKind: "alert", EntityID: a.ID, Actor: actorID,
		Payload: events.EventPayload{
			"line_item": item.ID, "assigned_to": assignee, "role": item.ResponsibleRole, "due_date": a.DueDate,
		},
	}); err != nil {
		return a, false, err
	}
	return a, true, nil
}

// ReassignAlert changes the assignee without touching position or due date.
func (e *Engine) ReassignAlert(ctx context.Context, alertID, userID, actorID string) (domain.Alert, error) {
	known, err := e.Repo.UserExists(ctx, userID)
	if err != nil {
		return domain.Alert{}, err
	}
	if !known {
		return domain.Alert{}, fmt.Errorf("user %s: %w", userID, repo.ErrNotFound)
	}
	a, err := e.Repo.GetAlert(ctx, alertID)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert %s: %w", alertID, err)
	}
	if a.Status == domain.AlertResolved {
		return a, fmt.Errorf("alert %s already resolved", alertID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReassignAlertTx(ctx, tx, alertID, userID); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "alert.reassigned", Project: a.ProjectID, EntityKind: "alert", EntityID: a.ID, Actor: actorID,
		Payload: events.EventPayload{"from": a.AssignedTo, "to": userID},
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.invalidateAlerts(a.ProjectID, a.AssignedTo, userID)
	a.AssignedTo = userID
	return a, nil
}

// AcknowledgeAlert marks an active alert as seen. It still counts as the one
// live alert for its line item; only resolution retires it.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID, actorID string) (domain.Alert, error) {
	a, err := e.Repo.GetAlert(ctx, alertID)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert %s: %w", alertID, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.AcknowledgeAlertTx(ctx, tx, alertID); err != nil {
		return a, fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "alert.acknowledged", Project: a.ProjectID, EntityKind: "alert", EntityID: a.ID, Actor: actorID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	e.invalidateAlerts(a.ProjectID, a.AssignedTo)
	a.Status = domain.AlertAcknowledged
	return a, nil
}

// ResetCompletion is the administrative undo: it deletes one completion
// record and immediately reconciles the run so tracker and alerts converge
// on the ledger again.
func (e *Engine) ResetCompletion(ctx context.Context, projectID, runID, lineItemID, actorID string) (ReconcileResult, error) {
	run, err := e.resolveRun(ctx, projectID, runID)
	if err != nil {
		return ReconcileResult{}, err
	}
	unlock := e.lockRun(run.ID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReconcileResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteCompletionTx(ctx, tx, run.ID, lineItemID); err != nil {
		return ReconcileResult{}, fmt.Errorf("completion %s: %w", lineItemID, err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "completion.reset", Project: run.ProjectID, EntityKind: "line_item", EntityID: lineItemID, Actor: actorID,
		Payload: events.EventPayload{"run_id": run.ID},
	}); err != nil {
		return ReconcileResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReconcileResult{}, err
	}
	return e.reconcileLocked(ctx, run, actorID)
}

// resolveRun finds the run a request targets: explicit run id wins, else the
// project's live run of the configured workflow kind.
func (e *Engine) resolveRun(ctx context.Context, projectID, runID string) (domain.WorkflowRun, error) {
	if runID != "" {
		run, err := e.Repo.GetRun(ctx, runID)
		if err != nil {
			return run, fmt.Errorf("run %s: %w", runID, err)
		}
		if projectID != "" && run.ProjectID != projectID {
			return run, fmt.Errorf("run %s not in project %s", runID, projectID)
		}
		return run, nil
	}
	if projectID == "" {
		return domain.WorkflowRun{}, errors.New("project is required")
	}
	run, err := e.Repo.ActiveRun(ctx, projectID, e.Catalog.Kind)
	if err != nil {
		return run, fmt.Errorf("workflow for project %s: %w", projectID, err)
	}
	return run, nil
}

// invalidateAlerts drops the cached alert lists for a project and the given
// users. Runs after commit so no reader can cache pre-mutation data past the
// mutation's visible completion.
func (e *Engine) invalidateAlerts(projectID string, userIDs ...string) {
	keys := []string{cache.ProjectKey(projectID)}
	for _, u := range userIDs {
		if u != "" {
			keys = append(keys, cache.UserKey(u))
		}
	}
	e.Cache.Invalidate(keys...)
}

func trackerFor(run domain.WorkflowRun, pos domain.Position, lastCompleted *string, now string) domain.Tracker {
	t := domain.Tracker{
		RunID:               run.ID,
		ProjectID:           run.ProjectID,
		LastCompletedItemID: lastCompleted,
		Terminal:            pos.Complete,
		UpdatedAt:           now,
	}
	if !pos.Complete {
		t.CurrentPhaseID = &pos.Phase.ID
		t.CurrentSectionID = &pos.Section.ID
		t.CurrentLineItemID = &pos.LineItem.ID
	}
	return t
}

func currentItemID(pos domain.Position) string {
	if pos.Complete || pos.LineItem == nil {
		return ""
	}
	return pos.LineItem.ID
}
