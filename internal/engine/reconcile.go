package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"siteline/internal/cache"
	"siteline/internal/domain"
	"siteline/internal/events"
	"siteline/internal/repo"
)

// ReconcileResult reports what a reconciliation pass changed. A clean run
// (Changed=false) performed no writes at all.
type ReconcileResult struct {
	RunID          string
	ProjectID      string
	Changed        bool
	TrackerMoved   bool
	AlertsResolved int64
	AlertCreated   bool
	Position       domain.Position
}

// Reconcile rebuilds the derived state of one run from its completion
// ledger: tracker position, run status and the live alert are overwritten
// with what the resolver says they should be. It is the recovery path for
// any drift between ledger and cache and converges in one pass.
func (e *Engine) Reconcile(ctx context.Context, projectID, runID, actorID string) (ReconcileResult, error) {
	run, err := e.resolveRun(ctx, projectID, runID)
	if err != nil {
		return ReconcileResult{}, err
	}
	unlock := e.lockRun(run.ID)
	defer unlock()
	return e.reconcileLocked(ctx, run, actorID)
}

func (e *Engine) reconcileLocked(ctx context.Context, run domain.WorkflowRun, actorID string) (ReconcileResult, error) {
	var res ReconcileResult
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		res, err = e.reconcileTx(ctx, run, actorID)
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return res, err
		}
		if res.Changed {
			// Bulk alert rewrites do not report which assignees were
			// touched, so drop every cached user list along with the
			// project's.
			e.Cache.Invalidate(cache.ProjectKey(run.ProjectID))
			e.Cache.InvalidatePattern("user:")
		}
		return res, nil
	}
	return res, fmt.Errorf("reconcile run %s: %w", run.ID, ErrConcurrentModification)
}

func (e *Engine) reconcileTx(ctx context.Context, run domain.WorkflowRun, actorID string) (ReconcileResult, error) {
	res := ReconcileResult{RunID: run.ID, ProjectID: run.ProjectID}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	set, err := e.Repo.CompletedSetTx(ctx, tx, run.ID)
	if err != nil {
		return res, err
	}
	pos := e.Catalog.Resolve(set)
	res.Position = pos

	latest, err := e.Repo.LatestCompletionTx(ctx, tx, run.ID)
	if err != nil {
		return res, err
	}
	var lastCompleted *string
	if latest != "" {
		lastCompleted = &latest
	}
	desired := trackerFor(run, pos, lastCompleted, now)

	tracker, err := e.Repo.GetTrackerTx(ctx, tx, run.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Tracker row lost; rebuild it from the ledger.
		if err := e.Repo.InsertTrackerTx(ctx, tx, desired); err != nil {
			return res, err
		}
		res.TrackerMoved = true
	case err != nil:
		return res, err
	default:
		if trackerDiffers(tracker, desired) {
			desired.Version = tracker.Version
			if err := e.Repo.UpdateTrackerTx(ctx, tx, desired, tracker.Version); err != nil {
				return res, err
			}
			res.TrackerMoved = true
		}
	}

	// Every live alert except the current item's is stale by definition.
	keep := currentItemID(pos)
	resolved, err := e.Repo.ResolveOtherAlertsTx(ctx, tx, run.ID, keep, now)
	if err != nil {
		return res, err
	}
	res.AlertsResolved = resolved

	if !pos.Complete {
		_, created, err := e.ensureAlertTx(ctx, tx, run, *pos.LineItem, actorID)
		if err != nil {
			return res, err
		}
		res.AlertCreated = created
	}

	statusChanged := false
	switch {
	case pos.Complete && run.Status != "complete":
		if err := e.Repo.SetRunStatusTx(ctx, tx, run.ID, "complete"); err != nil {
			return res, err
		}
		statusChanged = true
	case !pos.Complete && run.Status == "complete":
		// A reset reopened the run.
		if err := e.Repo.SetRunStatusTx(ctx, tx, run.ID, "active"); err != nil {
			return res, err
		}
		statusChanged = true
	}

	res.Changed = res.TrackerMoved || res.AlertsResolved > 0 || res.AlertCreated || statusChanged
	if res.Changed {
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "workflow.reconciled", Project: run.ProjectID, EntityKind: "workflow_run", EntityID: run.ID, Actor: actorID,
			Payload: events.EventPayload{
				"current_item":    keep,
				"terminal":        pos.Complete,
				"alerts_resolved": res.AlertsResolved,
				"alert_created":   res.AlertCreated,
			},
		}); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// ReconcileAll sweeps every run in the workspace.
func (e *Engine) ReconcileAll(ctx context.Context, actorID string) ([]ReconcileResult, error) {
	ids, err := e.Repo.ListAllRunIDs(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]ReconcileResult, 0, len(ids))
	for _, id := range ids {
		run, err := e.Repo.GetRun(ctx, id)
		if err != nil {
			return results, fmt.Errorf("run %s: %w", id, err)
		}
		unlock := e.lockRun(run.ID)
		res, err := e.reconcileLocked(ctx, run, actorID)
		unlock()
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func trackerDiffers(have, want domain.Tracker) bool {
	return have.Terminal != want.Terminal ||
		!ptrEqual(have.CurrentPhaseID, want.CurrentPhaseID) ||
		!ptrEqual(have.CurrentSectionID, want.CurrentSectionID) ||
		!ptrEqual(have.CurrentLineItemID, want.CurrentLineItemID) ||
		!ptrEqual(have.LastCompletedItemID, want.LastCompletedItemID)
}

func ptrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
