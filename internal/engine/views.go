package engine

import (
	"context"
	"fmt"

	"siteline/internal/cache"
	"siteline/internal/domain"
	"siteline/internal/repo"
)

// Run resolves the workflow run a caller is talking about, by explicit id
// or the project's live run.
func (e *Engine) Run(ctx context.Context, projectID, runID string) (domain.WorkflowRun, error) {
	return e.resolveRun(ctx, projectID, runID)
}

// GetCurrentPosition reads the tracker and maps it back onto the catalog.
// Pure read: no recomputation, no writes.
func (e *Engine) GetCurrentPosition(ctx context.Context, projectID, runID string) (domain.Position, error) {
	run, err := e.resolveRun(ctx, projectID, runID)
	if err != nil {
		return domain.Position{}, err
	}
	t, err := e.Repo.GetTracker(ctx, run.ID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("tracker for run %s: %w", run.ID, err)
	}
	return e.positionFromTracker(t)
}

func (e *Engine) positionFromTracker(t domain.Tracker) (domain.Position, error) {
	if t.Terminal {
		return domain.Position{Complete: true}, nil
	}
	if t.CurrentPhaseID == nil || t.CurrentSectionID == nil || t.CurrentLineItemID == nil {
		return domain.Position{}, fmt.Errorf("tracker for run %s has null position fields, reconcile the run", t.RunID)
	}
	item, ok := e.Catalog.Item(*t.CurrentLineItemID)
	if !ok {
		return domain.Position{}, fmt.Errorf("tracker for run %s points at unknown line item %s, reconcile the run", t.RunID, *t.CurrentLineItemID)
	}
	section, ok := e.Catalog.Section(*t.CurrentSectionID)
	if !ok || section.ID != item.SectionID {
		return domain.Position{}, fmt.Errorf("tracker for run %s has inconsistent section %s, reconcile the run", t.RunID, *t.CurrentSectionID)
	}
	phase, ok := e.Catalog.Phase(*t.CurrentPhaseID)
	if !ok || phase.ID != section.PhaseID {
		return domain.Position{}, fmt.Errorf("tracker for run %s has inconsistent phase %s, reconcile the run", t.RunID, *t.CurrentPhaseID)
	}
	return domain.Position{Phase: &phase, Section: &section, LineItem: &item}, nil
}

// IncompleteItems lists the line items of one phase that the run's ledger
// has no completion for, in catalog order.
func (e *Engine) IncompleteItems(ctx context.Context, projectID, runID, phaseType string) ([]domain.LineItem, error) {
	items, err := e.Catalog.ItemsInPhase(phaseType)
	if err != nil {
		return nil, err
	}
	run, err := e.resolveRun(ctx, projectID, runID)
	if err != nil {
		return nil, err
	}
	set, err := e.Repo.CompletedSet(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var missing []domain.LineItem
	for _, it := range items {
		if !set[it.ID] {
			missing = append(missing, it)
		}
	}
	return missing, nil
}

// PhaseGate is the answer to "can this workflow leave the phase yet".
// Blocker is the first incomplete item holding the gate closed.
type PhaseGate struct {
	PhaseType string
	Ready     bool
	Remaining int
	Blocker   *domain.LineItem
}

// CanAdvancePhase checks the gate invariant: a phase may only be left once
// every line item in it is complete, regardless of completion order.
func (e *Engine) CanAdvancePhase(ctx context.Context, projectID, runID, phaseType string) (PhaseGate, error) {
	missing, err := e.IncompleteItems(ctx, projectID, runID, phaseType)
	if err != nil {
		return PhaseGate{}, err
	}
	gate := PhaseGate{PhaseType: phaseType, Ready: len(missing) == 0, Remaining: len(missing)}
	if !gate.Ready {
		first := missing[0]
		gate.Blocker = &first
	}
	return gate, nil
}

// AlertsForProject returns the live alerts of a project, serving from the
// TTL cache when a fresh entry exists.
func (e *Engine) AlertsForProject(ctx context.Context, projectID string) ([]domain.Alert, error) {
	key := cache.ProjectKey(projectID)
	if alerts, ok := e.Cache.Get(key); ok {
		return alerts, nil
	}
	alerts, err := e.Repo.ListAlerts(ctx, repo.AlertFilters{ProjectID: projectID, Status: "live"})
	if err != nil {
		return nil, err
	}
	e.Cache.Set(key, alerts)
	return alerts, nil
}

// AlertsForUser returns the live alerts assigned to a user across projects.
func (e *Engine) AlertsForUser(ctx context.Context, userID string) ([]domain.Alert, error) {
	key := cache.UserKey(userID)
	if alerts, ok := e.Cache.Get(key); ok {
		return alerts, nil
	}
	alerts, err := e.Repo.ListAlerts(ctx, repo.AlertFilters{AssignedTo: userID, Status: "live"})
	if err != nil {
		return nil, err
	}
	e.Cache.Set(key, alerts)
	return alerts, nil
}

// Validate audits every tracker against the structural invariants and the
// ledger. It only reports; Reconcile repairs.
func (e *Engine) Validate(ctx context.Context) ([]Violation, error) {
	trackers, err := e.Repo.ListTrackers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Violation
	for _, t := range trackers {
		out = append(out, e.validateTracker(ctx, t)...)
	}
	return out, nil
}

func (e *Engine) validateTracker(ctx context.Context, t domain.Tracker) []Violation {
	var out []Violation
	add := func(rule, detail string) {
		out = append(out, Violation{RunID: t.RunID, ProjectID: t.ProjectID, Rule: rule, Detail: detail})
	}

	if t.Terminal {
		if t.CurrentPhaseID != nil || t.CurrentSectionID != nil || t.CurrentLineItemID != nil {
			add("terminal_position", "terminal tracker still carries position pointers")
		}
	} else {
		if t.CurrentPhaseID == nil || t.CurrentSectionID == nil || t.CurrentLineItemID == nil {
			add("null_position", "active tracker is missing position pointers")
			return out
		}
		item, ok := e.Catalog.Item(*t.CurrentLineItemID)
		if !ok {
			add("unknown_item", fmt.Sprintf("line item %s is not in the catalog", *t.CurrentLineItemID))
			return out
		}
		if item.SectionID != *t.CurrentSectionID {
			add("section_mismatch", fmt.Sprintf("item %s belongs to section %s, tracker says %s", item.ID, item.SectionID, *t.CurrentSectionID))
		}
		if section, ok := e.Catalog.Section(item.SectionID); ok && section.PhaseID != *t.CurrentPhaseID {
			add("phase_mismatch", fmt.Sprintf("section %s belongs to phase %s, tracker says %s", section.ID, section.PhaseID, *t.CurrentPhaseID))
		}
	}

	set, err := e.Repo.CompletedSet(ctx, t.RunID)
	if err != nil {
		add("ledger_read", err.Error())
		return out
	}
	want := e.Catalog.Resolve(set)
	if want.Complete != t.Terminal || currentItemID(want) != derefOr(t.CurrentLineItemID) {
		add("position_drift", fmt.Sprintf("ledger resolves to %q but tracker holds %q", currentItemID(want), derefOr(t.CurrentLineItemID)))
	}
	return out
}

func derefOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
