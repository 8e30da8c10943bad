package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"siteline/internal/catalog"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/engine"
	"siteline/internal/migrate"
	"siteline/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Run    domain.WorkflowRun
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	cfg.Assignments = map[string]string{
		"sales":          "alice",
		"office":         "bob",
		"administration": "carol",
	}
	eng := engine.New(conn, catalog.Default(), cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "Test Project", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	run, pos, err := eng.InitWorkflow(ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("init workflow: %v", err)
	}
	if pos.Complete || pos.LineItem.ID != "lead-contact-logged" {
		t.Fatalf("expected initial position at first item, got %+v", pos)
	}
	return testEnv{Engine: eng, Ctx: ctx, Run: run}
}

func complete(t *testing.T, env testEnv, itemID string) engine.CompleteResult {
	t.Helper()
	res, err := env.Engine.CompleteLineItem(env.Ctx, engine.CompleteOptions{
		ProjectID: "proj-1", LineItemID: itemID, UserID: "alice",
	})
	if err != nil {
		t.Fatalf("complete %s: %v", itemID, err)
	}
	return res
}

func TestAdvancementFollowsCatalogOrder(t *testing.T) {
	env := newTestEnv(t)

	res := complete(t, env, "lead-contact-logged")
	if res.AlreadyCompleted {
		t.Fatal("first completion flagged as replay")
	}
	if res.Updated.LineItem.ID != "lead-inspection-scheduled" {
		t.Fatalf("expected advance to lead-inspection-scheduled, got %s", res.Updated.LineItem.ID)
	}

	res = complete(t, env, "lead-inspection-scheduled")
	if res.Updated.Phase.Type != "prospect" || res.Updated.LineItem.ID != "prospect-inspection-completed" {
		t.Fatalf("expected phase boundary crossing into prospect, got %+v", res.Updated)
	}

	pos, err := env.Engine.GetCurrentPosition(env.Ctx, "proj-1", "")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.LineItem.ID != "prospect-inspection-completed" {
		t.Fatalf("read position disagrees with advancement: %s", pos.LineItem.ID)
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first := complete(t, env, "lead-contact-logged")
	ledger, err := env.Engine.Repo.ListCompletions(env.Ctx, env.Run.ID)
	if err != nil {
		t.Fatal(err)
	}

	replay := complete(t, env, "lead-contact-logged")
	if !replay.AlreadyCompleted {
		t.Fatal("replay not detected")
	}
	if replay.Updated.LineItem.ID != first.Updated.LineItem.ID {
		t.Fatalf("replay moved the position: %s", replay.Updated.LineItem.ID)
	}
	after, err := env.Engine.Repo.ListCompletions(env.Ctx, env.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(ledger) {
		t.Fatalf("replay wrote to the ledger: %d -> %d records", len(ledger), len(after))
	}
	if after[0].CompletedAt != ledger[0].CompletedAt {
		t.Fatal("replay overwrote the original completion timestamp")
	}
}

func TestOutOfOrderCompletionKeepsFirstGap(t *testing.T) {
	env := newTestEnv(t)

	complete(t, env, "lead-contact-logged")

	// Jump ahead: the position must stay at the first gap.
	res := complete(t, env, "prospect-inspection-completed")
	if res.Updated.LineItem.ID != "lead-inspection-scheduled" {
		t.Fatalf("out-of-order completion moved the position to %s", res.Updated.LineItem.ID)
	}

	// Filling the gap now skips over the already-completed item.
	res = complete(t, env, "lead-inspection-scheduled")
	if res.Updated.LineItem.ID != "prospect-photos-uploaded" {
		t.Fatalf("expected resolver to skip completed item, got %s", res.Updated.LineItem.ID)
	}
}

func TestPhaseGate(t *testing.T) {
	env := newTestEnv(t)

	gate, err := env.Engine.CanAdvancePhase(env.Ctx, "proj-1", "", "lead")
	if err != nil {
		t.Fatal(err)
	}
	if gate.Ready || gate.Remaining != 2 || gate.Blocker.ID != "lead-contact-logged" {
		t.Fatalf("unexpected gate: %+v", gate)
	}

	complete(t, env, "lead-contact-logged")
	complete(t, env, "lead-inspection-scheduled")

	gate, err = env.Engine.CanAdvancePhase(env.Ctx, "proj-1", "", "lead")
	if err != nil {
		t.Fatal(err)
	}
	if !gate.Ready || gate.Blocker != nil {
		t.Fatalf("gate should be open after both items: %+v", gate)
	}

	if _, err := env.Engine.CanAdvancePhase(env.Ctx, "proj-1", "", "demolition"); err == nil {
		t.Fatal("expected error for unknown phase type")
	}
}

func TestAlertFollowsPosition(t *testing.T) {
	env := newTestEnv(t)

	alerts, err := env.Engine.AlertsForProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].LineItemID != "lead-contact-logged" {
		t.Fatalf("expected one alert on the first item, got %+v", alerts)
	}
	if alerts[0].AssignedTo != "alice" {
		t.Fatalf("alert not routed through role directory: %s", alerts[0].AssignedTo)
	}
	// sales item, 1 lead day from the fixed clock
	if alerts[0].DueDate != "2026-03-02T09:00:00Z" {
		t.Fatalf("unexpected due date %s", alerts[0].DueDate)
	}

	complete(t, env, "lead-contact-logged")
	alerts, err = env.Engine.AlertsForProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].LineItemID != "lead-inspection-scheduled" {
		t.Fatalf("alert did not follow the position: %+v", alerts)
	}
}

func TestAlertFallsBackToDefaultAssignee(t *testing.T) {
	env := newTestEnv(t)

	complete(t, env, "lead-contact-logged")
	complete(t, env, "lead-inspection-scheduled")
	complete(t, env, "prospect-inspection-completed")
	complete(t, env, "prospect-photos-uploaded")
	complete(t, env, "prospect-claim-filed")

	// prospect-adjuster-meeting belongs to project_manager, which has no
	// assignment in the test config.
	alerts, err := env.Engine.AlertsForProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].AssignedTo != "office-queue" {
		t.Fatalf("expected default assignee fallback, got %+v", alerts)
	}
}

func TestReassignAndAcknowledgeAlert(t *testing.T) {
	env := newTestEnv(t)

	alerts, _ := env.Engine.AlertsForProject(env.Ctx, "proj-1")
	a, err := env.Engine.ReassignAlert(env.Ctx, alerts[0].ID, "bob", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if a.AssignedTo != "bob" {
		t.Fatalf("reassign did not stick: %s", a.AssignedTo)
	}
	if a.DueDate != alerts[0].DueDate {
		t.Fatal("reassign changed the due date")
	}

	userAlerts, err := env.Engine.AlertsForUser(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(userAlerts) != 1 {
		t.Fatalf("reassigned alert not visible for new assignee: %+v", userAlerts)
	}

	a, err = env.Engine.AcknowledgeAlert(env.Ctx, a.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AlertAcknowledged {
		t.Fatalf("unexpected status %s", a.Status)
	}

	// Acknowledged alerts still block duplicates: completing another item
	// out of order must not raise a second alert for the same position.
	complete(t, env, "prospect-inspection-completed")
	alerts, _ = env.Engine.AlertsForProject(env.Ctx, "proj-1")
	if len(alerts) != 1 {
		t.Fatalf("expected single live alert, got %d", len(alerts))
	}

	if _, err := env.Engine.ReassignAlert(env.Ctx, alerts[0].ID, "nobody", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected unknown user error, got %v", err)
	}
}

func TestWorkflowCompletion(t *testing.T) {
	env := newTestEnv(t)

	for _, it := range env.Engine.Catalog.Items() {
		complete(t, env, it.ID)
	}
	pos, err := env.Engine.GetCurrentPosition(env.Ctx, "proj-1", env.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !pos.Complete {
		t.Fatalf("expected terminal position, got %+v", pos)
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, env.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "complete" {
		t.Fatalf("run status %s", run.Status)
	}
	alerts, _ := env.Engine.AlertsForProject(env.Ctx, "proj-1")
	if len(alerts) != 0 {
		t.Fatalf("terminal run still has live alerts: %+v", alerts)
	}
}

func TestReconcileRepairsDriftAndConverges(t *testing.T) {
	env := newTestEnv(t)

	complete(t, env, "lead-contact-logged")
	complete(t, env, "lead-inspection-scheduled")

	// Corrupt the tracker behind the engine's back.
	if _, err := env.Engine.DB.Exec(
		`UPDATE trackers SET current_phase_id='lead', current_section_id='lead-intake', current_line_item_id='lead-contact-logged' WHERE run_id=?`,
		env.Run.ID); err != nil {
		t.Fatal(err)
	}

	violations, err := env.Engine.Validate(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) == 0 {
		t.Fatal("validate missed the drift")
	}

	res, err := env.Engine.Reconcile(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || !res.TrackerMoved {
		t.Fatalf("reconcile reported no repair: %+v", res)
	}
	if res.Position.LineItem.ID != "prospect-inspection-completed" {
		t.Fatalf("reconcile landed on %s", res.Position.LineItem.ID)
	}

	violations, err = env.Engine.Validate(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Fatalf("violations survive reconcile: %+v", violations)
	}

	// Second pass must be a no-op.
	res, err = env.Engine.Reconcile(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Fatalf("second reconcile still wrote: %+v", res)
	}
}

func TestResetCompletionReopensRun(t *testing.T) {
	env := newTestEnv(t)

	for _, it := range env.Engine.Catalog.Items() {
		complete(t, env, it.ID)
	}
	res, err := env.Engine.ResetCompletion(env.Ctx, "proj-1", env.Run.ID, "completion-payment-received", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.Position.Complete || res.Position.LineItem.ID != "completion-payment-received" {
		t.Fatalf("reset position %+v", res.Position)
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, env.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "active" {
		t.Fatalf("run not reopened: %s", run.Status)
	}
	alerts, _ := env.Engine.AlertsForProject(env.Ctx, "proj-1")
	if len(alerts) != 1 || alerts[0].LineItemID != "completion-payment-received" {
		t.Fatalf("alert not rebuilt after reset: %+v", alerts)
	}
}

func TestCompletionValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.CompleteLineItem(env.Ctx, engine.CompleteOptions{
		ProjectID: "proj-1", LineItemID: "no-such-item", UserID: "alice",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown item: %v", err)
	}
	_, err = env.Engine.CompleteLineItem(env.Ctx, engine.CompleteOptions{
		ProjectID: "proj-1", LineItemID: "lead-contact-logged", UserID: "ghost",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown user: %v", err)
	}
	_, err = env.Engine.CompleteLineItem(env.Ctx, engine.CompleteOptions{
		ProjectID: "no-such-project", LineItemID: "lead-contact-logged", UserID: "alice",
	})
	if err == nil {
		t.Fatal("expected error for unknown project")
	}
}

func TestSecondWorkflowRunRejected(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.InitWorkflow(env.Ctx, "proj-1", "", "tester"); err == nil {
		t.Fatal("expected conflict starting a second live run")
	}
}

func TestConcurrentCompletions(t *testing.T) {
	env := newTestEnv(t)

	items := env.Engine.Catalog.Items()
	var wg sync.WaitGroup
	errs := make(chan error, len(items))
	for _, it := range items {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.Engine.CompleteLineItem(env.Ctx, engine.CompleteOptions{
				ProjectID: "proj-1", LineItemID: id, UserID: "alice",
			})
			errs <- err
		}(it.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent completion failed: %v", err)
		}
	}

	pos, err := env.Engine.GetCurrentPosition(env.Ctx, "proj-1", env.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !pos.Complete {
		t.Fatalf("expected terminal position after completing everything, got %+v", pos)
	}
	violations, err := env.Engine.Validate(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Fatalf("invariants broken under concurrency: %+v", violations)
	}
}
