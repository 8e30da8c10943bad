package domain

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status" enum:"active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Phase, Section and LineItem are catalog reference data. They are loaded
// once at startup and never mutated while a workflow run is live; the
// engine orders them by (Phase.Order, Section.Order, LineItem.Order).

type Phase struct {
	ID    string `json:"id"`
	Type  string `json:"type" enum:"lead,prospect,approved,execution,second_supplement,completion"`
	Name  string `json:"name,omitempty"`
	Order int    `json:"order"`
}

type Section struct {
	ID      string `json:"id"`
	PhaseID string `json:"phase_id"`
	Name    string `json:"name,omitempty"`
	Order   int    `json:"order"`
}

type LineItem struct {
	ID              string `json:"id"`
	SectionID       string `json:"section_id"`
	Name            string `json:"name,omitempty"`
	Order           int    `json:"order"`
	ResponsibleRole string `json:"responsible_role"`
	AlertLeadDays   int    `json:"alert_lead_days"`
}

// WorkflowRun is one execution of a catalog for a project. A project may run
// several workflow kinds concurrently; each run owns its own tracker,
// completions and alerts.
type WorkflowRun struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	WorkflowKind string `json:"workflow_kind"`
	Status       string `json:"status" enum:"active,complete,archived"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Tracker caches the resolver's output for O(1) position reads. The pointer
// fields are all-or-nothing: non-terminal runs carry all three, terminal runs
// carry none. It is derived state; the completions table is the source of
// truth and the tracker can be rebuilt from it at any time.
type Tracker struct {
	RunID               string  `json:"run_id"`
	ProjectID           string  `json:"project_id"`
	CurrentPhaseID      *string `json:"current_phase_id,omitempty"`
	CurrentSectionID    *string `json:"current_section_id,omitempty"`
	CurrentLineItemID   *string `json:"current_line_item_id,omitempty"`
	LastCompletedItemID *string `json:"last_completed_item_id,omitempty"`
	Terminal            bool    `json:"terminal"`
	Version             int64   `json:"version"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// CompletionRecord is append-only. (RunID, LineItemID) is unique; the first
// completion wins and a replay is a no-op.
type CompletionRecord struct {
	RunID       string `json:"run_id"`
	ProjectID   string `json:"project_id"`
	LineItemID  string `json:"line_item_id"`
	CompletedBy string `json:"completed_by"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

type Alert struct {
	ID              string `json:"id"`
	RunID           string `json:"run_id"`
	ProjectID       string `json:"project_id"`
	LineItemID      string `json:"line_item_id"`
	ResponsibleRole string `json:"responsible_role"`
	AssignedTo      string `json:"assigned_to"`
	Status          string `json:"status" enum:"active,acknowledged,resolved"`
	DueDate         string `json:"due_date" format:"date-time"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	ResolvedAt      string `json:"resolved_at,omitempty" format:"date-time"`
}

const (
	AlertActive       = "active"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
)

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoleAssignment maps a responsible role to a concrete user for one project.
type RoleAssignment struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	UserID    string `json:"user_id"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Position is the resolver's answer: either the first incomplete line item
// with its owning section and phase, or Complete.
type Position struct {
	Complete bool      `json:"complete"`
	Phase    *Phase    `json:"phase,omitempty"`
	Section  *Section  `json:"section,omitempty"`
	LineItem *LineItem `json:"line_item,omitempty"`
}
