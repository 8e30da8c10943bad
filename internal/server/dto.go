package server

import (
	"siteline/internal/domain"
	"siteline/internal/engine"
)

type CreateProjectRequest struct {
	ID   string `json:"id" example:"riverside-remodel"`
	Name string `json:"name,omitempty" example:"Riverside Remodel"`
}

type ProjectResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Name: p.Name, Status: p.Status, CreatedAt: p.CreatedAt}
}

type InitWorkflowRequest struct {
	Kind string `json:"kind,omitempty" example:"construction"`
}

type RunResponse struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	WorkflowKind string `json:"workflow_kind"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

func runResponse(run domain.WorkflowRun) RunResponse {
	return RunResponse{
		ID:           run.ID,
		ProjectID:    run.ProjectID,
		WorkflowKind: run.WorkflowKind,
		Status:       run.Status,
		CreatedAt:    run.CreatedAt,
	}
}

type PositionResponse struct {
	Complete bool              `json:"complete"`
	Phase    *PhaseResponse    `json:"phase,omitempty"`
	Section  *SectionResponse  `json:"section,omitempty"`
	LineItem *LineItemResponse `json:"line_item,omitempty"`
}

type PhaseResponse struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

type SectionResponse struct {
	ID      string `json:"id"`
	PhaseID string `json:"phase_id"`
	Name    string `json:"name"`
	Order   int    `json:"order"`
}

type LineItemResponse struct {
	ID              string `json:"id"`
	SectionID       string `json:"section_id"`
	Name            string `json:"name"`
	Order           int    `json:"order"`
	ResponsibleRole string `json:"responsible_role"`
	AlertLeadDays   int    `json:"alert_lead_days"`
}

func positionResponse(pos domain.Position) PositionResponse {
	out := PositionResponse{Complete: pos.Complete}
	if pos.Phase != nil {
		out.Phase = &PhaseResponse{ID: pos.Phase.ID, Type: pos.Phase.Type, Name: pos.Phase.Name, Order: pos.Phase.Order}
	}
	if pos.Section != nil {
		out.Section = &SectionResponse{ID: pos.Section.ID, PhaseID: pos.Section.PhaseID, Name: pos.Section.Name, Order: pos.Section.Order}
	}
	if pos.LineItem != nil {
		out.LineItem = lineItemResponse(*pos.LineItem)
	}
	return out
}

func lineItemResponse(it domain.LineItem) *LineItemResponse {
	return &LineItemResponse{
		ID:              it.ID,
		SectionID:       it.SectionID,
		Name:            it.Name,
		Order:           it.Order,
		ResponsibleRole: it.ResponsibleRole,
		AlertLeadDays:   it.AlertLeadDays,
	}
}

func lineItemResponses(items []domain.LineItem) []LineItemResponse {
	out := make([]LineItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, *lineItemResponse(it))
	}
	return out
}

type CompleteRequest struct {
	LineItemID string `json:"line_item_id" example:"prospect-claim-filed"`
	UserID     string `json:"user_id,omitempty" example:"alice"`
	RunID      string `json:"run_id,omitempty"`
}

type CompleteResponse struct {
	AlreadyCompleted bool             `json:"already_completed"`
	Previous         PositionResponse `json:"previous"`
	Position         PositionResponse `json:"position"`
}

type GateResponse struct {
	PhaseType string            `json:"phase_type"`
	Ready     bool              `json:"ready"`
	Remaining int               `json:"remaining"`
	Blocker   *LineItemResponse `json:"blocker,omitempty"`
}

func gateResponse(g engine.PhaseGate) GateResponse {
	out := GateResponse{PhaseType: g.PhaseType, Ready: g.Ready, Remaining: g.Remaining}
	if g.Blocker != nil {
		out.Blocker = lineItemResponse(*g.Blocker)
	}
	return out
}

type AlertResponse struct {
	ID              string `json:"id"`
	RunID           string `json:"run_id"`
	ProjectID       string `json:"project_id"`
	LineItemID      string `json:"line_item_id"`
	ResponsibleRole string `json:"responsible_role"`
	AssignedTo      string `json:"assigned_to"`
	Status          string `json:"status"`
	DueDate         string `json:"due_date"`
	CreatedAt       string `json:"created_at"`
	ResolvedAt      string `json:"resolved_at,omitempty"`
}

func alertResponse(a domain.Alert) AlertResponse {
	return AlertResponse{
		ID:              a.ID,
		RunID:           a.RunID,
		ProjectID:       a.ProjectID,
		LineItemID:      a.LineItemID,
		ResponsibleRole: a.ResponsibleRole,
		AssignedTo:      a.AssignedTo,
		Status:          a.Status,
		DueDate:         a.DueDate,
		CreatedAt:       a.CreatedAt,
		ResolvedAt:      a.ResolvedAt,
	}
}

func alertResponses(alerts []domain.Alert) []AlertResponse {
	out := make([]AlertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertResponse(a))
	}
	return out
}

type ReassignRequest struct {
	UserID string `json:"user_id" example:"bob"`
}

type CompletionResponse struct {
	RunID       string `json:"run_id"`
	LineItemID  string `json:"line_item_id"`
	CompletedBy string `json:"completed_by"`
	CompletedAt string `json:"completed_at"`
}

func completionResponses(recs []domain.CompletionRecord) []CompletionResponse {
	out := make([]CompletionResponse, 0, len(recs))
	for _, c := range recs {
		out = append(out, CompletionResponse{
			RunID:       c.RunID,
			LineItemID:  c.LineItemID,
			CompletedBy: c.CompletedBy,
			CompletedAt: c.CompletedAt,
		})
	}
	return out
}

type ReconcileResponse struct {
	RunID          string           `json:"run_id"`
	ProjectID      string           `json:"project_id"`
	Changed        bool             `json:"changed"`
	TrackerMoved   bool             `json:"tracker_moved"`
	AlertsResolved int64            `json:"alerts_resolved"`
	AlertCreated   bool             `json:"alert_created"`
	Position       PositionResponse `json:"position"`
}

func reconcileResponse(r engine.ReconcileResult) ReconcileResponse {
	return ReconcileResponse{
		RunID:          r.RunID,
		ProjectID:      r.ProjectID,
		Changed:        r.Changed,
		TrackerMoved:   r.TrackerMoved,
		AlertsResolved: r.AlertsResolved,
		AlertCreated:   r.AlertCreated,
		Position:       positionResponse(r.Position),
	}
}

type ViolationResponse struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Rule      string `json:"rule"`
	Detail    string `json:"detail"`
}

func violationResponses(vs []engine.Violation) []ViolationResponse {
	out := make([]ViolationResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, ViolationResponse{RunID: v.RunID, ProjectID: v.ProjectID, Rule: v.Rule, Detail: v.Detail})
	}
	return out
}

type AssignmentRequest struct {
	Role   string `json:"role" example:"project_manager"`
	UserID string `json:"user_id" example:"carol"`
}

type AssignmentResponse struct {
	ProjectID string `json:"project_id"`
	Role      string `json:"role"`
	UserID    string `json:"user_id"`
	UpdatedAt string `json:"updated_at"`
}

func assignmentResponses(as []domain.RoleAssignment) []AssignmentResponse {
	out := make([]AssignmentResponse, 0, len(as))
	for _, a := range as {
		out = append(out, AssignmentResponse{ProjectID: a.ProjectID, Role: a.Role, UserID: a.UserID, UpdatedAt: a.UpdatedAt})
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	TS         string `json:"ts"`
	Payload    string `json:"payload,omitempty"`
}

func eventResponses(evts []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(evts))
	for _, e := range evts {
		out = append(out, EventResponse{
			ID:         e.ID,
			Type:       e.Type,
			ProjectID:  e.ProjectID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			TS:         e.TS,
			Payload:    e.Payload,
		})
	}
	return out
}
