package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"siteline/internal/engine"
	"siteline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"concurrent_modification"`
	Message string         `json:"message" example:"tracker version conflict"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Siteline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Siteline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerCompletions(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine)
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine and repo failures onto the error envelope:
// unknown entities are 404, lost races and stale trackers 409, locked
// storage 503 with a retry hint, bad input 400.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrConcurrentModification) || errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{"retryable": true})
	}
	if engine.IsTransient(err) {
		return newAPIError(http.StatusServiceUnavailable, "storage_busy", err.Error(), map[string]any{"retryable": true})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already active"):
		return newAPIError(http.StatusConflict, "workflow_active", msg, nil)
	case strings.Contains(lowered, "already resolved"):
		return newAPIError(http.StatusConflict, "alert_resolved", msg, nil)
	case strings.Contains(lowered, "reconcile the run"):
		return newAPIError(http.StatusConflict, "stale_tracker", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "storage_busy"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProjectResponse, 0, len(projects))
		for _, p := range projects {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerWorkflow(api huma.API, e *engine.Engine) {
	type ProjectPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "init-workflow",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/workflow",
		Summary:       "Start a workflow run",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectPath
		Body InitWorkflowRequest `json:"body"`
	}) (*struct {
		Body struct {
			Run      RunResponse      `json:"run"`
			Position PositionResponse `json:"position"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, pos, err := e.InitWorkflow(ctx, input.ProjectID, input.Body.Kind, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Run      RunResponse      `json:"run"`
				Position PositionResponse `json:"position"`
			} `json:"body"`
		}{}
		resp.Body.Run = runResponse(run)
		resp.Body.Position = positionResponse(pos)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-position",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/position",
		Summary:     "Current workflow position",
	}, func(ctx context.Context, input *struct {
		ProjectPath
		RunID string `query:"run_id"`
	}) (*struct {
		Body PositionResponse `json:"body"`
	}, error) {
		pos, err := e.GetCurrentPosition(ctx, input.ProjectID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PositionResponse `json:"body"`
		}{Body: positionResponse(pos)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/runs",
		Summary:     "List workflow runs",
	}, func(ctx context.Context, input *ProjectPath) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			out = append(out, runResponse(run))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerCompletions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-line-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/completions",
		Summary:     "Complete a line item",
		Description: "Records the completion and advances the tracker. Replays are no-ops.",
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      CompleteRequest `json:"body"`
	}) (*struct {
		Body CompleteResponse `json:"body"`
	}, error) {
		if input.Body.LineItemID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "line_item_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := input.Body.UserID
		if userID == "" {
			userID = actorID
		}
		res, err := e.CompleteLineItem(ctx, engine.CompleteOptions{
			ProjectID:  input.ProjectID,
			RunID:      input.Body.RunID,
			LineItemID: input.Body.LineItemID,
			UserID:     userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteResponse `json:"body"`
		}{Body: CompleteResponse{
			AlreadyCompleted: res.AlreadyCompleted,
			Previous:         positionResponse(res.Previous),
			Position:         positionResponse(res.Updated),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-completions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/completions",
		Summary:     "Completion ledger",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `query:"run_id"`
	}) (*struct {
		Body []CompletionResponse `json:"body"`
	}, error) {
		run, err := e.Run(ctx, input.ProjectID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		recs, err := e.Repo.ListCompletions(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CompletionResponse `json:"body"`
		}{Body: completionResponses(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-completion",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/completions/{line_item_id}",
		Summary:     "Reset a completion (admin)",
		Description: "Deletes one ledger record and reconciles the run.",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		LineItemID string `path:"line_item_id"`
		RunID      string `query:"run_id"`
	}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResetCompletion(ctx, input.ProjectID, input.RunID, input.LineItemID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: reconcileResponse(res)}, nil
	})
}

func registerPhases(api huma.API, e *engine.Engine) {
	type phasePath struct {
		ProjectID string `path:"project_id"`
		PhaseType string `path:"phase_type"`
		RunID     string `query:"run_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "incomplete-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_type}/incomplete",
		Summary:     "Incomplete items of a phase",
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body []LineItemResponse `json:"body"`
	}, error) {
		items, err := e.IncompleteItems(ctx, input.ProjectID, input.RunID, input.PhaseType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LineItemResponse `json:"body"`
		}{Body: lineItemResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-gate",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_type}/gate",
		Summary:     "Phase advancement gate",
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		gate, err := e.CanAdvancePhase(ctx, input.ProjectID, input.RunID, input.PhaseType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: gateResponse(gate)}, nil
	})
}

func registerAlerts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-alerts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/alerts",
		Summary:     "Live alerts for a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []AlertResponse `json:"body"`
	}, error) {
		alerts, err := e.AlertsForProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AlertResponse `json:"body"`
		}{Body: alertResponses(alerts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-alerts",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/alerts",
		Summary:     "Live alerts assigned to a user",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []AlertResponse `json:"body"`
	}, error) {
		alerts, err := e.AlertsForUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AlertResponse `json:"body"`
		}{Body: alertResponses(alerts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{alert_id}/reassign",
		Summary:     "Reassign an alert",
	}, func(ctx context.Context, input *struct {
		AlertID string          `path:"alert_id"`
		Body    ReassignRequest `json:"body"`
	}) (*struct {
		Body AlertResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ReassignAlert(ctx, input.AlertID, input.Body.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertResponse `json:"body"`
		}{Body: alertResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-alert",
		Method:      http.MethodPost,
		Path:        "/alerts/{alert_id}/acknowledge",
		Summary:     "Acknowledge an alert",
	}, func(ctx context.Context, input *struct {
		AlertID string `path:"alert_id"`
	}) (*struct {
		Body AlertResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AcknowledgeAlert(ctx, input.AlertID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertResponse `json:"body"`
		}{Body: alertResponse(a)}, nil
	})
}

func registerAssignments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assignments",
		Summary:     "Role assignments",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		as, err := e.Repo.ListAssignments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: assignmentResponses(as)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-assignment",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/assignments",
		Summary:     "Assign a role to a user",
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      AssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if input.Body.Role == "" || input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role and user_id are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AssignRole(ctx, input.ProjectID, input.Body.Role, input.Body.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: AssignmentResponse{ProjectID: a.ProjectID, Role: a.Role, UserID: a.UserID, UpdatedAt: a.UpdatedAt}}, nil
	})
}

func registerMaintenance(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/reconcile",
		Summary:     "Reconcile a workflow run",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `query:"run_id"`
	}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Reconcile(ctx, input.ProjectID, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: reconcileResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-all",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Reconcile every run",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ReconcileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results, err := e.ReconcileAll(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ReconcileResponse, 0, len(results))
		for _, r := range results {
			out = append(out, reconcileResponse(r))
		}
		return &struct {
			Body []ReconcileResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-violations",
		Method:      http.MethodGet,
		Path:        "/violations",
		Summary:     "Invariant audit",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ViolationResponse `json:"body"`
	}, error) {
		vs, err := e.Validate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ViolationResponse `json:"body"`
		}{Body: violationResponses(vs)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Recent events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit"`
		Type      string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		evts, err := e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: eventResponses(evts)}, nil
	})
}
