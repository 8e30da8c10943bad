package sitelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Siteline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Phase struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

type Section struct {
	ID      string `json:"id"`
	PhaseID string `json:"phase_id"`
	Name    string `json:"name"`
	Order   int    `json:"order"`
}

type LineItem struct {
	ID              string `json:"id"`
	SectionID       string `json:"section_id"`
	Name            string `json:"name"`
	Order           int    `json:"order"`
	ResponsibleRole string `json:"responsible_role"`
	AlertLeadDays   int    `json:"alert_lead_days"`
}

type Position struct {
	Complete bool      `json:"complete"`
	Phase    *Phase    `json:"phase,omitempty"`
	Section  *Section  `json:"section,omitempty"`
	LineItem *LineItem `json:"line_item,omitempty"`
}

type CompleteResult struct {
	AlreadyCompleted bool     `json:"already_completed"`
	Previous         Position `json:"previous"`
	Position         Position `json:"position"`
}

type Gate struct {
	PhaseType string    `json:"phase_type"`
	Ready     bool      `json:"ready"`
	Remaining int       `json:"remaining"`
	Blocker   *LineItem `json:"blocker,omitempty"`
}

type Alert struct {
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

type Run struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	WorkflowKind string `json:"workflow_kind"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

type ReconcileResult struct {
	RunID          string   `json:"run_id"`
	ProjectID      string   `json:"project_id"`
	Changed        bool     `json:"changed"`
	TrackerMoved   bool     `json:"tracker_moved"`
	AlertsResolved int64    `json:"alerts_resolved"`
	AlertCreated   bool     `json:"alert_created"`
	Position       Position `json:"position"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InitWorkflow starts a workflow run for the client's project.
func (c *Client) InitWorkflow(ctx context.Context, kind string) (Run, Position, error) {
	var resp struct {
		Run      Run      `json:"run"`
		Position Position `json:"position"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("workflow"), map[string]any{"kind": kind}, &resp)
	return resp.Run, resp.Position, err
}

// Complete records a line item completion for a user.
func (c *Client) Complete(ctx context.Context, lineItemID, userID string) (CompleteResult, error) {
	body := map[string]any{"line_item_id": lineItemID}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp CompleteResult
	err := c.do(ctx, http.MethodPost, c.projectPath("completions"), body, &resp)
	return resp, err
}

// Position returns the project's current workflow position.
func (c *Client) Position(ctx context.Context) (Position, error) {
	var resp Position
	err := c.do(ctx, http.MethodGet, c.projectPath("position"), nil, &resp)
	return resp, err
}

// IncompleteItems lists a phase's unfinished line items.
func (c *Client) IncompleteItems(ctx context.Context, phaseType string) ([]LineItem, error) {
	var resp []LineItem
	err := c.do(ctx, http.MethodGet, c.projectPath("phases/"+url.PathEscape(phaseType)+"/incomplete"), nil, &resp)
	return resp, err
}

// Gate checks whether a phase can be left.
func (c *Client) Gate(ctx context.Context, phaseType string) (Gate, error) {
	var resp Gate
	err := c.do(ctx, http.MethodGet, c.projectPath("phases/"+url.PathEscape(phaseType)+"/gate"), nil, &resp)
	return resp, err
}

// ProjectAlerts lists the live alerts of the client's project.
func (c *Client) ProjectAlerts(ctx context.Context) ([]Alert, error) {
	var resp []Alert
	err := c.do(ctx, http.MethodGet, c.projectPath("alerts"), nil, &resp)
	return resp, err
}

// UserAlerts lists the live alerts assigned to a user.
func (c *Client) UserAlerts(ctx context.Context, userID string) ([]Alert, error) {
	var resp []Alert
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID)+"/alerts", nil, &resp)
	return resp, err
}

// ReassignAlert moves an alert to another user.
func (c *Client) ReassignAlert(ctx context.Context, alertID, userID string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodPost, "alerts/"+url.PathEscape(alertID)+"/reassign", map[string]any{"user_id": userID}, &resp)
	return resp, err
}

// AcknowledgeAlert marks an alert as seen.
func (c *Client) AcknowledgeAlert(ctx context.Context, alertID string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodPost, "alerts/"+url.PathEscape(alertID)+"/acknowledge", nil, &resp)
	return resp, err
}

// Reconcile rebuilds the project's derived state from its ledger.
func (c *Client) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, c.projectPath("reconcile"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	return "projects/" + url.PathEscape(c.ProjectID) + "/" + p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
