package factorypulsesdk

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

// Client is a minimal Factory Pulse HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID             string   `json:"id"`
	OrgID          string   `json:"org_id"`
	Title          string   `json:"title"`
	Priority       string   `json:"priority"`
	CurrentStageID *string  `json:"current_stage_id"`
	StageEnteredAt *string  `json:"stage_entered_at"`
	EstimatedValue *float64 `json:"estimated_value"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// Stage represents a workflow stage.
type Stage struct {
	ID            string `json:"id"`
	OrgID         string `json:"org_id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Order         int    `json:"order"`
	EstimatedDays *int   `json:"estimated_days"`
	Active        bool   `json:"active"`
}

// Check is one prerequisite check result.
type Check struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Status      string `json:"status"`
}

// ValidationResult is the outcome of a dry-run validation.
type ValidationResult struct {
	Checks         []Check  `json:"checks"`
	RequiredPassed bool     `json:"required_passed"`
	ExitCriteria   []string `json:"exit_criteria,omitempty"`
}

// TransitionRecord is one ledger entry.
type TransitionRecord struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	FromStageID  *string `json:"from_stage_id"`
	ToStageID    string  `json:"to_stage_id"`
	ActorID      string  `json:"actor_id"`
	Reason       string  `json:"reason"`
	BypassUsed   bool    `json:"bypass_used"`
	BypassReason string  `json:"bypass_reason,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// TransitionOutcome is what execute returns.
type TransitionOutcome struct {
	Committed       bool              `json:"committed"`
	HistoryRecorded bool              `json:"history_recorded"`
	Record          *TransitionRecord `json:"record,omitempty"`
	Project         Project           `json:"project"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedProjects wraps project listings with cursors.
type PaginatedProjects struct {
	Items      []Project `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedTransitions wraps ledger listings with cursors.
type PaginatedTransitions struct {
	Items      []TransitionRecord `json:"items"`
	NextCursor string             `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project at intake.
func (c *Client) CreateProject(ctx context.Context, title, description, priority string) (Project, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"priority":    priority,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.orgPath("projects"), body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListProjects returns one page of projects.
func (c *Client) ListProjects(ctx context.Context, limit int, cursor string) (PaginatedProjects, error) {
	var resp PaginatedProjects
	err := c.do(ctx, http.MethodGet, withPage(c.orgPath("projects"), limit, cursor), nil, &resp)
	return resp, err
}

// Stages returns the active stage catalog in pipeline order.
func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var resp struct {
		Items []Stage `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.orgPath("stages"), nil, &resp)
	return resp.Items, err
}

// ValidateTransition dry-runs a stage move.
func (c *Client) ValidateTransition(ctx context.Context, projectID, toStageID string) (ValidationResult, error) {
	body := map[string]any{"to_stage_id": toStageID}
	var resp ValidationResult
	endpoint := fmt.Sprintf("v0/projects/%s/transitions/validate", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ExecuteTransition moves a project to the target stage.
func (c *Client) ExecuteTransition(ctx context.Context, projectID, toStageID, reason string) (TransitionOutcome, error) {
	body := map[string]any{
		"to_stage_id": toStageID,
		"reason":      reason,
	}
	var resp TransitionOutcome
	endpoint := fmt.Sprintf("v0/projects/%s/transitions/execute", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ExecuteBypass moves a project past failed prerequisites with a recorded reason.
func (c *Client) ExecuteBypass(ctx context.Context, projectID, toStageID, bypassReason string) (TransitionOutcome, error) {
	body := map[string]any{
		"to_stage_id":   toStageID,
		"bypass":        true,
		"bypass_reason": bypassReason,
	}
	var resp TransitionOutcome
	endpoint := fmt.Sprintf("v0/projects/%s/transitions/execute", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// TransitionHistory returns one page of the project's ledger, newest first.
func (c *Client) TransitionHistory(ctx context.Context, projectID string, limit int, cursor string) (PaginatedTransitions, error) {
	var resp PaginatedTransitions
	endpoint := fmt.Sprintf("v0/projects/%s/transitions", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, withPage(endpoint, limit, cursor), nil, &resp)
	return resp, err
}

// Events returns one page of org events.
func (c *Client) Events(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withPage(c.orgPath("events"), limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func withPage(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v0/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
