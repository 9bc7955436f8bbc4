package server

import (
	"fmt"
	"strings"

	"factorypulse/internal/domain"
	"factorypulse/internal/engine"
)

type CreateProjectRequest struct {
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
	Priority       *string  `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	EstimatedValue *float64 `json:"estimated_value,omitempty"`
	CustomerID     *string  `json:"customer_id,omitempty"`
	ContactID      *string  `json:"contact_id,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Metadata       any      `json:"metadata,omitempty"`
}

type UpdateProjectRequest struct {
	Title          *string  `json:"title,omitempty"`
	Description    *string  `json:"description,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
	Priority       *string  `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	EstimatedValue *float64 `json:"estimated_value,omitempty"`
	CustomerID     *string  `json:"customer_id,omitempty"`
	ContactID      *string  `json:"contact_id,omitempty"`
	PONumber       *string  `json:"po_number,omitempty"`
	BOMItemCount   *int     `json:"bom_item_count,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

type ProjectResponse struct {
	ID                    string   `json:"id"`
	OrgID                 string   `json:"org_id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description,omitempty"`
	Notes                 string   `json:"notes,omitempty"`
	Priority              string   `json:"priority"`
	EstimatedValue        *float64 `json:"estimated_value,omitempty"`
	CurrentStageID        *string  `json:"current_stage_id,omitempty"`
	StageEnteredAt        *string  `json:"stage_entered_at,omitempty"`
	CustomerID            *string  `json:"customer_id,omitempty"`
	ContactID             *string  `json:"contact_id,omitempty"`
	EngineeringReviewerID *string  `json:"engineering_reviewer_id,omitempty"`
	QAReviewerID          *string  `json:"qa_reviewer_id,omitempty"`
	ProductionReviewerID  *string  `json:"production_reviewer_id,omitempty"`
	PONumber              *string  `json:"po_number,omitempty"`
	BOMItemCount          *int     `json:"bom_item_count,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	CreatedAt             string   `json:"created_at"`
	UpdatedAt             string   `json:"updated_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:                    p.ID,
		OrgID:                 p.OrgID,
		Title:                 p.Title,
		Description:           p.Description,
		Notes:                 p.Notes,
		Priority:              p.Priority,
		EstimatedValue:        p.EstimatedValue,
		CurrentStageID:        p.CurrentStageID,
		StageEnteredAt:        p.StageEnteredAt,
		CustomerID:            p.CustomerID,
		ContactID:             p.ContactID,
		EngineeringReviewerID: p.EngineeringReviewerID,
		QAReviewerID:          p.QAReviewerID,
		ProductionReviewerID:  p.ProductionReviewerID,
		PONumber:              p.PONumber,
		BOMItemCount:          p.BOMItemCount,
		Tags:                  p.Tags,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type StageResponse struct {
	ID                string `json:"id"`
	OrgID             string `json:"org_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Order             int    `json:"order"`
	Active            bool   `json:"active"`
	EstimatedDays     *int   `json:"estimated_days,omitempty"`
	Color             string `json:"color,omitempty"`
	RequiredSubStages int    `json:"required_sub_stages"`
}

func stageResponse(s domain.WorkflowStage) StageResponse {
	return StageResponse{
		ID:                s.ID,
		OrgID:             s.OrgID,
		Name:              s.Name,
		Description:       s.Description,
		Order:             s.Order,
		Active:            s.Active,
		EstimatedDays:     s.EstimatedDays,
		Color:             s.Color,
		RequiredSubStages: s.RequiredSubStages,
	}
}

func mapStages(items []domain.WorkflowStage) []StageResponse {
	res := make([]StageResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}

type ValidateTransitionRequest struct {
	ToStageID string `json:"to_stage_id"`
}

type ExecuteTransitionRequest struct {
	ToStageID    string `json:"to_stage_id"`
	Reason       string `json:"reason,omitempty"`
	Bypass       bool   `json:"bypass,omitempty"`
	BypassReason string `json:"bypass_reason,omitempty"`
}

type ValidationResultResponse struct {
	RequiredPassed bool           `json:"required_passed"`
	Checks         []engine.Check `json:"checks"`
	ExitCriteria   []string       `json:"exit_criteria,omitempty"`
}

func validationResponse(res *engine.Result) ValidationResultResponse {
	out := ValidationResultResponse{
		RequiredPassed: res.RequiredPassed,
		Checks:         res.Checks,
		ExitCriteria:   res.ExitCriteria,
	}
	if out.Checks == nil {
		out.Checks = []engine.Check{}
	}
	return out
}

type TransitionResponse struct {
	Committed       bool                      `json:"committed"`
	HistoryRecorded bool                      `json:"history_recorded"`
	Record          *TransitionRecordResponse `json:"record,omitempty"`
	Project         ProjectResponse           `json:"project"`
}

type TransitionRecordResponse struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	FromStageID  *string `json:"from_stage_id,omitempty"`
	ToStageID    string  `json:"to_stage_id"`
	ActorID      string  `json:"actor_id"`
	Reason       string  `json:"reason"`
	BypassUsed   bool    `json:"bypass_used"`
	BypassReason *string `json:"bypass_reason,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

func transitionRecordResponse(t domain.StageTransition) TransitionRecordResponse {
	return TransitionRecordResponse{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		FromStageID:  t.FromStageID,
		ToStageID:    t.ToStageID,
		ActorID:      t.ActorID,
		Reason:       t.Reason,
		BypassUsed:   t.BypassUsed,
		BypassReason: t.BypassReason,
		CreatedAt:    t.CreatedAt,
	}
}

type paginatedTransitions struct {
	Items      []TransitionRecordResponse `json:"items"`
	NextCursor string                     `json:"next_cursor,omitempty"`
}

type CreateCustomerRequest struct {
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

type CreateContactRequest struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Role       string `json:"role,omitempty"`
}

type SubmitReviewRequest struct {
	Discipline string `json:"discipline" enum:"engineering,qa,production"`
	ReviewerID string `json:"reviewer_id,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

type DecideReviewRequest struct {
	Status  string `json:"status" enum:"approved,rejected"`
	Summary string `json:"summary,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

// --- cursor helpers ---

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor %q", cursor)
	}
	return parts[0], parts[1], nil
}
