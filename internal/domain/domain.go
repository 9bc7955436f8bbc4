package domain

// WorkflowStage is one station in an organization's pipeline. Stages are
// totally ordered per organization by Order; the lowest-order active stage
// is the intake stage for new projects.
type WorkflowStage struct {
	ID                string `json:"id"`
	OrgID             string `json:"org_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Order             int    `json:"order"`
	Active            bool   `json:"active"`
	EstimatedDays     *int   `json:"estimated_days,omitempty"`
	Color             string `json:"color,omitempty"`
	RequiredSubStages int    `json:"required_sub_stages"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Project is a quote/order moving through the pipeline. CurrentStageID is
// mutated only through the transition engine; StageEnteredAt changes with
// it and only with it.
type Project struct {
	ID                    string   `json:"id"`
	OrgID                 string   `json:"org_id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description,omitempty"`
	Notes                 string   `json:"notes,omitempty"`
	Priority              string   `json:"priority" enum:"low,normal,high,urgent"`
	EstimatedValue        *float64 `json:"estimated_value,omitempty"`
	CurrentStageID        *string  `json:"current_stage_id,omitempty"`
	StageEnteredAt        *string  `json:"stage_entered_at,omitempty" format:"date-time"`
	CustomerID            *string  `json:"customer_id,omitempty"`
	ContactID             *string  `json:"contact_id,omitempty"`
	EngineeringReviewerID *string  `json:"engineering_reviewer_id,omitempty"`
	QAReviewerID          *string  `json:"qa_reviewer_id,omitempty"`
	ProductionReviewerID  *string  `json:"production_reviewer_id,omitempty"`
	PONumber              *string  `json:"po_number,omitempty"`
	BOMItemCount          *int     `json:"bom_item_count,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	MetadataJSON          *string  `json:"metadata_json,omitempty"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

type Customer struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Company   string `json:"company,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Contact struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Role       string `json:"role,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

const (
	DisciplineEngineering = "engineering"
	DisciplineQA          = "qa"
	DisciplineProduction  = "production"

	ReviewSubmitted = "submitted"
	ReviewApproved  = "approved"
	ReviewRejected  = "rejected"
)

// Review is a discipline review (engineering, qa, production) attached to a
// project. Approving one stamps the reviewer onto the matching project
// field, which the prerequisite checks read.
type Review struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	OrgID      string `json:"org_id"`
	Discipline string `json:"discipline" enum:"engineering,qa,production"`
	ReviewerID string `json:"reviewer_id"`
	Status     string `json:"status" enum:"submitted,approved,rejected"`
	Summary    string `json:"summary,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// StageTransition is one row of the append-only transition ledger. Rows are
// never updated or deleted once written.
type StageTransition struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	OrgID        string  `json:"org_id"`
	FromStageID  *string `json:"from_stage_id,omitempty"`
	ToStageID    string  `json:"to_stage_id"`
	ActorID      string  `json:"actor_id"`
	Reason       string  `json:"reason"`
	BypassUsed   bool    `json:"bypass_used"`
	BypassReason *string `json:"bypass_reason,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type OrgRole struct {
	OrgID   string `json:"org_id"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}
