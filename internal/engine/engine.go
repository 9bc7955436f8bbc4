// Package engine is the service layer: project intake, the single write
// path for stage transitions, prerequisite validation, reviews, and org
// administration. HTTP and CLI surfaces call into it, never the store
// directly.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"factorypulse/internal/config"
	"factorypulse/internal/domain"
	"factorypulse/internal/engine/history"
	"factorypulse/internal/events"
	"factorypulse/internal/repo"
	"factorypulse/internal/stages"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Stages  *stages.Registry
	Events  events.Writer
	History history.Recorder
	Config  *config.Config
	Logger  *log.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *log.Logger) *Engine {
	r := repo.Repo{DB: db}
	return &Engine{
		DB:      db,
		Repo:    r,
		Stages:  stages.NewRegistry(r),
		Events:  events.Writer{},
		History: history.Recorder{DB: db},
		Config:  cfg,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) warnf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf("WARN "+format, args...)
	}
}

// --- org bootstrap ---

// BootstrapOrg creates the organization, seeds its stage catalog from
// config, stores the config, and grants the bootstrapping actor the admin
// role. Idempotent orgs are not supported: a second call for the same org
// id fails on the primary key.
func (e *Engine) BootstrapOrg(ctx context.Context, actorID string) (domain.Organization, []domain.WorkflowStage, error) {
	if actorID == "" {
		return domain.Organization{}, nil, &AuthenticationError{}
	}
	if err := e.Config.Validate(); err != nil {
		return domain.Organization{}, nil, &ConfigurationError{Message: "invalid config", Err: err}
	}
	now := e.nowRFC()
	org := domain.Organization{ID: e.Config.Org.ID, Name: e.Config.Org.Name, CreatedAt: now}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, nil, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrgTx(ctx, tx, org); err != nil {
		return domain.Organization{}, nil, &PersistenceError{Op: "insert org", Err: err}
	}
	var created []domain.WorkflowStage
	for _, spec := range e.Config.Stages.Catalog {
		s := domain.WorkflowStage{
			ID:                uuid.NewString(),
			OrgID:             org.ID,
			Name:              spec.Name,
			Description:       spec.Description,
			Order:             spec.Order,
			Active:            true,
			Color:             spec.Color,
			RequiredSubStages: spec.RequiredSubStages,
			CreatedAt:         now,
		}
		if spec.EstimatedDays > 0 {
			d := spec.EstimatedDays
			s.EstimatedDays = &d
		}
		if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
			return domain.Organization{}, nil, &PersistenceError{Op: "insert stage", Err: err}
		}
		created = append(created, s)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, org.ID, e.Config); err != nil {
		return domain.Organization{}, nil, &PersistenceError{Op: "store config", Err: err}
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID); err != nil {
		return domain.Organization{}, nil, &PersistenceError{Op: "ensure actor", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO org_roles(org_id,actor_id,role) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		org.ID, actorID, "admin"); err != nil {
		return domain.Organization{}, nil, &PersistenceError{Op: "grant admin", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "org.bootstrapped", org.ID, "org", org.ID, actorID,
		map[string]any{"name": org.Name, "stages": len(created)}); err != nil {
		return domain.Organization{}, nil, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, nil, &PersistenceError{Op: "commit", Err: err}
	}
	e.Stages.Refresh(org.ID)
	return org, created, nil
}

// --- projects ---

type CreateProjectInput struct {
	OrgID          string
	Title          string
	Description    string
	Notes          string
	Priority       string
	EstimatedValue *float64
	CustomerID     string
	ContactID      string
	Tags           []string
	MetadataJSON   string
	ActorID        string
}

// CreateProject performs intake. The project starts outside the pipeline
// (nil current stage); the first executed transition moves it into the
// initial stage.
func (e *Engine) CreateProject(ctx context.Context, in CreateProjectInput) (domain.Project, error) {
	if in.ActorID == "" {
		return domain.Project{}, &AuthenticationError{}
	}
	if in.Title == "" {
		return domain.Project{}, &ValidationError{Message: "title required"}
	}
	if _, err := e.Repo.GetOrg(ctx, in.OrgID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, &ConfigurationError{Message: "unknown org " + in.OrgID}
		}
		return domain.Project{}, &PersistenceError{Op: "get org", Err: err}
	}
	now := e.nowRFC()
	p := domain.Project{
		ID:          uuid.NewString(),
		OrgID:       in.OrgID,
		Title:       in.Title,
		Description: in.Description,
		Notes:       in.Notes,
		Priority:    in.Priority,
		Tags:        in.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Priority == "" {
		p.Priority = "normal"
	}
	p.EstimatedValue = in.EstimatedValue
	if in.CustomerID != "" {
		p.CustomerID = &in.CustomerID
	}
	if in.ContactID != "" {
		p.ContactID = &in.ContactID
	}
	if in.MetadataJSON != "" {
		p.MetadataJSON = &in.MetadataJSON
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, &PersistenceError{Op: "insert project", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.OrgID, "project", p.ID, in.ActorID,
		map[string]any{"title": p.Title, "priority": p.Priority}); err != nil {
		return domain.Project{}, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, &PersistenceError{Op: "commit", Err: err}
	}
	return p, nil
}

func (e *Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e *Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, f)
}

// UpdateProject applies partial field updates. Stage fields never move
// through here.
func (e *Engine) UpdateProject(ctx context.Context, id string, u repo.ProjectUpdate, actorID string) (domain.Project, error) {
	if actorID == "" {
		return domain.Project{}, &AuthenticationError{}
	}
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectFields(ctx, tx, id, u); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", p.OrgID, "project", p.ID, actorID, nil); err != nil {
		return domain.Project{}, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, &PersistenceError{Op: "commit", Err: err}
	}
	return e.Repo.GetProject(ctx, id)
}

// --- transition validation ---

// resolveTransition loads everything a validation needs: the project, the
// resolved target stage, and the resolved current stage (nil when the
// project has not entered the pipeline).
func (e *Engine) resolveTransition(ctx context.Context, projectID, toStageID string) (domain.Project, domain.WorkflowStage, *domain.WorkflowStage, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, domain.WorkflowStage{}, nil, err
	}
	target, err := e.Stages.StageByID(ctx, p.OrgID, toStageID)
	if err != nil {
		if errors.Is(err, stages.ErrUnknownStage) || errors.Is(err, stages.ErrNoStages) {
			return p, domain.WorkflowStage{}, nil, &ConfigurationError{Message: "target stage does not resolve", Err: err}
		}
		return p, domain.WorkflowStage{}, nil, &PersistenceError{Op: "load stages", Err: err}
	}
	var current *domain.WorkflowStage
	if p.CurrentStageID != nil {
		s, err := e.Stages.StageByID(ctx, p.OrgID, *p.CurrentStageID)
		if err != nil {
			if errors.Is(err, stages.ErrUnknownStage) || errors.Is(err, stages.ErrNoStages) {
				return p, target, nil, &ConfigurationError{Message: "current stage does not resolve", Err: err}
			}
			return p, target, nil, &PersistenceError{Op: "load stages", Err: err}
		}
		current = &s
	}
	return p, target, current, nil
}

// ValidateTransition evaluates the prerequisites for moving a project to a
// target stage. ConfigurationError and not-found surface unchanged; any
// other failure collapses to a renderable fail-closed result with a single
// failed check, so callers always have something to show.
func (e *Engine) ValidateTransition(ctx context.Context, projectID, toStageID string) (*Result, error) {
	p, target, current, err := e.resolveTransition(ctx, projectID, toStageID)
	if err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) || errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		e.warnf("validate transition %s -> %s: %v", projectID, toStageID, err)
		return &Result{
			RequiredPassed: false,
			Checks: []Check{{
				Name:        "validation_error",
				Description: fmt.Sprintf("validation could not complete: %v", err),
				Required:    true,
				Status:      CheckFailed,
			}},
		}, nil
	}
	res := Checker{Config: e.Config}.Evaluate(SnapshotOf(p), target, current)
	return &res, nil
}

// CanTransitionToStage collapses structural and rule validity to one
// boolean. Errors become false; used to disable controls, so conservative.
func (e *Engine) CanTransitionToStage(ctx context.Context, projectID, toStageID string) bool {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return false
	}
	v, err := e.Stages.ValidateStageTransition(ctx, p.OrgID, p.CurrentStageID, toStageID)
	if err != nil || !v.Valid {
		return false
	}
	res, err := e.ValidateTransition(ctx, projectID, toStageID)
	if err != nil || res == nil {
		return false
	}
	return res.RequiredPassed
}

// Recommendations partitions a validation result into what blocks the
// move, what is merely advised, and what warrants a warning.
type Recommendations struct {
	CanProceed      bool     `json:"can_proceed"`
	Blockers        []string `json:"blockers"`
	Recommendations []string `json:"recommendations"`
	Warnings        []string `json:"warnings"`
}

func (e *Engine) TransitionRecommendations(ctx context.Context, projectID, toStageID string) (Recommendations, error) {
	res, err := e.ValidateTransition(ctx, projectID, toStageID)
	if err != nil {
		return Recommendations{}, err
	}
	rec := Recommendations{CanProceed: res.RequiredPassed}
	for _, c := range res.Checks {
		line := c.Name
		if c.Description != "" {
			line = c.Name + ": " + c.Description
		}
		switch {
		case c.Status == CheckWarning:
			rec.Warnings = append(rec.Warnings, line)
		case c.Status == CheckFailed && c.Required:
			rec.Blockers = append(rec.Blockers, line)
		case c.Status == CheckFailed:
			rec.Recommendations = append(rec.Recommendations, line)
		}
	}
	return rec, nil
}

// --- transition execution ---

// PersistFunc applies the conditional stage update. Injected so callers
// can substitute the store interaction; the default runs the guarded
// update plus the event append in one transaction.
type PersistFunc func(ctx context.Context, expectedStageID *string, toStageID, enteredAt string) error

type TransitionOptions struct {
	ActorID      string
	Roles        []string
	Reason       string
	Bypass       bool
	BypassReason string
	Persist      PersistFunc
}

// TransitionOutcome reports what actually happened. Committed false with a
// true HistoryRecorded is the documented inconsistency window: intent was
// logged, the stage field did not move.
type TransitionOutcome struct {
	Committed       bool
	HistoryRecorded bool
	Record          domain.StageTransition
	Project         domain.Project
	Result          *Result
}

// ExecuteTransition is the single write path for a project's current
// stage. It re-validates (never trusting a caller-held result), records
// the ledger row, then applies the conditional update. History-recording
// failure degrades the outcome but does not abort the transition.
func (e *Engine) ExecuteTransition(ctx context.Context, projectID, toStageID string, opts TransitionOptions) (TransitionOutcome, error) {
	var out TransitionOutcome
	if opts.ActorID == "" {
		return out, &AuthenticationError{}
	}
	p, target, current, err := e.resolveTransition(ctx, projectID, toStageID)
	if err != nil {
		return out, err
	}
	if opts.Bypass {
		if opts.BypassReason == "" {
			return out, &ValidationError{Message: "bypass requires a reason"}
		}
		allowed, err := e.BypassAllowed(ctx, p.OrgID, opts.ActorID, opts.Roles)
		if err != nil {
			return out, err
		}
		if !allowed {
			return out, &BypassNotAllowedError{ActorID: opts.ActorID}
		}
	} else {
		res := Checker{Config: e.Config}.Evaluate(SnapshotOf(p), target, current)
		out.Result = &res
		if !res.RequiredPassed {
			return out, &ValidationError{Result: &res}
		}
	}

	reason := opts.Reason
	if reason == "" {
		reason = "Normal transition"
		if opts.Bypass {
			reason = "Manager bypass"
		}
	}
	rec := domain.StageTransition{
		ProjectID:   p.ID,
		OrgID:       p.OrgID,
		FromStageID: p.CurrentStageID,
		ToStageID:   target.ID,
		ActorID:     opts.ActorID,
		Reason:      reason,
		BypassUsed:  opts.Bypass,
	}
	if opts.Bypass {
		rec.BypassReason = &opts.BypassReason
	}
	rec, herr := e.History.Record(ctx, rec)
	if herr != nil {
		e.warnf("transition history for project %s not recorded: %v", p.ID, herr)
	} else {
		out.HistoryRecorded = true
		out.Record = rec
	}

	enteredAt := e.nowRFC()
	persist := opts.Persist
	if persist == nil {
		persist = func(ctx context.Context, expected *string, to, entered string) error {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return &PersistenceError{Op: "begin", Err: err}
			}
			defer tx.Rollback()
			if err := e.Repo.UpdateProjectStageTx(ctx, tx, p.ID, expected, to, entered); err != nil {
				return err
			}
			payload := map[string]any{"to_stage_id": to, "bypass": opts.Bypass}
			if expected != nil {
				payload["from_stage_id"] = *expected
			}
			if err := e.Events.Append(ctx, tx, "project.stage_changed", p.OrgID, "project", p.ID, opts.ActorID, payload); err != nil {
				return &PersistenceError{Op: "append event", Err: err}
			}
			if err := tx.Commit(); err != nil {
				return &PersistenceError{Op: "commit", Err: err}
			}
			return nil
		}
	}
	if err := persist(ctx, p.CurrentStageID, target.ID, enteredAt); err != nil {
		if errors.Is(err, repo.ErrStageConflict) {
			return out, err
		}
		var pe *PersistenceError
		if errors.As(err, &pe) {
			return out, err
		}
		return out, &PersistenceError{Op: "update project stage", Err: err}
	}
	out.Committed = true
	if updated, err := e.Repo.GetProject(ctx, p.ID); err == nil {
		out.Project = updated
	} else {
		out.Project = p
	}
	return out, nil
}

// BypassAllowed reports whether the actor holds a bypass-eligible role,
// either in the supplied token roles or in the org's role table.
func (e *Engine) BypassAllowed(ctx context.Context, orgID, actorID string, tokenRoles []string) (bool, error) {
	eligible := map[string]bool{}
	for _, r := range e.Config.Transitions.BypassRoles {
		eligible[r] = true
	}
	for _, r := range tokenRoles {
		if eligible[r] {
			return true, nil
		}
	}
	stored, err := e.Repo.RolesForActor(ctx, orgID, actorID)
	if err != nil {
		return false, &PersistenceError{Op: "load roles", Err: err}
	}
	for _, r := range stored {
		if eligible[r] {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) TransitionHistory(ctx context.Context, f repo.TransitionFilters) ([]domain.StageTransition, error) {
	return e.Repo.ListStageTransitions(ctx, f)
}

// --- stage admin ---

type CreateStageInput struct {
	OrgID             string
	Name              string
	Description       string
	Order             int
	EstimatedDays     *int
	Color             string
	RequiredSubStages int
	ActorID           string
}

func (e *Engine) CreateStage(ctx context.Context, in CreateStageInput) (domain.WorkflowStage, error) {
	if in.ActorID == "" {
		return domain.WorkflowStage{}, &AuthenticationError{}
	}
	if in.Name == "" || in.Order <= 0 {
		return domain.WorkflowStage{}, &ValidationError{Message: "stage name and positive order required"}
	}
	s := domain.WorkflowStage{
		ID:                uuid.NewString(),
		OrgID:             in.OrgID,
		Name:              in.Name,
		Description:       in.Description,
		Order:             in.Order,
		Active:            true,
		EstimatedDays:     in.EstimatedDays,
		Color:             in.Color,
		RequiredSubStages: in.RequiredSubStages,
		CreatedAt:         e.nowRFC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowStage{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
		return domain.WorkflowStage{}, &PersistenceError{Op: "insert stage", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "stage.created", in.OrgID, "stage", s.ID, in.ActorID,
		map[string]any{"name": s.Name, "order": s.Order}); err != nil {
		return domain.WorkflowStage{}, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowStage{}, &PersistenceError{Op: "commit", Err: err}
	}
	e.Stages.Refresh(in.OrgID)
	return s, nil
}

func (e *Engine) SetStageActive(ctx context.Context, orgID, stageID string, active bool) error {
	if err := e.Repo.SetStageActive(ctx, orgID, stageID, active); err != nil {
		return err
	}
	e.Stages.Refresh(orgID)
	return nil
}

// --- customers and contacts ---

func (e *Engine) CreateCustomer(ctx context.Context, c domain.Customer, actorID string) (domain.Customer, error) {
	if actorID == "" {
		return domain.Customer{}, &AuthenticationError{}
	}
	if c.Name == "" {
		return domain.Customer{}, &ValidationError{Message: "customer name required"}
	}
	c.ID = uuid.NewString()
	c.CreatedAt = e.nowRFC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Customer{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCustomerTx(ctx, tx, c); err != nil {
		return domain.Customer{}, &PersistenceError{Op: "insert customer", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "customer.created", c.OrgID, "customer", c.ID, actorID,
		map[string]any{"name": c.Name}); err != nil {
		return domain.Customer{}, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Customer{}, &PersistenceError{Op: "commit", Err: err}
	}
	return c, nil
}

func (e *Engine) CreateContact(ctx context.Context, orgID string, c domain.Contact, actorID string) (domain.Contact, error) {
	if actorID == "" {
		return domain.Contact{}, &AuthenticationError{}
	}
	if c.Name == "" || c.CustomerID == "" {
		return domain.Contact{}, &ValidationError{Message: "contact name and customer required"}
	}
	if _, err := e.Repo.GetCustomer(ctx, orgID, c.CustomerID); err != nil {
		return domain.Contact{}, err
	}
	c.ID = uuid.NewString()
	c.CreatedAt = e.nowRFC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contact{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContactTx(ctx, tx, c); err != nil {
		return domain.Contact{}, &PersistenceError{Op: "insert contact", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "contact.created", orgID, "contact", c.ID, actorID,
		map[string]any{"customer_id": c.CustomerID}); err != nil {
		return domain.Contact{}, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Contact{}, &PersistenceError{Op: "commit", Err: err}
	}
	return c, nil
}

// --- reviews ---

type SubmitReviewInput struct {
	ProjectID  string
	Discipline string
	ReviewerID string
	Summary    string
	ActorID    string
}

func (e *Engine) SubmitReview(ctx context.Context, in SubmitReviewInput) (domain.Review, error) {
	if in.ActorID == "" {
		return domain.Review{}, &AuthenticationError{}
	}
	switch in.Discipline {
	case domain.DisciplineEngineering, domain.DisciplineQA, domain.DisciplineProduction:
	default:
		return domain.Review{}, &ValidationError{Message: "unknown discipline " + in.Discipline}
	}
	p, err := e.Repo.GetProject(ctx, in.ProjectID)
	if err != nil {
		return domain.Review{}, err
	}
	reviewer := in.ReviewerID
	if reviewer == "" {
		reviewer = in.ActorID
	}
	now := e.nowRFC()
	v := domain.Review{
		ID:         uuid.NewString(),
		ProjectID:  p.ID,
		OrgID:      p.OrgID,
		Discipline: in.Discipline,
		ReviewerID: reviewer,
		Status:     domain.ReviewSubmitted,
		Summary:    in.Summary,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReviewTx(ctx, tx, v); err != nil {
		return domain.Review{}, &PersistenceError{Op: "insert review", Err: err}
	}
	if err := e.Events.Append(ctx, tx, "review.submitted", p.OrgID, "review", v.ID, in.ActorID,
		map[string]any{"project_id": p.ID, "discipline": v.Discipline}); err != nil {
		return domain.Review{}, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, &PersistenceError{Op: "commit", Err: err}
	}
	return v, nil
}

// DecideReview approves or rejects a review. Approval stamps the reviewer
// onto the project's matching discipline column, which is what the
// reviewer-assigned prerequisite checks read.
func (e *Engine) DecideReview(ctx context.Context, reviewID, status, summary, actorID string) (domain.Review, error) {
	if actorID == "" {
		return domain.Review{}, &AuthenticationError{}
	}
	if status != domain.ReviewApproved && status != domain.ReviewRejected {
		return domain.Review{}, &ValidationError{Message: "status must be approved or rejected"}
	}
	v, err := e.Repo.GetReview(ctx, reviewID)
	if err != nil {
		return domain.Review{}, err
	}
	if v.Status != domain.ReviewSubmitted {
		return domain.Review{}, &ValidationError{Message: "review already decided"}
	}
	now := e.nowRFC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateReviewStatusTx(ctx, tx, v.ID, status, summary, now); err != nil {
		return domain.Review{}, err
	}
	if status == domain.ReviewApproved {
		if err := e.Repo.StampReviewerTx(ctx, tx, v.ProjectID, v.Discipline, v.ReviewerID, now); err != nil {
			return domain.Review{}, &PersistenceError{Op: "stamp reviewer", Err: err}
		}
	}
	if err := e.Events.Append(ctx, tx, "review."+status, v.OrgID, "review", v.ID, actorID,
		map[string]any{"project_id": v.ProjectID, "discipline": v.Discipline}); err != nil {
		return domain.Review{}, &PersistenceError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, &PersistenceError{Op: "commit", Err: err}
	}
	return e.Repo.GetReview(ctx, v.ID)
}

// --- api keys and roles ---

// CreateAPIKey mints a random key, stores only its hash, and returns the
// plaintext once.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, &AuthenticationError{}
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "fp_" + hex.EncodeToString(buf)
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowRFC(),
	}
	if err := e.Repo.EnsureActor(ctx, nil, actorID); err != nil {
		return "", domain.APIKey{}, &PersistenceError{Op: "ensure actor", Err: err}
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, k); err != nil {
		return "", domain.APIKey{}, &PersistenceError{Op: "insert api key", Err: err}
	}
	return plain, k, nil
}

func (e *Engine) AssignRole(ctx context.Context, orgID, actorID, role, grantedBy string) error {
	if grantedBy == "" {
		return &AuthenticationError{}
	}
	if role == "" {
		return &ValidationError{Message: "role required"}
	}
	if err := e.Repo.AssignOrgRole(ctx, orgID, actorID, role); err != nil {
		return &PersistenceError{Op: "assign role", Err: err}
	}
	return nil
}

func (e *Engine) RevokeRole(ctx context.Context, orgID, actorID, role, revokedBy string) error {
	if revokedBy == "" {
		return &AuthenticationError{}
	}
	return e.Repo.RevokeOrgRole(ctx, orgID, actorID, role)
}
