package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"factorypulse/internal/config"
	"factorypulse/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStageConflict means a conditional stage update matched zero rows: the
// project moved between validation and execution. Retryable by the caller.
var ErrStageConflict = errors.New("project stage changed concurrently")

// --- organizations ---

func (r Repo) InsertOrgTx(ctx context.Context, tx *sql.Tx, o domain.Organization) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO organizations(id,name,created_at) VALUES (?,?,?)`,
		o.ID, o.Name, o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM organizations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- org configs ---

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

// --- workflow stages ---

func (r Repo) InsertStageTx(ctx context.Context, tx *sql.Tx, s domain.WorkflowStage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_stages(id,org_id,name,description,stage_order,active,estimated_days,color,required_sub_stages,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OrgID, s.Name, nullable(s.Description), s.Order, boolInt(s.Active), nullableIntPtr(s.EstimatedDays), nullable(s.Color), s.RequiredSubStages, s.CreatedAt)
	return err
}

// ListActiveStages returns active stages for an org ordered ascending by
// stage order.
func (r Repo) ListActiveStages(ctx context.Context, orgID string) ([]domain.WorkflowStage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,COALESCE(description,''),stage_order,active,estimated_days,COALESCE(color,''),required_sub_stages,created_at
FROM workflow_stages WHERE org_id=? AND active=1 ORDER BY stage_order ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowStage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetStageInOrg resolves a stage id inside one org. Stage ids from other
// orgs are not found, never returned.
func (r Repo) GetStageInOrg(ctx context.Context, orgID, stageID string) (domain.WorkflowStage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,COALESCE(description,''),stage_order,active,estimated_days,COALESCE(color,''),required_sub_stages,created_at
FROM workflow_stages WHERE id=? AND org_id=?`, stageID, orgID)
	var s domain.WorkflowStage
	var days sql.NullInt64
	var active int
	err := row.Scan(&s.ID, &s.OrgID, &s.Name, &s.Description, &s.Order, &active, &days, &s.Color, &s.RequiredSubStages, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Active = active != 0
	if days.Valid {
		d := int(days.Int64)
		s.EstimatedDays = &d
	}
	return s, nil
}

func (r Repo) SetStageActive(ctx context.Context, orgID, stageID string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_stages SET active=? WHERE id=? AND org_id=?`, boolInt(active), stageID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanStage(rows *sql.Rows) (domain.WorkflowStage, error) {
	var s domain.WorkflowStage
	var days sql.NullInt64
	var active int
	if err := rows.Scan(&s.ID, &s.OrgID, &s.Name, &s.Description, &s.Order, &active, &days, &s.Color, &s.RequiredSubStages, &s.CreatedAt); err != nil {
		return s, err
	}
	s.Active = active != 0
	if days.Valid {
		d := int(days.Int64)
		s.EstimatedDays = &d
	}
	return s, nil
}

// --- projects ---

const projectColumns = `id,org_id,title,description,notes,priority,estimated_value,current_stage_id,stage_entered_at,customer_id,contact_id,engineering_reviewer_id,qa_reviewer_id,production_reviewer_id,po_number,bom_item_count,tags_json,metadata_json,created_at,updated_at`

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	tags, err := marshalTags(p.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Title, nullable(p.Description), nullable(p.Notes), p.Priority,
		nullableFloatPtr(p.EstimatedValue), nullableStringPtr(p.CurrentStageID), nullableStringPtr(p.StageEnteredAt),
		nullableStringPtr(p.CustomerID), nullableStringPtr(p.ContactID),
		nullableStringPtr(p.EngineeringReviewerID), nullableStringPtr(p.QAReviewerID), nullableStringPtr(p.ProductionReviewerID),
		nullableStringPtr(p.PONumber), nullableIntPtr(p.BOMItemCount), tags, nullableStringPtr(p.MetadataJSON),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row)
}

type ProjectFilters struct {
	OrgID           string
	StageID         string
	Priority        string
	CustomerID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.StageID != "" {
		clauses = append(clauses, "current_stage_id=?")
		args = append(args, f.StageID)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, f.CustomerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectUpdate carries partial non-stage field updates. A set pointer with
// an empty value clears the column. Stage fields are deliberately absent;
// they change only through UpdateProjectStageTx.
type ProjectUpdate struct {
	Title                 *string
	Description           *string
	Notes                 *string
	Priority              *string
	EstimatedValue        *float64
	ClearEstimatedValue   bool
	CustomerID            *string
	ContactID             *string
	EngineeringReviewerID *string
	QAReviewerID          *string
	ProductionReviewerID  *string
	PONumber              *string
	BOMItemCount          *int
	Tags                  []string
	TagsSet               bool
	MetadataJSON          *string
}

func (r Repo) UpdateProjectFields(ctx context.Context, tx *sql.Tx, id string, u ProjectUpdate) error {
	var (
		fields []string
		args   []any
	)
	setStr := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, nullable(*v))
		}
	}
	if u.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *u.Title)
	}
	setStr("description", u.Description)
	setStr("notes", u.Notes)
	if u.Priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *u.Priority)
	}
	if u.EstimatedValue != nil {
		fields = append(fields, "estimated_value=?")
		args = append(args, *u.EstimatedValue)
	} else if u.ClearEstimatedValue {
		fields = append(fields, "estimated_value=NULL")
	}
	setStr("customer_id", u.CustomerID)
	setStr("contact_id", u.ContactID)
	setStr("engineering_reviewer_id", u.EngineeringReviewerID)
	setStr("qa_reviewer_id", u.QAReviewerID)
	setStr("production_reviewer_id", u.ProductionReviewerID)
	setStr("po_number", u.PONumber)
	if u.BOMItemCount != nil {
		fields = append(fields, "bom_item_count=?")
		args = append(args, *u.BOMItemCount)
	}
	if u.TagsSet {
		tags, err := marshalTags(u.Tags)
		if err != nil {
			return err
		}
		fields = append(fields, "tags_json=?")
		args = append(args, tags)
	}
	setStr("metadata_json", u.MetadataJSON)
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, time.Now().UTC().Format(time.RFC3339), id)
	exec := func(query string, execArgs ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, execArgs...)
		}
		return r.DB.ExecContext(ctx, query, execArgs...)
	}
	res, err := exec(fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectStageTx performs the conditional stage move: the row is
// updated only while current_stage_id still equals the value validation ran
// against. Zero affected rows means another actor won the race.
func (r Repo) UpdateProjectStageTx(ctx context.Context, tx *sql.Tx, projectID string, expectedStageID *string, toStageID, enteredAt string) error {
	var (
		res sql.Result
		err error
	)
	if expectedStageID == nil {
		res, err = tx.ExecContext(ctx, `UPDATE projects SET current_stage_id=?, stage_entered_at=?, updated_at=? WHERE id=? AND current_stage_id IS NULL`,
			toStageID, enteredAt, enteredAt, projectID)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE projects SET current_stage_id=?, stage_entered_at=?, updated_at=? WHERE id=? AND current_stage_id=?`,
			toStageID, enteredAt, enteredAt, projectID, *expectedStageID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStageConflict
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProjectRow(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc, notes, stageID, enteredAt, customerID, contactID, engRev, qaRev, prodRev, po, tags, meta sql.NullString
	var estValue sql.NullFloat64
	var bomCount sql.NullInt64
	err := row.Scan(&p.ID, &p.OrgID, &p.Title, &desc, &notes, &p.Priority, &estValue, &stageID, &enteredAt,
		&customerID, &contactID, &engRev, &qaRev, &prodRev, &po, &bomCount, &tags, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	applyProjectNulls(&p, desc, notes, stageID, enteredAt, customerID, contactID, engRev, qaRev, prodRev, po, tags, meta, estValue, bomCount)
	return p, nil
}

func scanProjectRows(rows *sql.Rows) (domain.Project, error) {
	var p domain.Project
	var desc, notes, stageID, enteredAt, customerID, contactID, engRev, qaRev, prodRev, po, tags, meta sql.NullString
	var estValue sql.NullFloat64
	var bomCount sql.NullInt64
	err := rows.Scan(&p.ID, &p.OrgID, &p.Title, &desc, &notes, &p.Priority, &estValue, &stageID, &enteredAt,
		&customerID, &contactID, &engRev, &qaRev, &prodRev, &po, &bomCount, &tags, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	applyProjectNulls(&p, desc, notes, stageID, enteredAt, customerID, contactID, engRev, qaRev, prodRev, po, tags, meta, estValue, bomCount)
	return p, nil
}

func applyProjectNulls(p *domain.Project, desc, notes, stageID, enteredAt, customerID, contactID, engRev, qaRev, prodRev, po, tags, meta sql.NullString, estValue sql.NullFloat64, bomCount sql.NullInt64) {
	if desc.Valid {
		p.Description = desc.String
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	if stageID.Valid {
		p.CurrentStageID = &stageID.String
	}
	if enteredAt.Valid {
		p.StageEnteredAt = &enteredAt.String
	}
	if customerID.Valid {
		p.CustomerID = &customerID.String
	}
	if contactID.Valid {
		p.ContactID = &contactID.String
	}
	if engRev.Valid {
		p.EngineeringReviewerID = &engRev.String
	}
	if qaRev.Valid {
		p.QAReviewerID = &qaRev.String
	}
	if prodRev.Valid {
		p.ProductionReviewerID = &prodRev.String
	}
	if po.Valid {
		p.PONumber = &po.String
	}
	if bomCount.Valid {
		n := int(bomCount.Int64)
		p.BOMItemCount = &n
	}
	if estValue.Valid {
		v := estValue.Float64
		p.EstimatedValue = &v
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &p.Tags)
	}
	if meta.Valid {
		p.MetadataJSON = &meta.String
	}
}

// --- stage transitions (append-only ledger) ---

func (r Repo) InsertStageTransition(ctx context.Context, t domain.StageTransition) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stage_transitions(id,project_id,org_id,from_stage_id,to_stage_id,actor_id,reason,bypass_used,bypass_reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.OrgID, nullableStringPtr(t.FromStageID), t.ToStageID, t.ActorID, t.Reason,
		boolInt(t.BypassUsed), nullableStringPtr(t.BypassReason), t.CreatedAt)
	return err
}

type TransitionFilters struct {
	ProjectID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListStageTransitions(ctx context.Context, f TransitionFilters) ([]domain.StageTransition, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,project_id,org_id,from_stage_id,to_stage_id,actor_id,reason,bypass_used,bypass_reason,created_at
FROM stage_transitions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTransition
	for rows.Next() {
		var t domain.StageTransition
		var from, bypassReason sql.NullString
		var bypass int
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.OrgID, &from, &t.ToStageID, &t.ActorID, &t.Reason, &bypass, &bypassReason, &t.CreatedAt); err != nil {
			return nil, err
		}
		if from.Valid {
			t.FromStageID = &from.String
		}
		if bypassReason.Valid {
			t.BypassReason = &bypassReason.String
		}
		t.BypassUsed = bypass != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, orgID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, orgID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, orgID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,org_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, orgID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,org_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID for an org.
func (r Repo) LatestEventID(ctx context.Context, orgID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE org_id=?`, orgID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var orgID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &orgID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if orgID.Valid {
			e.OrgID = orgID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
