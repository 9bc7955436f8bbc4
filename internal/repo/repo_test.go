package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"factorypulse/internal/db"
	"factorypulse/internal/domain"
	"factorypulse/internal/events"
	"factorypulse/internal/migrate"
	"factorypulse/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertOrgTx(ctx, tx, domain.Organization{ID: "acme", Name: "Acme", CreatedAt: ts(0)})
	})
	return r, ctx
}

func inTx(t *testing.T, r repo.Repo, ctx context.Context, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func ts(offset int) string {
	return time.Date(2026, 1, 1, 0, 0, offset, 0, time.UTC).Format(time.RFC3339)
}

func seedProject(t *testing.T, r repo.Repo, ctx context.Context, id string, offset int) domain.Project {
	t.Helper()
	p := domain.Project{
		ID:        id,
		OrgID:     "acme",
		Title:     "Project " + id,
		Priority:  "normal",
		CreatedAt: ts(offset),
		UpdatedAt: ts(offset),
	}
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertProjectTx(ctx, tx, p)
	})
	return p
}

func TestProjectRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	value := 1200.50
	stage := "stage-1"
	p := domain.Project{
		ID:             "p1",
		OrgID:          "acme",
		Title:          "Gearbox",
		Description:    "10 units",
		Priority:       "high",
		EstimatedValue: &value,
		Tags:           []string{"cnc", "rush"},
		CreatedAt:      ts(0),
		UpdatedAt:      ts(0),
	}
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		if err := r.InsertStageTx(ctx, tx, domain.WorkflowStage{ID: stage, OrgID: "acme", Name: "Inquiry", Order: 1, Active: true, CreatedAt: ts(0)}); err != nil {
			return err
		}
		return r.InsertProjectTx(ctx, tx, p)
	})
	got, err := r.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Gearbox" || got.EstimatedValue == nil || *got.EstimatedValue != value {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "cnc" {
		t.Fatalf("tags mismatch: %+v", got.Tags)
	}
	if got.CurrentStageID != nil {
		t.Fatalf("expected nil stage")
	}
	if _, err := r.GetProject(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateProjectFieldsPartial(t *testing.T) {
	r, ctx := newRepo(t)
	seedProject(t, r, ctx, "p1", 0)
	notes := "called the customer"
	po := "PO-123"
	if err := r.UpdateProjectFields(ctx, nil, "p1", repo.ProjectUpdate{Notes: &notes, PONumber: &po}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := r.GetProject(ctx, "p1")
	if got.Notes != notes || got.PONumber == nil || *got.PONumber != po {
		t.Fatalf("partial update lost fields: %+v", got)
	}
	if got.Title != "Project p1" {
		t.Fatalf("untouched field changed")
	}

	value := 99.0
	if err := r.UpdateProjectFields(ctx, nil, "p1", repo.ProjectUpdate{EstimatedValue: &value}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateProjectFields(ctx, nil, "p1", repo.ProjectUpdate{ClearEstimatedValue: true}); err != nil {
		t.Fatal(err)
	}
	got, _ = r.GetProject(ctx, "p1")
	if got.EstimatedValue != nil {
		t.Fatalf("estimated value not cleared")
	}
}

func TestListProjectsCursorPagination(t *testing.T) {
	r, ctx := newRepo(t)
	for i := 0; i < 5; i++ {
		seedProject(t, r, ctx, fmt.Sprintf("p%d", i), i)
	}
	first, err := r.ListProjects(ctx, repo.ProjectFilters{OrgID: "acme", Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 3 || first[0].ID != "p4" {
		t.Fatalf("expected newest first, got %+v", first)
	}
	last := first[len(first)-1]
	rest, err := r.ListProjects(ctx, repo.ProjectFilters{
		OrgID:           "acme",
		Limit:           3,
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != "p1" || rest[1].ID != "p0" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestUpdateProjectStageConditional(t *testing.T) {
	r, ctx := newRepo(t)
	seedProject(t, r, ctx, "p1", 0)
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		if err := r.InsertStageTx(ctx, tx, domain.WorkflowStage{ID: "s1", OrgID: "acme", Name: "Inquiry", Order: 1, Active: true, CreatedAt: ts(0)}); err != nil {
			return err
		}
		return r.InsertStageTx(ctx, tx, domain.WorkflowStage{ID: "s2", OrgID: "acme", Name: "Quoting", Order: 2, Active: true, CreatedAt: ts(0)})
	})

	// nil expectation matches an unstaged project
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpdateProjectStageTx(ctx, tx, "p1", nil, "s1", ts(1))
	})
	got, _ := r.GetProject(ctx, "p1")
	if got.CurrentStageID == nil || *got.CurrentStageID != "s1" {
		t.Fatalf("stage not set: %+v", got)
	}

	// stale expectation loses
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.UpdateProjectStageTx(ctx, tx, "p1", nil, "s2", ts(2)); !errors.Is(err, repo.ErrStageConflict) {
		t.Fatalf("expected stage conflict, got %v", err)
	}
	tx.Rollback()

	// matching expectation wins
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		s1 := "s1"
		return r.UpdateProjectStageTx(ctx, tx, "p1", &s1, "s2", ts(3))
	})
	got, _ = r.GetProject(ctx, "p1")
	if *got.CurrentStageID != "s2" {
		t.Fatalf("conditional update did not apply")
	}
}

func TestEventCursorsAdvance(t *testing.T) {
	r, ctx := newRepo(t)
	w := events.Writer{Now: func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }}
	for i := 0; i < 4; i++ {
		inTx(t, r, ctx, func(tx *sql.Tx) error {
			return w.Append(ctx, tx, "project.created", "acme", "project", fmt.Sprintf("p%d", i), "tester", map[string]any{"i": i})
		})
	}
	latest, err := r.LatestEventID(ctx, "acme")
	if err != nil || latest == 0 {
		t.Fatalf("latest id: %d %v", latest, err)
	}
	batch, err := r.EventsAfter(ctx, 10, 0, "acme")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(batch) != 4 {
		t.Fatalf("expected 4 events, got %d", len(batch))
	}
	if batch[0].ID >= batch[1].ID {
		t.Fatalf("events not ascending")
	}
	tail, err := r.EventsAfter(ctx, 10, batch[1].ID, "acme")
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("cursor did not advance: %d", len(tail))
	}
	if empty, _ := r.EventsAfter(ctx, 10, latest, "acme"); len(empty) != 0 {
		t.Fatalf("expected no events past the head")
	}
}

func TestAPIKeyHashLookup(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.EnsureActor(ctx, nil, "ci-bot"); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	plain := "fp_deadbeef"
	k := domain.APIKey{ID: "k1", ActorID: "ci-bot", Name: "ci", KeyHash: repo.HashAPIKey(plain), CreatedAt: ts(0)}
	if err := r.InsertAPIKey(ctx, nil, k); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" fp_deadbeef "))
	if err != nil {
		t.Fatalf("hash should trim whitespace: %v", err)
	}
	if got.ActorID != "ci-bot" {
		t.Fatalf("wrong actor: %+v", got)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("fp_wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1", "someone-else"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("delete must be scoped to the owner, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1", "ci-bot"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestTransitionHistoryOrderAndCursor(t *testing.T) {
	r, ctx := newRepo(t)
	seedProject(t, r, ctx, "p1", 0)
	for i := 0; i < 3; i++ {
		rec := domain.StageTransition{
			ID:        fmt.Sprintf("t%d", i),
			ProjectID: "p1",
			OrgID:     "acme",
			ToStageID: fmt.Sprintf("s%d", i),
			ActorID:   "tester",
			Reason:    "move",
			CreatedAt: ts(i),
		}
		if err := r.InsertStageTransition(ctx, rec); err != nil {
			t.Fatalf("insert transition: %v", err)
		}
	}
	list, err := r.ListStageTransitions(ctx, repo.TransitionFilters{ProjectID: "p1", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "t2" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	rest, err := r.ListStageTransitions(ctx, repo.TransitionFilters{
		ProjectID:       "p1",
		Limit:           2,
		CursorCreatedAt: list[1].CreatedAt,
		CursorID:        list[1].ID,
	})
	if err != nil || len(rest) != 1 || rest[0].ID != "t0" {
		t.Fatalf("unexpected page 2: %+v %v", rest, err)
	}
}

func TestRolesForActor(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.AssignOrgRole(ctx, "acme", "lead", "management"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := r.AssignOrgRole(ctx, "acme", "lead", "engineer"); err != nil {
		t.Fatalf("assign 2: %v", err)
	}
	roles, err := r.RolesForActor(ctx, "acme", "lead")
	if err != nil || len(roles) != 2 {
		t.Fatalf("roles: %+v %v", roles, err)
	}
	ok, err := r.ActorHasRole(ctx, "acme", "lead", "management")
	if err != nil || !ok {
		t.Fatalf("has role: %v %v", ok, err)
	}
	if err := r.RevokeOrgRole(ctx, "acme", "lead", "management"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, _ = r.ActorHasRole(ctx, "acme", "lead", "management")
	if ok {
		t.Fatalf("role survived revoke")
	}
}
