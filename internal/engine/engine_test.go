package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"factorypulse/internal/config"
	"factorypulse/internal/db"
	"factorypulse/internal/domain"
	"factorypulse/internal/engine"
	"factorypulse/internal/migrate"
	"factorypulse/internal/repo"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Stages map[string]domain.WorkflowStage
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, created, err := eng.BootstrapOrg(ctx, "tester")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	byName := map[string]domain.WorkflowStage{}
	for _, s := range created {
		byName[s.Name] = s
	}
	return testEnv{Engine: eng, Ctx: ctx, Stages: byName}
}

func (env testEnv) createProject(t *testing.T, title string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.CreateProjectInput{
		OrgID:   "acme",
		Title:   title,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (env testEnv) enter(t *testing.T, projectID, stageName string) domain.Project {
	t.Helper()
	out, err := env.Engine.ExecuteTransition(env.Ctx, projectID, env.Stages[stageName].ID, engine.TransitionOptions{
		ActorID: "tester", Bypass: true, BypassReason: "test setup", Roles: []string{"admin"},
	})
	if err != nil {
		t.Fatalf("enter %s: %v", stageName, err)
	}
	return out.Project
}

func (env testEnv) linkCustomer(t *testing.T, projectID string) {
	t.Helper()
	c, err := env.Engine.CreateCustomer(env.Ctx, domain.Customer{OrgID: "acme", Name: "Gears Inc"}, "tester")
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if _, err := env.Engine.UpdateProject(env.Ctx, projectID, repo.ProjectUpdate{CustomerID: &c.ID}, "tester"); err != nil {
		t.Fatalf("link customer: %v", err)
	}
}

func TestIntakeStartsOutsidePipeline(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Bracket RFQ")
	if p.CurrentStageID != nil {
		t.Fatalf("expected project outside pipeline, got stage %v", *p.CurrentStageID)
	}
	// entering the first stage has no leaving-side rules, so it passes
	out, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Inquiry"].ID, engine.TransitionOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("enter pipeline: %v", err)
	}
	if !out.Committed || !out.HistoryRecorded {
		t.Fatalf("committed=%v historyRecorded=%v", out.Committed, out.HistoryRecorded)
	}
	if out.Project.CurrentStageID == nil || *out.Project.CurrentStageID != env.Stages["Inquiry"].ID {
		t.Fatalf("project not in Inquiry")
	}
	if out.Record.FromStageID != nil {
		t.Fatalf("expected nil from stage on first entry")
	}
}

func TestGateOnLeavingStage(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Housing RFQ")
	env.enter(t, p.ID, "Inquiry")

	// Inquiry requires a linked customer before leaving
	res, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.RequiredPassed {
		t.Fatalf("expected customer gate to block")
	}
	var sawGate bool
	for _, c := range res.Checks {
		if c.Name == "customer_linked" && c.Status == engine.CheckFailed && c.Required {
			sawGate = true
		}
	}
	if !sawGate {
		t.Fatalf("customer_linked not reported as failed required: %+v", res.Checks)
	}

	env.linkCustomer(t, p.ID)
	res, err = env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID)
	if err != nil {
		t.Fatalf("validate after link: %v", err)
	}
	if !res.RequiredPassed {
		t.Fatalf("expected pass after linking customer: %+v", res.Checks)
	}
	out, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{ActorID: "tester"})
	if err != nil || !out.Committed {
		t.Fatalf("execute: %v", err)
	}
}

func TestHeuristicChecksWarnOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "No description")
	env.enter(t, p.ID, "Inquiry")
	env.linkCustomer(t, p.ID)
	res, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.RequiredPassed {
		t.Fatalf("heuristic check should not block: %+v", res.Checks)
	}
	var warned bool
	for _, c := range res.Checks {
		if c.Name == "description_present" {
			if c.Status != engine.CheckWarning || c.Required {
				t.Fatalf("expected non-required warning, got %+v", c)
			}
			warned = true
		}
	}
	if !warned {
		t.Fatalf("description_present check missing")
	}
}

func TestBlockedTransitionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Blocked")
	env.enter(t, p.ID, "Inquiry")
	before := countRows(t, env, `SELECT count(*) FROM stage_transitions WHERE project_id=?`, p.ID)

	_, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{ActorID: "tester"})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ve.Result == nil || ve.Result.RequiredPassed {
		t.Fatalf("expected failing result on the error")
	}

	after := countRows(t, env, `SELECT count(*) FROM stage_transitions WHERE project_id=?`, p.ID)
	if after != before {
		t.Fatalf("blocked transition wrote a ledger row")
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.CurrentStageID == nil || *got.CurrentStageID != env.Stages["Inquiry"].ID {
		t.Fatalf("project moved despite block")
	}
}

func TestBypassRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Rush job")
	env.enter(t, p.ID, "Inquiry")

	out, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{
		ActorID:      "boss",
		Roles:        []string{"management"},
		Bypass:       true,
		BypassReason: "customer escalation",
	})
	if err != nil {
		t.Fatalf("bypass execute: %v", err)
	}
	if !out.Record.BypassUsed || out.Record.BypassReason == nil || *out.Record.BypassReason != "customer escalation" {
		t.Fatalf("bypass not recorded: %+v", out.Record)
	}
}

func TestBypassRequiresReasonAndRole(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "No shortcuts")
	env.enter(t, p.ID, "Inquiry")

	_, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{
		ActorID: "boss", Roles: []string{"management"}, Bypass: true,
	})
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected reason-required error, got %v", err)
	}

	_, err = env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{
		ActorID: "intern", Roles: []string{"viewer"}, Bypass: true, BypassReason: "please",
	})
	var be *engine.BypassNotAllowedError
	if !errors.As(err, &be) {
		t.Fatalf("expected bypass forbidden, got %v", err)
	}
}

func TestBypassEligibilityFromStoredRoles(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Stored role")
	env.enter(t, p.ID, "Inquiry")
	if err := env.Engine.AssignRole(env.Ctx, "acme", "lead", "management", "tester"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	out, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{
		ActorID: "lead", Bypass: true, BypassReason: "line down",
	})
	if err != nil || !out.Committed {
		t.Fatalf("expected stored role to allow bypass: %v", err)
	}
}

func TestCrossOrgStageDoesNotResolve(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Tenant fence")

	// hand-plant a stage belonging to a different org
	ctx := env.Ctx
	tx, err := env.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	other := domain.Organization{ID: "rival", Name: "Rival", CreatedAt: "2026-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertOrgTx(ctx, tx, other); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	foreign := domain.WorkflowStage{ID: "rival-stage", OrgID: "rival", Name: "Inquiry", Order: 1, Active: true, CreatedAt: "2026-01-01T00:00:00Z"}
	if err := env.Engine.Repo.InsertStageTx(ctx, tx, foreign); err != nil {
		t.Fatalf("insert stage: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.ValidateTransition(ctx, p.ID, foreign.ID)
	var ce *engine.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected configuration error for cross-org stage, got %v", err)
	}
}

func TestPersistFailureAfterHistoryWrite(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Torn write")
	env.enter(t, p.ID, "Inquiry")
	env.linkCustomer(t, p.ID)

	boom := errors.New("disk full")
	out, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{
		ActorID: "tester",
		Persist: func(ctx context.Context, expected *string, to, entered string) error { return boom },
	})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if out.Committed {
		t.Fatalf("outcome reported committed")
	}
	if !out.HistoryRecorded {
		t.Fatalf("expected ledger row written before persist")
	}
	// the ledger keeps the intent even though the stage pointer never moved
	n := countRows(t, env, `SELECT count(*) FROM stage_transitions WHERE project_id=? AND to_stage_id=?`, p.ID, env.Stages["Engineering Review"].ID)
	if n != 1 {
		t.Fatalf("expected 1 orphan ledger row, got %d", n)
	}
	got, _ := env.Engine.GetProject(env.Ctx, p.ID)
	if got.CurrentStageID == nil || *got.CurrentStageID != env.Stages["Inquiry"].ID {
		t.Fatalf("stage pointer moved despite persist failure")
	}
}

func TestConcurrentMoveLosesOnStageConflict(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Race")
	env.enter(t, p.ID, "Inquiry")
	env.linkCustomer(t, p.ID)

	out, err := env.Engine.ExecuteTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID, engine.TransitionOptions{
		ActorID: "tester",
		Persist: func(ctx context.Context, expected *string, to, entered string) error {
			// a competing writer moved the project first
			tx, err := env.Engine.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			winner := env.Stages["Quoting"].ID
			if err := env.Engine.Repo.UpdateProjectStageTx(ctx, tx, p.ID, expected, winner, entered); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			// now apply our own conditional update against the stale expectation
			tx2, err := env.Engine.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx2.Rollback()
			if err := env.Engine.Repo.UpdateProjectStageTx(ctx, tx2, p.ID, expected, to, entered); err != nil {
				return err
			}
			return tx2.Commit()
		},
	})
	if !errors.Is(err, repo.ErrStageConflict) {
		t.Fatalf("expected stage conflict, got %v", err)
	}
	if out.Committed {
		t.Fatalf("conflicted transition reported committed")
	}
}

func TestValidateWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Dry run")
	env.enter(t, p.ID, "Inquiry")
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Engineering Review"].ID); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}
	n := countRows(t, env, `SELECT count(*) FROM stage_transitions WHERE project_id=?`, p.ID)
	if n != 1 { // only the setup entry into Inquiry
		t.Fatalf("validation wrote ledger rows: %d", n)
	}
}

func TestSequenceSkipWarns(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Skipper")
	env.enter(t, p.ID, "Inquiry")
	env.linkCustomer(t, p.ID)
	res, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Quoting"].ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var seq *engine.Check
	for i := range res.Checks {
		if res.Checks[i].Name == "stage_sequence" {
			seq = &res.Checks[i]
		}
	}
	if seq == nil || seq.Status != engine.CheckWarning || seq.Required {
		t.Fatalf("expected non-blocking sequence warning, got %+v", res.Checks)
	}
}

func TestApprovedReviewSatisfiesReviewerGate(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Reviewed")
	env.enter(t, p.ID, "Inquiry")
	env.linkCustomer(t, p.ID)
	env.enter(t, p.ID, "Engineering Review")

	if ok := env.Engine.CanTransitionToStage(env.Ctx, p.ID, env.Stages["Quoting"].ID); ok {
		t.Fatalf("expected reviewer gate to block")
	}
	rv, err := env.Engine.SubmitReview(env.Ctx, engine.SubmitReviewInput{
		ProjectID: p.ID, Discipline: domain.DisciplineEngineering, ActorID: "eng-1",
	})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if _, err := env.Engine.DecideReview(env.Ctx, rv.ID, domain.ReviewApproved, "looks sound", "eng-lead"); err != nil {
		t.Fatalf("decide review: %v", err)
	}
	if ok := env.Engine.CanTransitionToStage(env.Ctx, p.ID, env.Stages["Quoting"].ID); !ok {
		t.Fatalf("expected approval to satisfy the reviewer gate")
	}
}

func TestStageChangeEventLogged(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Evented")
	env.enter(t, p.ID, "Inquiry")
	n := countRows(t, env, `SELECT count(*) FROM events WHERE type='project.stage_changed' AND entity_id=?`, p.ID)
	if n == 0 {
		t.Fatalf("expected stage change event")
	}
}

func TestRecommendationsPartition(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Advice")
	env.enter(t, p.ID, "Inquiry")
	rec, err := env.Engine.TransitionRecommendations(env.Ctx, p.ID, env.Stages["Engineering Review"].ID)
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if rec.CanProceed {
		t.Fatalf("expected blocked recommendation")
	}
	if len(rec.Blockers) == 0 {
		t.Fatalf("expected customer blocker")
	}
	if len(rec.Warnings) == 0 {
		t.Fatalf("expected description warning")
	}
}

func TestValidateFailsClosedOnStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Flaky Store")
	env.Engine.DB.Close()
	res, err := env.Engine.ValidateTransition(env.Ctx, p.ID, env.Stages["Inquiry"].ID)
	if err != nil {
		t.Fatalf("store failure should not surface as an error: %v", err)
	}
	if res == nil || res.RequiredPassed {
		t.Fatalf("expected a blocking result, got %+v", res)
	}
	if len(res.Checks) != 1 {
		t.Fatalf("expected a single synthetic check, got %d", len(res.Checks))
	}
	c := res.Checks[0]
	if c.Name != "validation_error" || !c.Required || c.Status != engine.CheckFailed || c.Description == "" {
		t.Fatalf("unexpected synthetic check: %+v", c)
	}
	if env.Engine.CanTransitionToStage(env.Ctx, p.ID, env.Stages["Inquiry"].ID) {
		t.Fatalf("expected false when the store is down")
	}
}

func countRows(t *testing.T, env testEnv, query string, args ...any) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
