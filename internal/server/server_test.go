package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"factorypulse/internal/config"
	"factorypulse/internal/db"
	"factorypulse/internal/engine"
	"factorypulse/internal/migrate"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("acme")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLoginEnabled: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func token(t *testing.T, actorID string, roles ...string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, actorID, roles, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func bootstrap(t *testing.T, srv *testServer, tok string) []StageResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/orgs/bootstrap", nil, bearer(tok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("bootstrap status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Stages []StageResponse `json:"stages"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal bootstrap: %v", err)
	}
	return out.Stages
}

func stageID(t *testing.T, list []StageResponse, name string) string {
	t.Helper()
	for _, s := range list {
		if s.Name == name {
			return s.ID
		}
	}
	t.Fatalf("stage %s not in catalog", name)
	return ""
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/acme", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/acme", nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil || out["token"] == "" {
		t.Fatalf("no token in response: %s", string(data))
	}
	bootstrap(t, srv, out["token"])
}

func TestProjectTransitionFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	tok := token(t, "tester")
	stagesList := bootstrap(t, srv, tok)
	inquiry := stageID(t, stagesList, "Inquiry")
	engReview := stageID(t, stagesList, "Engineering Review")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/acme/projects", map[string]any{
		"title": "Bracket RFQ",
	}, bearer(tok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project %d: %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if p.CurrentStageID != nil {
		t.Fatalf("new project should be outside the pipeline")
	}

	// enter the pipeline
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/execute", map[string]any{
		"to_stage_id": inquiry,
	}, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enter pipeline %d: %s", res.StatusCode, string(data))
	}
	var out TransitionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if !out.Committed || !out.HistoryRecorded || out.Record == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// validation reports the customer gate without moving anything
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/validate", map[string]any{
		"to_stage_id": engReview,
	}, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate %d: %s", res.StatusCode, string(data))
	}
	var vr ValidationResultResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if vr.RequiredPassed {
		t.Fatalf("expected customer gate to fail: %s", string(data))
	}

	// executing the blocked move is a 422 with the result attached
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/execute", map[string]any{
		"to_stage_id": engReview,
	}, bearer(tok))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("expected 422 validation_failed, got %d %s", res.StatusCode, string(data))
	}

	// link a customer, then the move goes through
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/acme/customers", map[string]any{
		"name": "Gears Inc",
	}, bearer(tok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create customer %d: %s", res.StatusCode, string(data))
	}
	var cust struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &cust)
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/"+p.ID, map[string]any{
		"customer_id": cust.ID,
	}, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("link customer %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/execute", map[string]any{
		"to_stage_id": engReview,
	}, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute after link %d: %s", res.StatusCode, string(data))
	}

	// history lists both moves, newest first
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/transitions", nil, bearer(tok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTransitions
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(page.Items))
	}
	if page.Items[0].ToStageID != engReview {
		t.Fatalf("newest row should be the second move")
	}
}

func TestBypassOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	admin := token(t, "tester", "management")
	plain := token(t, "intern")
	stagesList := bootstrap(t, srv, admin)
	inquiry := stageID(t, stagesList, "Inquiry")
	engReview := stageID(t, stagesList, "Engineering Review")

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/orgs/acme/projects", map[string]any{
		"title": "Rush job",
	}, bearer(admin))
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/execute", map[string]any{
		"to_stage_id": inquiry,
	}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enter pipeline %d: %s", res.StatusCode, string(data))
	}

	// a plain token may not bypass
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/execute", map[string]any{
		"to_stage_id":   engReview,
		"bypass":        true,
		"bypass_reason": "customer escalation",
	}, bearer(plain))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "bypass_forbidden" {
		t.Fatalf("expected 403 bypass_forbidden, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/execute", map[string]any{
		"to_stage_id":   engReview,
		"bypass":        true,
		"bypass_reason": "customer escalation",
	}, bearer(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bypass %d: %s", res.StatusCode, string(data))
	}
	var out TransitionResponse
	_ = json.Unmarshal(data, &out)
	if out.Record == nil || !out.Record.BypassUsed || out.Record.BypassReason == nil {
		t.Fatalf("bypass not reflected in record: %s", string(data))
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "tester")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/nope", nil, bearer(tok))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthenticates(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	tok := token(t, "tester")
	bootstrap(t, srv, tok)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, bearer(tok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key %d: %s", res.StatusCode, string(data))
	}
	var created struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("no plaintext key: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/acme", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/orgs/acme", nil, map[string]string{
		"X-Api-Key": "fp_bogus",
	})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestStageListRequiresBootstrap(t *testing.T) {
	srv := newTestServer(t)
	tok := token(t, "tester")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/orgs/acme/stages", nil, bearer(tok))
	if res.StatusCode != http.StatusInternalServerError || errorCode(t, data) != "configuration_error" {
		t.Fatalf("expected configuration_error before bootstrap, got %d %s", res.StatusCode, string(data))
	}
}
