package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"defectline/internal/config"
	"defectline/internal/db"
	"defectline/internal/engine"
	"defectline/internal/events"
	"defectline/internal/migrate"
	"defectline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	e := engine.Open(context.Background(), r, events.Writer{DB: conn})
	handler, err := New(Config{
		Engine:   e,
		Events:   r,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:  "test-secret",
			AdminCheck: cfg.CheckAdminPassword,
		},
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
	return testSrv, func() { testSrv.Close() }
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

func login(t *testing.T, srv *testServer, name, role, password string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"name":     name,
		"role":     role,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (%s)", role, res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if out.Role != role || out.Token == "" {
		t.Fatalf("unexpected login response %+v", out)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("expected health ok, got %d %s", res.StatusCode, string(data))
	}
}

func TestRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/defects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/defects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestManagerLoginRejectsBadPassword(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/login", map[string]any{
		"name":     "Dana",
		"role":     "manager",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %s", code)
	}
}

func TestReportCriticalHaltsAndLists(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	worker := login(t, srv, "Sam", RoleWorker, "")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects", map[string]any{
		"id":          "D-001",
		"task_name":   "Line 4",
		"description": "paint scratch on panel",
		"severity":    "minor",
		"detail":      "door",
	}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Line-Halt") == "true" {
		t.Fatalf("minor defect must not halt the line")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects", map[string]any{
		"id":          "D-002",
		"task_name":   "Line 4",
		"description": "exposed wire",
		"severity":    "critical",
		"detail":      "shock",
	}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", res.StatusCode, string(data))
	}
	var rep ReportDefectResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.Halt || !strings.Contains(rep.HaltMessage, "exposed wire") {
		t.Fatalf("expected halt with message, got %+v", rep)
	}
	if res.Header.Get("X-Line-Halt") != "true" {
		t.Fatalf("expected X-Line-Halt header")
	}
	if rep.Defect.LoggedBy != "Sam" || rep.Defect.ImpactLevel != "CRITICAL" {
		t.Fatalf("unexpected defect %+v", rep.Defect)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/defects", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", res.StatusCode)
	}
	var list DefectListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 2 || list.Items[0].ID != "D-002" {
		t.Fatalf("expected critical defect first, got %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/defects?q=scratch", nil, worker)
	if err := json.Unmarshal(data, &list); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("search: %d %v", res.StatusCode, err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != "D-001" {
		t.Fatalf("expected search hit D-001, got %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects", map[string]any{
		"id":          "d-002",
		"task_name":   "Line 5",
		"description": "dup",
		"severity":    "minor",
	}, worker)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "duplicate_id" {
		t.Fatalf("expected duplicate_id conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects", map[string]any{
		"id":          "X-1",
		"task_name":   "Line 5",
		"description": "bad id",
		"severity":    "minor",
	}, worker)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/Line%204/count", nil, worker)
	var count CountResponse
	if err := json.Unmarshal(data, &count); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("count: %d %v", res.StatusCode, err)
	}
	if count.Count != 2 {
		t.Fatalf("expected 2 defects on Line 4, got %d", count.Count)
	}
}

func TestResolveAndClearRequireManager(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	worker := login(t, srv, "Sam", RoleWorker, "")
	manager := login(t, srv, "Dana", RoleManager, config.DefaultAdminPassword)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects", map[string]any{
		"id":          "D-010",
		"task_name":   "Line 1",
		"description": "missing bolt",
		"severity":    "minor",
	}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report: expected 201, got %d (%s)", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/D-010/resolve", map[string]any{"details": "fixed"}, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker resolve: expected 403, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/D-010/resolve", map[string]any{"details": "bolt replaced"}, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manager resolve: expected 200, got %d (%s)", res.StatusCode, string(data))
	}
	var d DefectResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("decode defect: %v", err)
	}
	if !d.Resolved || d.ResolvedBy != "Dana" || d.ResolutionDetails != "bolt replaced" || d.ResolvedAt == nil {
		t.Fatalf("unexpected resolved defect %+v", d)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/D-010/resolve", map[string]any{"details": "again"}, manager)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_resolved" {
		t.Fatalf("expected already_resolved, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/D-404/resolve", map[string]any{"details": "x"}, manager)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/clear-resolved", nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker clear: expected 403, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/clear-resolved", nil, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear: expected 200, got %d (%s)", res.StatusCode, string(data))
	}
	var cleared ClearResponse
	if err := json.Unmarshal(data, &cleared); err != nil || cleared.Removed != 1 {
		t.Fatalf("expected 1 removed, got %+v (%v)", cleared, err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/clear-resolved", nil, manager)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "nothing_to_clear" {
		t.Fatalf("expected nothing_to_clear, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=defect.resolved", nil, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: expected 200, got %d (%s)", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts.Items) != 1 || evts.Items[0].EntityID != "D-010" || evts.Items[0].ActorID != "Dana" {
		t.Fatalf("unexpected events %+v", evts.Items)
	}
}

func TestSuggestionAndSigma(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	worker := login(t, srv, "Sam", RoleWorker, "")
	manager := login(t, srv, "Dana", RoleManager, config.DefaultAdminPassword)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects", map[string]any{
		"id":          "D-020",
		"task_name":   "Paint",
		"description": "dent on hood",
		"severity":    "minor",
	}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("report: expected 201, got %d (%s)", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/defects/D-020/suggestion", nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker suggestion: expected 403, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/defects/D-020/suggestion", nil, manager)
	var sug SuggestionResponse
	if err := json.Unmarshal(data, &sug); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("suggestion: %d %v", res.StatusCode, err)
	}
	if sug.Category != "cosmetic" || !strings.HasPrefix(sug.Text, "Route to touch-up station") {
		t.Fatalf("unexpected suggestion %+v", sug)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/defects/D-020/apply-suggestion", nil, manager)
	var d DefectResponse
	if err := json.Unmarshal(data, &d); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("apply: %d %v", res.StatusCode, err)
	}
	if !d.Resolved || !strings.HasPrefix(d.ResolutionDetails, "Smart Fix: ") {
		t.Fatalf("unexpected applied defect %+v", d)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/Paint/sigma?units=10&opportunities=1", nil, manager)
	var rep SigmaResponse
	if err := json.Unmarshal(data, &rep); err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("sigma: %d %v (%s)", res.StatusCode, err, string(data))
	}
	if rep.Defects != 1 || rep.DPMO < 99999 || rep.DPMO > 100001 {
		t.Fatalf("unexpected sigma report %+v", rep)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/Paint/sigma", nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker sigma: expected 403, got %d", res.StatusCode)
	}
}

func TestSeverityTagIsCaseInsensitive(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	worker := login(t, srv, "Sam", RoleWorker, "")
	cases := []struct {
		id, severity string
		halt         bool
		impact       string
	}{
		{"D-031", "CRITICAL", true, "CRITICAL"},
		{"D-032", "Critical", true, "CRITICAL"},
		{"D-033", "major", false, "Minor"},
		{"D-034", "", false, "Minor"},
	}
	for _, tc := range cases {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/defects", map[string]any{
			"id":          tc.id,
			"task_name":   "Line 9",
			"description": "loose panel",
			"severity":    tc.severity,
		}, worker)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("%q: expected 201, got %d (%s)", tc.severity, res.StatusCode, string(data))
		}
		var rep ReportDefectResponse
		if err := json.Unmarshal(data, &rep); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		if rep.Halt != tc.halt || rep.Defect.ImpactLevel != tc.impact {
			t.Fatalf("%q: expected halt=%v impact=%s, got %+v", tc.severity, tc.halt, tc.impact, rep)
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/defects", map[string]any{
		"id":          "D-035",
		"task_name":   "Line 9",
		"description": "no severity field",
	}, worker)
	var rep ReportDefectResponse
	if err := json.Unmarshal(data, &rep); err != nil || res.StatusCode != http.StatusCreated {
		t.Fatalf("missing severity: %d %v (%s)", res.StatusCode, err, string(data))
	}
	if rep.Halt || rep.Defect.Severity != "minor" {
		t.Fatalf("expected minor without halt, got %+v", rep)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	const n = 8
	bodies := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				bodies <- "error: " + err.Error()
				return
			}
			defer res.Body.Close()
			b, _ := io.ReadAll(res.Body)
			bodies <- string(b)
		}()
	}
	var first string
	for i := 0; i < n; i++ {
		b := <-bodies
		if !strings.Contains(b, "bearerAuth") {
			t.Fatalf("expected openapi document with bearer security, got %q", b)
		}
		if first == "" {
			first = b
		} else if b != first {
			t.Fatalf("openapi document differs between requests")
		}
	}
}
