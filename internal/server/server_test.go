package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"vintrack/internal/config"
	"vintrack/internal/db"
	"vintrack/internal/domain"
	"vintrack/internal/engine"
	"vintrack/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var asWinemaker = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("winery-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }

	// legacy header auth carries no roles, so the tester gets a winery role
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := "2025-03-01T00:00:00Z"
	if err := e.Repo.EnsureWinery(ctx, tx, "winery-1", "", now); err != nil {
		t.Fatalf("winery: %v", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, "tester", now); err != nil {
		t.Fatalf("actor: %v", err)
	}
	if err := e.Repo.AssignWineryRole(ctx, tx, "winery-1", "tester", "winemaker"); err != nil {
		t.Fatalf("role: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
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

func TestProtocolToExecutionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols", map[string]any{
		"varietal_code": "CAB",
		"steps": []map[string]any{
			{"sequence": 1, "name": "Inoculate", "trigger_type": "day_offset", "trigger_value": 0, "tolerance_hours": 12, "critical": true},
			{"sequence": 2, "name": "Press off", "trigger_type": "day_offset", "trigger_value": 7, "tolerance_hours": 24, "critical": true},
		},
	}, asWinemaker)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create protocol status %d: %s", createRes.StatusCode, string(data))
	}
	var created struct {
		Protocol domain.Protocol `json:"protocol"`
		Steps    []domain.Step   `json:"steps"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal protocol: %v", err)
	}
	if created.Protocol.Status != "draft" || len(created.Steps) != 2 {
		t.Fatalf("unexpected draft: %+v", created)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols/"+created.Protocol.ID+"/approve", nil, asWinemaker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/fermentations", map[string]any{
		"batch_name": "Tank 4 Cab",
	}, asWinemaker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("fermentation status %d: %s", res.StatusCode, string(body))
	}
	var ferm domain.Fermentation
	_ = json.Unmarshal(body, &ferm)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"protocol_id":     created.Protocol.ID,
		"fermentation_id": ferm.ID,
	}, asWinemaker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("instantiate status %d: %s", res.StatusCode, string(body))
	}
	var inst struct {
		Instance  domain.Instance  `json:"instance"`
		Execution domain.Execution `json:"execution"`
	}
	if err := json.Unmarshal(body, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	// recording before start is a state conflict
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+inst.Execution.ID+"/completions", map[string]any{
		"step_id": created.Steps[0].ID,
	}, asWinemaker)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 before start, got %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+inst.Execution.ID+"/start", nil, asWinemaker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(body))
	}

	// instance step ids differ from template step ids
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+inst.Instance.ID, nil, asWinemaker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance status %d: %s", res.StatusCode, string(body))
	}
	var detail struct {
		Steps []domain.InstanceStep `json:"steps"`
	}
	if err := json.Unmarshal(body, &detail); err != nil || len(detail.Steps) != 2 {
		t.Fatalf("instance steps: %v %s", err, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+inst.Execution.ID+"/completions", map[string]any{
		"step_id": detail.Steps[0].ID,
	}, asWinemaker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("completion status %d: %s", res.StatusCode, string(body))
	}
	var rec struct {
		Execution  domain.Execution   `json:"execution"`
		Deviations []domain.Deviation `json:"deviations"`
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Execution.CompletedSteps != 1 || rec.Execution.ComplianceScore != 100 {
		t.Fatalf("on-time completion: %+v", rec.Execution)
	}

	// skipping the last critical step drops the score and raises an alert
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+inst.Execution.ID+"/skips", map[string]any{
		"step_id": detail.Steps[1].ID,
		"reason":  "equipment_failure",
	}, asWinemaker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("skip status %d: %s", res.StatusCode, string(body))
	}
	var skipped struct {
		Execution domain.Execution `json:"execution"`
		Alerts    []domain.Alert   `json:"alerts"`
	}
	if err := json.Unmarshal(body, &skipped); err != nil {
		t.Fatalf("unmarshal skip: %v", err)
	}
	if skipped.Execution.Status != "done" {
		t.Fatalf("expected done: %+v", skipped.Execution)
	}
	if len(skipped.Alerts) != 1 || skipped.Alerts[0].Type != "critical_step_missed" {
		t.Fatalf("expected critical alert: %+v", skipped.Alerts)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deviations?execution_id="+inst.Execution.ID, nil, asWinemaker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deviations status %d: %s", res.StatusCode, string(body))
	}
	var deviations []domain.Deviation
	if err := json.Unmarshal(body, &deviations); err != nil || len(deviations) != 1 {
		t.Fatalf("deviations: %v %s", err, string(body))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/protocols", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestElevatedRoleEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/protocols", map[string]any{
		"varietal_code": "CAB",
	}, map[string]string{"X-Actor-Id": "intern"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for intern, got %d: %s", res.StatusCode, string(body))
	}
}
