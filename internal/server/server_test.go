package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"siteline/internal/catalog"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/engine"
	"siteline/internal/migrate"
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("siteline-test")
	cfg.Assignments = map[string]string{"sales": "alice", "office": "bob"}
	e := engine.New(conn, catalog.Default(), cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	if _, _, err := e.InitWorkflow(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init workflow: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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
	req.Header.Set("X-Actor-Id", "tester")
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

func TestCompleteAdvancesPosition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/siteline-test"

	res, data := doJSON(t, client, http.MethodPost, base+"/completions", map[string]any{
		"line_item_id": "lead-contact-logged",
		"user_id":      "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed CompleteResponse
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if completed.AlreadyCompleted {
		t.Fatal("first completion flagged as replay")
	}
	if completed.Position.LineItem.ID != "lead-inspection-scheduled" {
		t.Fatalf("position did not advance: %+v", completed.Position)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/position", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("position status %d: %s", res.StatusCode, string(data))
	}
	var pos PositionResponse
	_ = json.Unmarshal(data, &pos)
	if pos.LineItem == nil || pos.LineItem.ID != "lead-inspection-scheduled" {
		t.Fatalf("read position %+v", pos)
	}

	// Replay: same request again is a no-op.
	res, data = doJSON(t, client, http.MethodPost, base+"/completions", map[string]any{
		"line_item_id": "lead-contact-logged",
		"user_id":      "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &completed)
	if !completed.AlreadyCompleted {
		t.Fatal("replay not flagged")
	}
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/siteline-test"

	res, data := doJSON(t, client, http.MethodGet, base+"/alerts", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alerts status %d: %s", res.StatusCode, string(data))
	}
	var alerts []AlertResponse
	_ = json.Unmarshal(data, &alerts)
	if len(alerts) != 1 || alerts[0].LineItemID != "lead-contact-logged" || alerts[0].AssignedTo != "alice" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/alerts/"+alerts[0].ID+"/reassign", map[string]any{
		"user_id": "bob",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reassign status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users/bob/alerts", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("user alerts status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &alerts)
	if len(alerts) != 1 {
		t.Fatalf("reassigned alert missing for bob: %+v", alerts)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/alerts/"+alerts[0].ID+"/acknowledge", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge status %d: %s", res.StatusCode, string(data))
	}
	var acked AlertResponse
	_ = json.Unmarshal(data, &acked)
	if acked.Status != "acknowledged" {
		t.Fatalf("status %s", acked.Status)
	}
}

func TestGateAndIncomplete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/siteline-test"

	res, data := doJSON(t, client, http.MethodGet, base+"/phases/lead/gate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate status %d: %s", res.StatusCode, string(data))
	}
	var gate GateResponse
	_ = json.Unmarshal(data, &gate)
	if gate.Ready || gate.Remaining != 2 {
		t.Fatalf("gate %+v", gate)
	}

	for _, item := range []string{"lead-contact-logged", "lead-inspection-scheduled"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/completions", map[string]any{
			"line_item_id": item, "user_id": "alice",
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete %s: %d %s", item, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/phases/lead/incomplete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("incomplete status %d: %s", res.StatusCode, string(data))
	}
	var items []LineItemResponse
	_ = json.Unmarshal(data, &items)
	if len(items) != 0 {
		t.Fatalf("phase should be clear: %+v", items)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/phases/lead/gate", nil, nil)
	_ = json.Unmarshal(data, &gate)
	if !gate.Ready {
		t.Fatalf("gate should be open: %s", string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/siteline-test"

	res, data := doJSON(t, client, http.MethodPost, base+"/completions", map[string]any{
		"line_item_id": "no-such-item",
		"user_id":      "alice",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code %q", envelope.Error.Code)
	}

	// Second run while one is live.
	res, data = doJSON(t, client, http.MethodPost, base+"/workflow", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects/siteline-test/position", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", res.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should skip auth, got %d", res.StatusCode)
	}
}
