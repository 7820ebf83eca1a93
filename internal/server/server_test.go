package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"

	appauth "smokestack/internal/auth"
	"smokestack/internal/db"
	"smokestack/internal/engine"
	engineauth "smokestack/internal/engine/auth"
	"smokestack/internal/events"
	"smokestack/internal/history"
	"smokestack/internal/schema"
	"smokestack/internal/store"
)

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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	hist, err := history.Open(conn)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	st := store.New()
	bus := events.NewBus(st, 64)
	checker := engineauth.Checker{Groups: st, Components: st, AdminGroups: []string{"admins"}}
	eng := engine.New(st, hist, nil, bus, checker)

	handler, err := New(Config{
		Engine:  eng,
		Store:   st,
		History: hist,
		Bus:     bus,
		Schema:  schema.New(),
		BasePath: "/v1",
		Auth:    appauth.Config{JWTSecret: "test-secret", DevLogin: true},
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

func doJSON(t *testing.T, client *http.Client, method, url string, body any, actor string) (*http.Response, []byte) {
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
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
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

func TestCreateAndTransitionOperation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/components", map[string]any{"name": "edge-fleet"}, "sre-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create component status %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations", map[string]any{
		"title":      "kernel update",
		"components": []string{"edge-fleet"},
		"locks":      []string{"edge-fleet"},
	}, "sre-1")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create operation status %d: %s", res.StatusCode, body)
	}
	var created OperationResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal operation: %v", err)
	}
	if created.Status != "planned" {
		t.Fatalf("status = %s, want planned", created.Status)
	}

	url := srv.URL + "/v1/operations/" + strconv.FormatInt(created.ID, 10) + "/transition"
	res, body = doJSON(t, client, http.MethodPost, url, map[string]any{"to": "in_progress"}, "sre-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, body)
	}
	var transitioned OperationResponse
	if err := json.Unmarshal(body, &transitioned); err != nil {
		t.Fatalf("unmarshal transitioned: %v", err)
	}
	if transitioned.Status != "in_progress" {
		t.Fatalf("status = %s, want in_progress", transitioned.Status)
	}
}

func TestCreateOperationRejectsUnknownField(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations", map[string]any{
		"title":      "deploy",
		"not_a_real": "field",
	}, "sre-1")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d: %s", res.StatusCode, body)
	}
}

func TestOperationRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations", map[string]any{"title": "deploy"}, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a principal, got %d: %s", res.StatusCode, body)
	}
}

func TestLockConflictReturnsConflict(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/components", map[string]any{"name": "db-primary"}, "op-1")

	_, first := doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations", map[string]any{
		"title": "migration A", "components": []string{"db-primary"}, "locks": []string{"db-primary"},
	}, "op-1")
	var firstOp OperationResponse
	json.Unmarshal(first, &firstOp)

	_, second := doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations", map[string]any{
		"title": "migration B", "components": []string{"db-primary"}, "locks": []string{"db-primary"},
	}, "op-1")
	var secondOp OperationResponse
	json.Unmarshal(second, &secondOp)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations/"+strconv.FormatInt(firstOp.ID, 10)+"/transition", map[string]any{"to": "in_progress"}, "op-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start first: %d %s", res.StatusCode, body)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations/"+strconv.FormatInt(secondOp.ID, 10)+"/transition", map[string]any{"to": "in_progress"}, "op-1")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 lock_conflict, got %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Code string `json:"code"`
	}
	json.Unmarshal(body, &envelope)
	if envelope.Code != "lock_conflict" {
		t.Fatalf("code = %q, want lock_conflict", envelope.Code)
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	_, created := doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations", map[string]any{"title": "runbook"}, "op-1")
	var op OperationResponse
	json.Unmarshal(created, &op)

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations/"+strconv.FormatInt(op.ID, 10)+"/transition", map[string]any{"to": "in_progress"}, "op-1")
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/operations/"+strconv.FormatInt(op.ID, 10)+"/transition", map[string]any{"to": "completed"}, "op-1")

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/history?op_id="+strconv.FormatInt(op.ID, 10), nil, "op-1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list history: %d %s", res.StatusCode, body)
	}
	var page paginatedHistory
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal history page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("history items = %d, want 2", len(page.Items))
	}
}
