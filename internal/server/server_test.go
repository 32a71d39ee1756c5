package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/engine"
	"storyline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
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
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
		Engine: e,
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

func importDemo(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/backlogs", map[string]any{
		"id":     "demo",
		"domain": "demo",
		"stories": []map[string]any{
			{"id": "S1", "name": "first", "priority": 10, "acceptance": []string{"done"}},
			{"id": "S2", "name": "second", "priority": 20, "depends_on": []string{"S1"}, "acceptance": []string{"done"}},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/v0/backlogs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestImportAndEligible(t *testing.T) {
	srv := newTestServer(t)
	importDemo(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/backlogs/demo/eligible", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("eligible status %d: %s", res.StatusCode, string(data))
	}
	var stories []domain.Story
	if err := json.Unmarshal(data, &stories); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stories) != 1 || stories[0].ID != "S1" {
		t.Fatalf("expected only S1 eligible, got %+v", stories)
	}
}

func TestImportRejectsCycle(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/backlogs", map[string]any{
		"id":     "cyclic",
		"domain": "demo",
		"stories": []map[string]any{
			{"id": "A", "name": "a", "depends_on": []string{"B"}, "acceptance": []string{"done"}},
			{"id": "B", "name": "b", "depends_on": []string{"A"}, "acceptance": []string{"done"}},
		},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "dependency_cycle" {
		t.Fatalf("expected dependency_cycle, got %q", envelope.Error.Code)
	}
}

func TestUpdateAcceptance(t *testing.T) {
	srv := newTestServer(t)
	importDemo(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/stories/S1/acceptance", map[string]any{
		"acceptance": []string{"renders", "persists"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var s domain.Story
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(s.Acceptance) != 2 || s.Acceptance[1] != "persists" {
		t.Fatalf("acceptance not updated: %+v", s.Acceptance)
	}
}

// Story status is owned by the run loop; the API must not expose a
// way to write it. Acceptance criteria stay the single write surface.
func TestStatusWritesNotExposed(t *testing.T) {
	srv := newTestServer(t)
	importDemo(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stories/S2/block", map[string]any{
		"reason": "waiting on upstream fix",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected no block route, got %d: %s", res.StatusCode, string(data))
	}
	s, err := srv.Engine.Repo.GetStory(context.Background(), "S2")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if s.Status != domain.StatusPending {
		t.Fatalf("status must be untouched, got %s", s.Status)
	}
}

func TestStatusCountsReflectBlockedStory(t *testing.T) {
	srv := newTestServer(t)
	importDemo(t, srv)

	if _, err := srv.Engine.MarkBlocked(context.Background(), "S2", "waiting on upstream fix", "runner"); err != nil {
		t.Fatalf("block: %v", err)
	}
	statusRes, statusData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/backlogs/demo/status", nil, nil)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", statusRes.StatusCode, string(statusData))
	}
	var body BacklogStatusResponse
	if err := json.Unmarshal(statusData, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Counts[domain.StatusBlocked] != 1 || body.Complete {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "harness",
		"name":     "ci",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("raw key missing from response")
	}

	// the fresh key authenticates requests on its own
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/backlogs", nil)
	req.Header.Set("X-Api-Key", created.Key)
	keyRes, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer keyRes.Body.Close()
	if keyRes.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed: %d", keyRes.StatusCode)
	}
}
