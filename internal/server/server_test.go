package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"subline/internal/db"
	"subline/internal/engine"
	"subline/internal/migrate"
	"subline/internal/notify"
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, notify.NewDispatcher())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyUserHeader: true},
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

func asUser(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

// seedTeam walks the admin endpoints to a workflow-enabled team with a
// manager, a contributor, and a peer-review config.
func seedTeam(t *testing.T, srv *testServer) string {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams", map[string]any{
		"name": "studio",
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create team: %d %s", res.StatusCode, string(data))
	}
	var team TeamResponse
	if err := json.Unmarshal(data, &team); err != nil {
		t.Fatalf("unmarshal team: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/teams/"+team.ID+"/workflow", map[string]any{
		"enabled": true,
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enable workflow: %d %s", res.StatusCode, string(data))
	}
	for user, role := range map[string]string{"mgr-1": "manager", "bob": "contributor"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+team.ID+"/members", map[string]any{
			"user_id": user, "role": role,
		}, asUser("owner-1"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add member %s: %d %s", user, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/teams/"+team.ID+"/workflow-configs", map[string]any{
		"review_requirement": "peer", "approve_requirement": "none",
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set workflow config: %d %s", res.StatusCode, string(data))
	}
	return team.ID
}

func TestPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	teamID := seedTeam(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+teamID+"/content", map[string]any{
		"title": "Ep 1", "primary_language": "en",
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add content: %d %s", res.StatusCode, string(data))
	}
	var item ContentItemResponse
	_ = json.Unmarshal(data, &item)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+teamID+"/tasks", map[string]any{
		"content_item_id": item.ID, "language": "en", "type": "subtitle",
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)

	// A second open task for the same language is an invalid transition.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+teamID+"/tasks", map[string]any{
		"content_item_id": item.ID, "language": "en", "type": "translate",
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/draft", map[string]any{
		"complete": true,
	}, asUser("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save draft: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{}, asUser("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete work: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/teams/"+teamID+"/tasks?open=true", nil, asUser("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var open []TaskResponse
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(open) != 1 || open[0].Type != "review" {
		t.Fatalf("expected one open review task, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+open[0].ID+"/complete", map[string]any{
		"outcome": "approved",
	}, asUser("mgr-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete review: %d %s", res.StatusCode, string(data))
	}

	// Completing the same task twice is already processed.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+open[0].ID+"/complete", map[string]any{
		"outcome": "approved",
	}, asUser("mgr-1"))
	if res.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 on repeat completion, got %d %s", res.StatusCode, string(data))
	}
}

func TestOutsiderForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	teamID := seedTeam(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+teamID+"/content", map[string]any{
		"title": "Ep 1", "primary_language": "en",
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add content: %d %s", res.StatusCode, string(data))
	}
	var item ContentItemResponse
	_ = json.Unmarshal(data, &item)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams/"+teamID+"/tasks", map[string]any{
		"content_item_id": item.ID, "language": "en", "type": "subtitle",
	}, asUser("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/teams", map[string]any{
		"name": "studio",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestJWTLoginRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "owner-1",
	}, asUser("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login map[string]string
	if err := json.Unmarshal(data, &login); err != nil || login["token"] == "" {
		t.Fatalf("no token in %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login["token"],
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me map[string]string
	_ = json.Unmarshal(data, &me)
	if me["user_id"] != "owner-1" || me["source"] != "jwt" {
		t.Fatalf("unexpected principal: %s", string(data))
	}
}
