package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/pitabwire/assent/internal/config"
	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/observability"
	"github.com/pitabwire/assent/internal/routing"
	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/internal/workflow"
)

// newTestServer wires the full router over in-memory stores with
// authentication disabled, the way the dev profile runs.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	defs, err := definition.NewStore(context.Background(), definition.NewMemoryArchive())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	def, err := definition.NewLoader().LoadFile(
		filepath.Join("..", "definition", "testdata", "packs", "vacation.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if _, err := defs.Publish(context.Background(), def); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	eval := &rules.Evaluator{}
	engine := workflow.NewEngine(defs, workflow.NewMemoryInstanceStore(),
		routing.NewEngine(eval), workflow.NewMachine(eval))

	auth, err := NewAuthenticator(config.AuthConfig{Mode: "none"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	router := NewRouter(Dependencies{
		Config:      config.Defaults(),
		Log:         zap.NewNop(),
		Engine:      engine,
		Definitions: defs,
		Routing:     routing.NewEngine(eval),
		Ready: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return defs.Count() > 0 },
		},
		Authenticate: auth,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, subject, roles string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	if roles != "" {
		req.Header.Set("X-Roles", roles)
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestRouter_probesArePublic(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without credentials", path, resp.StatusCode)
		}
	}
}

func TestRouter_apiRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodGet, "/v1/definitions", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRouter_instanceLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/instances", "alice", "", map[string]any{
		"definition_id": "vacation-request",
		"data":          map[string]any{"requested_days": 3},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if id == "" || body["current_state"] != "draft" || body["requester"] != "alice" {
		t.Fatalf("created instance = %v", body)
	}
	if hdr := resp.Header.Get("X-Correlation-Id"); hdr == "" {
		t.Error("missing correlation id header")
	}

	resp, body = doJSON(t, srv, http.MethodPost, "/v1/instances/"+id+"/advance", "alice", "", map[string]any{
		"trigger": "submit",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("advance status = %d, body %v", resp.StatusCode, body)
	}
	if body["current_state"] != "pending_supervisor" {
		t.Errorf("current_state = %v, want pending_supervisor", body["current_state"])
	}

	resp, body = doJSON(t, srv, http.MethodGet, "/v1/instances/"+id+"/history", "alice", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	if entries, _ := body["data"].([]any); len(entries) != 2 {
		t.Errorf("history entries = %d, want 2", len(entries))
	}

	resp, body = doJSON(t, srv, http.MethodGet, "/v1/instances/"+id+"/actions", "sam", "supervisor", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("actions status = %d", resp.StatusCode)
	}
	triggers, _ := body["triggers"].([]any)
	if len(triggers) == 0 {
		t.Error("supervisor should have available triggers")
	}

	resp, _ = doJSON(t, srv, http.MethodGet, "/v1/instances?requester=alice", "alice", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("list status = %d", resp.StatusCode)
	}
}

func TestRouter_advanceValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/v1/instances", "alice", "", map[string]any{
		"definition_id": "vacation-request",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	id := body["id"].(string)

	resp, _ = doJSON(t, srv, http.MethodPost, "/v1/instances/"+id+"/advance", "alice", "", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing trigger status = %d, want 400", resp.StatusCode)
	}

	resp, _ = doJSON(t, srv, http.MethodPost, "/v1/instances/"+id+"/advance", "alice", "", map[string]any{
		"trigger": "teleport",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("unknown trigger status = %d, want 422", resp.StatusCode)
	}
}

func TestRouter_adminGating(t *testing.T) {
	srv := newTestServer(t)

	raw, err := os.ReadFile(filepath.Join("..", "definition", "testdata", "packs", "nested", "overtime.yml"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	publish := func(subject, roles string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/definitions", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("X-Subject", subject)
		if roles != "" {
			req.Header.Set("X-Roles", roles)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := publish("alice", ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin publish = %d, want 403", resp.StatusCode)
	}
	if resp := publish("dana", "admin"); resp.StatusCode != http.StatusCreated {
		t.Errorf("admin publish = %d, want 201", resp.StatusCode)
	}

	// Reads stay open to everyone.
	resp, body := doJSON(t, srv, http.MethodGet, "/v1/definitions/overtime-request", "alice", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("definition get = %d, body %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, srv, http.MethodGet, "/v1/routing/probe", "alice", "", map[string]any{
		"definition_id": "vacation-request",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin probe = %d, want 403", resp.StatusCode)
	}
}

func TestRouter_metricsDisabledWithoutAggregator(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodGet, "/v1/metrics/definitions/vacation-request", "alice", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	envelope, _ := body["error"].(map[string]any)
	if envelope["code"] != "NOT_FOUND" {
		t.Errorf("error code = %v, want NOT_FOUND", envelope["code"])
	}
}
