package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func readyResponse(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := readyResponse(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		InstanceStore:     &mockHealthChecker{},
		IdempotencyStore:  &mockHealthChecker{},
		NotifierHealthy:   func() bool { return true },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"definitions", "instance_store", "idempotency_store", "notifier"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("check %s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_noDefinitions(t *testing.T) {
	code, resp := readyResponse(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Status != "error" {
		t.Errorf("definitions check = %q, want error", resp.Checks["definitions"].Status)
	}
}

func TestHandleReady_storeFailure(t *testing.T) {
	code, resp := readyResponse(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		InstanceStore:     &mockHealthChecker{err: errors.New("connection refused")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["instance_store"].Error != "connection refused" {
		t.Errorf("instance_store error = %q", resp.Checks["instance_store"].Error)
	}
}

func TestHandleReady_openCircuitDegradesWithoutFailing(t *testing.T) {
	code, resp := readyResponse(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		NotifierHealthy:   func() bool { return false },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["notifier"].Status != "degraded" {
		t.Errorf("notifier check = %q, want degraded", resp.Checks["notifier"].Status)
	}
}

func TestHandleReady_optionalChecksSkippedWhenNil(t *testing.T) {
	_, resp := readyResponse(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
	})

	if len(resp.Checks) != 1 {
		t.Errorf("checks = %d, want 1 (definitions only)", len(resp.Checks))
	}
}
