package integration

import (
	"net/http"
	"testing"
)

func TestIdempotency_StartReplay(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	token := h.GenerateToken(RequesterClaims())

	body := map[string]any{
		"definition_id": "vacation-request",
		"data":          map[string]any{"requested_days": 5},
	}
	headers := map[string]string{"Idempotency-Key": "req-2026-0042"}

	resp := h.POSTWithHeaders("/v1/instances", body, token, headers)
	var first Instance
	h.AssertJSON(t, resp, http.StatusCreated, &first)

	// Replaying the identical request returns the cached instance instead
	// of creating a second one.
	resp = h.POSTWithHeaders("/v1/instances", body, token, headers)
	var second Instance
	h.AssertJSON(t, resp, http.StatusCreated, &second)
	if second.ID != first.ID {
		t.Fatalf("replay created a new instance: %s vs %s", second.ID, first.ID)
	}

	listResp := h.GET("/v1/instances?requester=alice", token)
	var list struct {
		TotalCount int `json:"total_count"`
	}
	h.AssertJSON(t, listResp, http.StatusOK, &list)
	if list.TotalCount != 1 {
		t.Errorf("instances = %d, want 1", list.TotalCount)
	}
}

func TestIdempotency_KeyReuseWithDifferentPayload(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	token := h.GenerateToken(RequesterClaims())
	headers := map[string]string{"Idempotency-Key": "req-2026-0042"}

	resp := h.POSTWithHeaders("/v1/instances", map[string]any{
		"definition_id": "vacation-request",
		"data":          map[string]any{"requested_days": 5},
	}, token, headers)
	h.AssertStatus(t, resp, http.StatusCreated)

	resp = h.POSTWithHeaders("/v1/instances", map[string]any{
		"definition_id": "vacation-request",
		"data":          map[string]any{"requested_days": 9},
	}, token, headers)
	h.AssertErrorCode(t, resp, http.StatusConflict, "CONFLICT")
}

func TestIdempotency_AdvanceReplay(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())

	inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
		"requested_days": 5,
	})
	h.Advance(t, requester, inst.ID, "submit")

	body := map[string]any{"trigger": "approve"}
	headers := map[string]string{"Idempotency-Key": "approve-once"}

	resp := h.POSTWithHeaders("/v1/instances/"+inst.ID+"/advance", body, supervisor, headers)
	var first Instance
	h.AssertJSON(t, resp, http.StatusOK, &first)
	if first.CurrentState != "pending_hr" {
		t.Fatalf("state = %s", first.CurrentState)
	}

	// A network retry of the same approval is absorbed, not re-applied.
	resp = h.POSTWithHeaders("/v1/instances/"+inst.ID+"/advance", body, supervisor, headers)
	var second Instance
	h.AssertJSON(t, resp, http.StatusOK, &second)
	if second.CurrentState != "pending_hr" || second.Version != first.Version {
		t.Fatalf("replay mutated the instance: %s v%d", second.CurrentState, second.Version)
	}

	trail := h.History(t, requester, inst.ID)
	if len(trail) != 3 {
		t.Errorf("history entries = %d, want 3", len(trail))
	}
}

func TestIdempotency_KeysAreScopedPerInstance(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())

	headers := map[string]string{"Idempotency-Key": "shared-key"}

	a := h.StartInstance(t, requester, "vacation-request", map[string]any{"requested_days": 5})
	b := h.StartInstance(t, requester, "vacation-request", map[string]any{"requested_days": 5})
	h.Advance(t, requester, a.ID, "submit")
	h.Advance(t, requester, b.ID, "submit")

	resp := h.POSTWithHeaders("/v1/instances/"+a.ID+"/advance",
		map[string]any{"trigger": "approve"}, supervisor, headers)
	h.AssertStatus(t, resp, http.StatusOK)

	// The same key on a different instance is a fresh request.
	resp = h.POSTWithHeaders("/v1/instances/"+b.ID+"/advance",
		map[string]any{"trigger": "approve"}, supervisor, headers)
	var other Instance
	h.AssertJSON(t, resp, http.StatusOK, &other)
	if other.ID != b.ID || other.CurrentState != "pending_hr" {
		t.Errorf("instance b = %s state %s", other.ID, other.CurrentState)
	}
}
