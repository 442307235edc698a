package integration

import (
	"net/http"
	"testing"
)

func TestLifecycle_VacationApproval(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())
	hr := h.GenerateToken(HRClaims())

	inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
		"requested_days": 5,
	})
	if inst.CurrentState != "draft" || inst.Status != "active" {
		t.Fatalf("created instance state = %s/%s", inst.CurrentState, inst.Status)
	}
	if inst.Requester != "alice" {
		t.Errorf("requester = %q, want alice", inst.Requester)
	}
	if inst.Assignee["value"] != "supervisor" {
		t.Errorf("initial assignee = %v, want role supervisor", inst.Assignee)
	}
	if inst.Data["scheduled_hours"] != float64(40) {
		t.Errorf("scheduled_hours = %v, want 40", inst.Data["scheduled_hours"])
	}

	inst = h.Advance(t, requester, inst.ID, "submit")
	if inst.CurrentState != "pending_supervisor" {
		t.Fatalf("state after submit = %s", inst.CurrentState)
	}
	if inst.DueAt == nil {
		t.Error("pending_supervisor should carry a deadline")
	}

	inst = h.Advance(t, supervisor, inst.ID, "approve")
	if inst.CurrentState != "pending_hr" {
		t.Fatalf("state after supervisor approval = %s", inst.CurrentState)
	}
	if inst.Assignee["value"] != "hr_manager" {
		t.Errorf("assignee = %v, want role hr_manager", inst.Assignee)
	}

	inst = h.Advance(t, hr, inst.ID, "approve")
	if inst.CurrentState != "approved" || inst.Status != "completed" {
		t.Fatalf("final state = %s/%s", inst.CurrentState, inst.Status)
	}
	if inst.Decision != "approved" {
		t.Errorf("decision = %q, want approved", inst.Decision)
	}
	if inst.DueAt != nil {
		t.Error("completed instance should not carry a deadline")
	}

	trail := h.History(t, requester, inst.ID)
	if len(trail) != 4 {
		t.Fatalf("history entries = %d, want 4\n%s", len(trail), FormatJSON(trail))
	}
	last := trail[len(trail)-1]
	if last["actor"] != "hannah" || last["decision"] != "approved" {
		t.Errorf("final entry = %v", last)
	}
}

func TestLifecycle_Rejection(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())

	inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
		"requested_days": 5,
	})
	h.Advance(t, requester, inst.ID, "submit")

	resp := h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
		"trigger": "reject",
		"comment": "coverage gap that week",
	}, supervisor)
	var rejected Instance
	h.AssertJSON(t, resp, http.StatusOK, &rejected)

	if rejected.CurrentState != "rejected" || rejected.Status != "completed" {
		t.Fatalf("state = %s/%s", rejected.CurrentState, rejected.Status)
	}
	if rejected.Decision != "rejected" {
		t.Errorf("decision = %q", rejected.Decision)
	}
}

func TestLifecycle_ReturnToDraftAndResubmit(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())

	inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
		"requested_days": 5,
	})
	h.Advance(t, requester, inst.ID, "submit")

	returned := h.Advance(t, supervisor, inst.ID, "return")
	if returned.CurrentState != "draft" || returned.Status != "active" {
		t.Fatalf("state after return = %s/%s", returned.CurrentState, returned.Status)
	}

	// The requester fixes the request and resubmits with new data.
	resp := h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
		"trigger": "submit",
		"data":    map[string]any{"requested_days": 3},
	}, requester)
	var resubmitted Instance
	h.AssertJSON(t, resp, http.StatusOK, &resubmitted)

	if resubmitted.CurrentState != "pending_supervisor" {
		t.Fatalf("state after resubmit = %s", resubmitted.CurrentState)
	}
	if resubmitted.Data["requested_days"] != float64(3) {
		t.Errorf("requested_days = %v, want 3", resubmitted.Data["requested_days"])
	}
	if resubmitted.Data["scheduled_hours"] != float64(24) {
		t.Errorf("scheduled_hours = %v, want recomputed 24", resubmitted.Data["scheduled_hours"])
	}
}

func TestLifecycle_GuardRejection(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())

	inst := h.StartInstance(t, requester, "overtime-request", map[string]any{
		"overtime_hours": 6,
	})
	h.Advance(t, requester, inst.ID, "submit")

	// Supervisors may self-approve at most four hours.
	resp := h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
		"trigger": "approve",
	}, supervisor)
	h.AssertErrorCode(t, resp, http.StatusUnprocessableEntity, "GUARD_REJECTED")

	// A guard rejection leaves the instance untouched.
	current := h.GetInstance(t, requester, inst.ID)
	if current.CurrentState != "pending_supervisor" {
		t.Fatalf("state after guard rejection = %s", current.CurrentState)
	}

	forwarded := h.Advance(t, supervisor, inst.ID, "forward")
	if forwarded.CurrentState != "pending_department" {
		t.Fatalf("state after forward = %s", forwarded.CurrentState)
	}

	// The department-level approve edge carries no hour guard.
	approved := h.Advance(t, supervisor, inst.ID, "approve")
	if approved.CurrentState != "approved" || approved.Decision != "approved" {
		t.Fatalf("final = %s decision %q", approved.CurrentState, approved.Decision)
	}
}

func TestLifecycle_ShortLeaveBypassesHR(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())

	inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
		"requested_days": 2,
	})
	h.Advance(t, requester, inst.ID, "submit")

	inst = h.Advance(t, supervisor, inst.ID, "approve")
	if inst.CurrentState != "pending_hr" {
		t.Fatalf("state = %s", inst.CurrentState)
	}
	if v, _ := inst.Assignee["value"].(string); v != "" {
		t.Errorf("assignee = %v, want hr step bypassed", inst.Assignee)
	}
}

func TestLifecycle_ShiftExchangeCounterpart(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	counterpart := h.GenerateToken(TestClaims{Subject: "bob", Roles: []string{"engineer"}})
	supervisor := h.GenerateToken(SupervisorClaims())

	t.Run("accept path", func(t *testing.T) {
		inst := h.StartInstance(t, requester, "shift-exchange", map[string]any{
			"counterpart": "bob",
			"shift_date":  "2026-03-14",
		})
		if inst.Assignee["type"] != "user" || inst.Assignee["value"] != "bob" {
			t.Fatalf("assignee = %v, want user bob", inst.Assignee)
		}
		h.Advance(t, requester, inst.ID, "submit")

		// The requester cannot accept on the counterpart's behalf.
		resp := h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
			"trigger": "accept",
		}, requester)
		h.AssertErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")

		accepted := h.Advance(t, counterpart, inst.ID, "accept")
		if accepted.CurrentState != "pending_supervisor" {
			t.Fatalf("state = %s", accepted.CurrentState)
		}
		if accepted.Assignee["value"] != "supervisor" {
			t.Errorf("assignee = %v", accepted.Assignee)
		}

		final := h.Advance(t, supervisor, inst.ID, "approve")
		if final.CurrentState != "approved" || final.Status != "completed" {
			t.Fatalf("final = %s/%s", final.CurrentState, final.Status)
		}
	})

	t.Run("decline is terminal", func(t *testing.T) {
		inst := h.StartInstance(t, requester, "shift-exchange", map[string]any{
			"counterpart": "bob",
		})
		h.Advance(t, requester, inst.ID, "submit")

		declined := h.Advance(t, counterpart, inst.ID, "decline")
		if declined.CurrentState != "counterpart_declined" || declined.Status != "completed" {
			t.Fatalf("state = %s/%s", declined.CurrentState, declined.Status)
		}
		if declined.Decision != "rejected" {
			t.Errorf("decision = %q", declined.Decision)
		}

		// counterpart_declined has no outgoing transitions.
		resp := h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
			"trigger": "decline",
		}, counterpart)
		h.AssertErrorCode(t, resp, http.StatusUnprocessableEntity, "INVALID_TRANSITION")
	})
}

func TestLifecycle_CancelSuspendResume(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	stranger := h.GenerateToken(TestClaims{Subject: "bob", Roles: []string{"engineer"}})
	supervisor := h.GenerateToken(SupervisorClaims())

	t.Run("cancel", func(t *testing.T) {
		inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
			"requested_days": 5,
		})
		h.Advance(t, requester, inst.ID, "submit")

		resp := h.POST("/v1/instances/"+inst.ID+"/cancel", map[string]any{
			"reason": "plans changed",
		}, stranger)
		h.AssertErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")

		resp = h.POST("/v1/instances/"+inst.ID+"/cancel", map[string]any{
			"reason": "plans changed",
		}, requester)
		var cancelled Instance
		h.AssertJSON(t, resp, http.StatusOK, &cancelled)
		if cancelled.Status != "cancelled" || cancelled.Decision != "cancelled" {
			t.Fatalf("cancelled = %s decision %q", cancelled.Status, cancelled.Decision)
		}

		resp = h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
			"trigger": "approve",
		}, supervisor)
		h.AssertErrorCode(t, resp, http.StatusConflict, "INSTANCE_NOT_ACTIVE")
	})

	t.Run("suspend blocks triggers until resume", func(t *testing.T) {
		inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
			"requested_days": 5,
		})
		h.Advance(t, requester, inst.ID, "submit")

		resp := h.POST("/v1/instances/"+inst.ID+"/suspend", map[string]any{
			"reason": "requester on sick leave",
		}, requester)
		var suspended Instance
		h.AssertJSON(t, resp, http.StatusOK, &suspended)
		if suspended.Status != "suspended" {
			t.Fatalf("status = %s", suspended.Status)
		}

		resp = h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
			"trigger": "approve",
		}, supervisor)
		h.AssertErrorCode(t, resp, http.StatusConflict, "INSTANCE_NOT_ACTIVE")

		resp = h.POST("/v1/instances/"+inst.ID+"/resume", nil, requester)
		var resumed Instance
		h.AssertJSON(t, resp, http.StatusOK, &resumed)
		if resumed.Status != "active" {
			t.Fatalf("status = %s", resumed.Status)
		}

		approved := h.Advance(t, supervisor, inst.ID, "approve")
		if approved.CurrentState != "pending_hr" {
			t.Errorf("state = %s", approved.CurrentState)
		}
	})
}

func TestLifecycle_CommentsAndActions(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	supervisor := h.GenerateToken(SupervisorClaims())
	stranger := h.GenerateToken(TestClaims{Subject: "bob", Roles: []string{"engineer"}})

	inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
		"requested_days": 5,
	})
	h.Advance(t, requester, inst.ID, "submit")

	t.Run("participants may comment", func(t *testing.T) {
		resp := h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
			"trigger": "comment",
			"comment": "the 18th is a half day for me",
		}, requester)
		h.AssertStatus(t, resp, http.StatusOK)

		resp = h.POST("/v1/instances/"+inst.ID+"/advance", map[string]any{
			"trigger": "comment",
			"comment": "noted",
		}, stranger)
		h.AssertErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")

		trail := h.History(t, requester, inst.ID)
		last := trail[len(trail)-1]
		if last["action_type"] != "comment" {
			t.Errorf("last entry = %v", last)
		}
	})

	t.Run("actions reflect the actor", func(t *testing.T) {
		triggers := func(token string) map[string]bool {
			resp := h.GET("/v1/instances/"+inst.ID+"/actions", token)
			var body struct {
				Triggers []string `json:"triggers"`
			}
			h.AssertJSON(t, resp, http.StatusOK, &body)
			out := map[string]bool{}
			for _, tr := range body.Triggers {
				out[tr] = true
			}
			return out
		}

		sup := triggers(supervisor)
		for _, want := range []string{"approve", "reject", "return"} {
			if !sup[want] {
				t.Errorf("supervisor missing trigger %q: %v", want, sup)
			}
		}

		req := triggers(requester)
		if req["approve"] {
			t.Errorf("requester should not see approve: %v", req)
		}
		if !req["comment"] {
			t.Errorf("requester affordances = %v", req)
		}
	})
}

func TestLifecycle_ListFilters(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	other := h.GenerateToken(TestClaims{Subject: "bob", Roles: []string{"engineer"}})

	a := h.StartInstance(t, requester, "vacation-request", map[string]any{"requested_days": 5})
	h.StartInstance(t, other, "vacation-request", map[string]any{"requested_days": 1})
	h.StartInstance(t, requester, "overtime-request", map[string]any{"overtime_hours": 2})

	list := func(query string) (int, []map[string]any) {
		resp := h.GET("/v1/instances"+query, requester)
		var body struct {
			Data       []map[string]any `json:"data"`
			TotalCount int              `json:"total_count"`
		}
		h.AssertJSON(t, resp, http.StatusOK, &body)
		return body.TotalCount, body.Data
	}

	if total, _ := list(""); total != 3 {
		t.Errorf("unfiltered total = %d, want 3", total)
	}
	if total, _ := list("?requester=alice"); total != 2 {
		t.Errorf("requester filter total = %d, want 2", total)
	}
	if total, rows := list("?category=vacation&requester=alice"); total != 1 || rows[0]["id"] != a.ID {
		t.Errorf("combined filter = %d rows %v", total, rows)
	}

	// The directory decorates summaries with display names.
	_, rows := list("?requester=alice&category=vacation")
	if rows[0]["requester_name"] != "Alice Nakamura" {
		t.Errorf("requester_name = %v", rows[0]["requester_name"])
	}
}
