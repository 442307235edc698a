package integration

import (
	"net/http"
	"testing"
	"time"
)

// The harness clock starts Monday 2026-03-02 10:00 UTC with the default
// business calendar (09:00-17:00, weekends excluded). The vacation
// supervisor-reminder rule accrues 48 business hours, which lands on
// Tuesday 2026-03-10 10:00.

func TestEscalation_BusinessHoursReminderChain(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())
	hr := h.GenerateToken(HRClaims())

	inst := h.StartInstance(t, requester, "vacation-request", map[string]any{
		"requested_days": 5,
	})
	h.Advance(t, requester, inst.ID, "submit")

	submitted := h.GetInstance(t, requester, inst.ID)
	wantDue := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	if submitted.DueAt == nil || !submitted.DueAt.Equal(wantDue) {
		t.Fatalf("due_at = %v, want %v", submitted.DueAt, wantDue)
	}

	// Friday afternoon: 39 accrued hours, nothing fires.
	h.AdvanceClock(4*24*time.Hour + 5*time.Hour)
	h.Sweep()
	current := h.GetInstance(t, requester, inst.ID)
	if current.EscalationLevel != 0 || current.Status != "active" {
		t.Fatalf("premature escalation: level %d status %s", current.EscalationLevel, current.Status)
	}

	// Past the business-hours deadline: the level-1 reminder fires and the
	// chained reassign rule takes over the clock with a wall-time deadline.
	h.AdvanceClock(4*24*time.Hour - 3*time.Hour)
	h.Sweep()
	current = h.GetInstance(t, requester, inst.ID)
	if current.EscalationLevel != 1 || current.Status != "escalated" {
		t.Fatalf("after reminder: level %d status %s", current.EscalationLevel, current.Status)
	}
	if current.Assignee["value"] != "supervisor" {
		t.Errorf("reminder must not reassign: %v", current.Assignee)
	}
	wantChained := h.Now().Add(24 * time.Hour)
	if current.DueAt == nil || !current.DueAt.Equal(wantChained) {
		t.Errorf("chained due_at = %v, want %v", current.DueAt, wantChained)
	}

	// A repeated sweep at the same instant is a no-op.
	h.Sweep()
	if again := h.GetInstance(t, requester, inst.ID); again.EscalationCount != 1 {
		t.Fatalf("escalation count = %d after repeat sweep", again.EscalationCount)
	}

	// Past the chained deadline: level 2 reassigns to HR.
	h.AdvanceClock(25 * time.Hour)
	h.Sweep()
	current = h.GetInstance(t, requester, inst.ID)
	if current.EscalationLevel != 2 || current.EscalationCount != 2 {
		t.Fatalf("after reassign: level %d count %d", current.EscalationLevel, current.EscalationCount)
	}
	if current.Assignee["type"] != "role" || current.Assignee["value"] != "hr_manager" {
		t.Fatalf("assignee = %v, want role hr_manager", current.Assignee)
	}

	trail := h.History(t, requester, inst.ID)
	var escalations int
	for _, entry := range trail {
		if entry["action_type"] == "escalation" {
			escalations++
			if entry["actor"] != "system" {
				t.Errorf("escalation actor = %v", entry["actor"])
			}
		}
	}
	if escalations != 2 {
		t.Errorf("escalation entries = %d, want 2", escalations)
	}

	// The reassigned approver can still decide the escalated instance.
	advanced := h.Advance(t, hr, inst.ID, "approve")
	if advanced.CurrentState != "pending_hr" {
		t.Errorf("state = %s", advanced.CurrentState)
	}
}

func TestEscalation_AutoReject(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())

	inst := h.StartInstance(t, requester, "overtime-request", map[string]any{
		"overtime_hours": 2,
	})
	h.Advance(t, requester, inst.ID, "submit")

	// The overtime pack auto-rejects requests idle for a wall-clock day.
	h.AdvanceClock(25 * time.Hour)
	h.Sweep()

	current := h.GetInstance(t, requester, inst.ID)
	if current.CurrentState != "rejected" || current.Status != "completed" {
		t.Fatalf("state = %s/%s", current.CurrentState, current.Status)
	}
	if current.Decision != "rejected" {
		t.Errorf("decision = %q", current.Decision)
	}

	trail := h.History(t, requester, inst.ID)
	last := trail[len(trail)-1]
	if last["actor"] != "system" || last["to_state"] != "rejected" {
		t.Errorf("final entry = %v", last)
	}
}

func TestEscalation_SkipsSuspendedInstances(t *testing.T) {
	h := NewTestHarness(t)
	requester := h.GenerateToken(RequesterClaims())

	inst := h.StartInstance(t, requester, "overtime-request", map[string]any{
		"overtime_hours": 2,
	})
	h.Advance(t, requester, inst.ID, "submit")

	resp := h.POST("/v1/instances/"+inst.ID+"/suspend", map[string]any{
		"reason": "awaiting payroll data",
	}, requester)
	h.AssertStatus(t, resp, http.StatusOK)

	h.AdvanceClock(48 * time.Hour)
	h.Sweep()

	current := h.GetInstance(t, requester, inst.ID)
	if current.Status != "suspended" || current.EscalationCount != 0 {
		t.Fatalf("suspended instance touched by sweep: %s count %d",
			current.Status, current.EscalationCount)
	}
}

func TestEscalation_PagesAcrossInstances(t *testing.T) {
	h := NewTestHarness(t, WithSweepPageSize(1))
	requester := h.GenerateToken(RequesterClaims())

	var ids []string
	for range 3 {
		inst := h.StartInstance(t, requester, "overtime-request", map[string]any{
			"overtime_hours": 2,
		})
		h.Advance(t, requester, inst.ID, "submit")
		ids = append(ids, inst.ID)
	}

	h.AdvanceClock(25 * time.Hour)
	h.Sweep()

	for _, id := range ids {
		current := h.GetInstance(t, requester, id)
		if current.CurrentState != "rejected" {
			t.Errorf("instance %s state = %s, want rejected", id, current.CurrentState)
		}
	}
}
