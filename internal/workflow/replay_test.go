package workflow

import (
	"context"
	"testing"

	"github.com/pitabwire/assent/model"
)

func TestReplay(t *testing.T) {
	entries := []model.HistoryEntry{
		{Seq: 1, ToState: "draft", ActionType: model.ActionTransition, DataAfter: map[string]any{"requested_days": 5}},
		{Seq: 2, FromState: "draft", ToState: "pending_supervisor", ActionType: model.ActionTransition},
		{Seq: 3, FromState: "pending_supervisor", ToState: "pending_supervisor", ActionType: model.ActionEscalation, EscalationLevel: 1},
		{Seq: 4, FromState: "pending_supervisor", ToState: "pending_hr", ActionType: model.ActionTransition},
	}

	rs, err := Replay(entries)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if rs.CurrentState != "pending_hr" {
		t.Errorf("CurrentState = %q, want pending_hr", rs.CurrentState)
	}
	if rs.EscalationCount != 1 || rs.EscalationLevel != 1 {
		t.Errorf("escalation count/level = %d/%d, want 1/1", rs.EscalationCount, rs.EscalationLevel)
	}
	if rs.Data["requested_days"] != 5 {
		t.Errorf("Data = %v", rs.Data)
	}
}

func TestReplay_rejectsBrokenTrails(t *testing.T) {
	tests := []struct {
		name    string
		entries []model.HistoryEntry
	}{
		{"empty", nil},
		{"gap", []model.HistoryEntry{{Seq: 1, ToState: "draft"}, {Seq: 3, ToState: "pending"}}},
		{"duplicate", []model.HistoryEntry{{Seq: 1, ToState: "draft"}, {Seq: 1, ToState: "pending"}}},
		{"out of order", []model.HistoryEntry{{Seq: 2, ToState: "pending"}, {Seq: 1, ToState: "draft"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Replay(tc.entries); err == nil {
				t.Error("Replay() should fail")
			}
		})
	}
}

// A full engine lifecycle must leave a trail that replays to the stored
// instance, including an escalation in the middle.
func TestVerifyReplay_afterLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	def := vacationDefinition()

	inst := f.start(t, StartRequest{Category: "vacation", Data: map[string]any{"requested_days": float64(5)}})
	f.advance(t, alice, inst.ID, "submit")

	current, _ := f.engine.Get(context.Background(), inst.ID)
	reminder, _ := def.FindEscalationRule("supervisor-reminder")
	if err := f.engine.Escalate(context.Background(), current, reminder); err != nil {
		t.Fatalf("Escalate() error = %v", err)
	}

	f.advance(t, sam, inst.ID, "approve")
	f.advance(t, hannah, inst.ID, "approve")

	stored, err := f.engine.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	entries, err := f.engine.History(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if err := VerifyReplay(stored, entries); err != nil {
		t.Errorf("VerifyReplay() error = %v", err)
	}
}

func TestVerifyReplay_detectsDivergence(t *testing.T) {
	inst := model.ProcessInstance{CurrentState: "approved", EscalationCount: 0}
	entries := []model.HistoryEntry{
		{Seq: 1, ToState: "draft"},
		{Seq: 2, ToState: "pending_supervisor"},
	}
	if err := VerifyReplay(inst, entries); err == nil {
		t.Error("VerifyReplay() should detect state divergence")
	}
}
