package model

import (
	"testing"
	"time"
)

func testDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:       "vacation-request",
		Name:     "Vacation Request",
		Category: "vacation",
		States: []State{
			{Key: "draft", Kind: StateKindInitial, Editable: true},
			{Key: "pending_supervisor", Kind: StateKindIntermediate, Timeout: "48h"},
			{Key: "approved", Kind: StateKindFinal},
			{Key: "rejected", Kind: StateKindFinal},
		},
		Transitions: []Transition{
			{From: "draft", To: "pending_supervisor", Trigger: "submit"},
			{From: "pending_supervisor", To: "approved", Trigger: "approve", Decision: "approved"},
			{From: "pending_supervisor", To: "rejected", Trigger: "reject", Decision: "rejected"},
		},
		EscalationRules: []EscalationRule{
			{ID: "esc-supervisor", AppliesTo: "pending_supervisor", TriggerType: EscalationTriggerTime, Timeout: "48h", Level: 1},
			{ID: "esc-any", AppliesTo: EscalationAllStates, TriggerType: EscalationTriggerCondition, Level: 2},
		},
		Defaults: DefinitionDefaults{Timeout: "72h", SLA: "96h"},
	}
}

func TestWorkflowDefinition_FindState(t *testing.T) {
	def := testDefinition()

	s, ok := def.FindState("pending_supervisor")
	if !ok {
		t.Fatal("FindState(pending_supervisor) not found")
	}
	if s.Kind != StateKindIntermediate {
		t.Errorf("Kind = %q, want %q", s.Kind, StateKindIntermediate)
	}

	if _, ok := def.FindState("nope"); ok {
		t.Error("FindState(nope) found, want not found")
	}
}

func TestWorkflowDefinition_InitialState(t *testing.T) {
	def := testDefinition()
	s, ok := def.InitialState()
	if !ok {
		t.Fatal("InitialState not found")
	}
	if s.Key != "draft" {
		t.Errorf("Key = %q, want draft", s.Key)
	}
}

func TestWorkflowDefinition_FindTransition(t *testing.T) {
	def := testDefinition()

	tr, ok := def.FindTransition("pending_supervisor", "approve")
	if !ok {
		t.Fatal("FindTransition(pending_supervisor, approve) not found")
	}
	if tr.To != "approved" {
		t.Errorf("To = %q, want approved", tr.To)
	}

	if _, ok := def.FindTransition("approved", "approve"); ok {
		t.Error("transition out of final state found, want none")
	}
}

func TestWorkflowDefinition_EscalationRulesFor(t *testing.T) {
	def := testDefinition()

	rules := def.EscalationRulesFor("pending_supervisor")
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2 (state rule + all-states rule)", len(rules))
	}

	rules = def.EscalationRulesFor("draft")
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1 (all-states rule only)", len(rules))
	}
	if rules[0].ID != "esc-any" {
		t.Errorf("rule ID = %q, want esc-any", rules[0].ID)
	}
}

func TestWorkflowDefinition_StateTimeout(t *testing.T) {
	def := testDefinition()

	s, _ := def.FindState("pending_supervisor")
	if got := def.StateTimeout(s); got != 48*time.Hour {
		t.Errorf("StateTimeout = %v, want 48h", got)
	}

	// Falls back to the definition default when the state has none.
	s, _ = def.FindState("draft")
	if got := def.StateTimeout(s); got != 72*time.Hour {
		t.Errorf("StateTimeout fallback = %v, want 72h", got)
	}
}

func TestWorkflowDefinition_StateSLA_fallback(t *testing.T) {
	def := testDefinition()
	s, _ := def.FindState("pending_supervisor")
	if got := def.StateSLA(s); got != 96*time.Hour {
		t.Errorf("StateSLA = %v, want 96h", got)
	}
}

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		kind string
		want bool
	}{
		{StateKindInitial, false},
		{StateKindIntermediate, false},
		{StateKindFinal, true},
		{StateKindError, true},
	}
	for _, tt := range tests {
		if got := (State{Kind: tt.kind}).IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestCondition_IsZero(t *testing.T) {
	var c *Condition
	if !c.IsZero() {
		t.Error("nil condition should be zero")
	}
	if !(&Condition{}).IsZero() {
		t.Error("empty condition should be zero")
	}
	if (&Condition{Expr: "data.x == 1"}).IsZero() {
		t.Error("expr condition should not be zero")
	}
}

func TestProcessInstance_Advanceable(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{InstanceStatusActive, true},
		{InstanceStatusEscalated, true},
		{InstanceStatusSuspended, false},
		{InstanceStatusCompleted, false},
		{InstanceStatusCancelled, false},
	}
	for _, tt := range tests {
		p := &ProcessInstance{Status: tt.status}
		if got := p.Advanceable(); got != tt.want {
			t.Errorf("Advanceable(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestApprovalChain_NextStep(t *testing.T) {
	chain := &ApprovalChain{
		Steps: []ChainStep{
			{Index: 0, Assignee: Assignee{Type: AssigneeRole, Value: "supervisor"}, Skipped: true},
			{Index: 1, Assignee: Assignee{Type: AssigneeRole, Value: "hr_specialist"}},
		},
	}

	step, ok := chain.NextStep(0)
	if !ok {
		t.Fatal("NextStep(0) exhausted, want hr step")
	}
	if step.Assignee.Value != "hr_specialist" {
		t.Errorf("assignee = %q, want hr_specialist (skipped step must be passed over)", step.Assignee.Value)
	}

	if _, ok := chain.NextStep(2); ok {
		t.Error("NextStep(2) = ok, want exhausted")
	}
}

func TestApprovalChain_ActiveSteps(t *testing.T) {
	chain := &ApprovalChain{
		Steps: []ChainStep{
			{Index: 0, Skipped: true},
			{Index: 1},
			{Index: 2},
		},
	}
	if got := len(chain.ActiveSteps()); got != 2 {
		t.Errorf("ActiveSteps = %d, want 2", got)
	}
}
