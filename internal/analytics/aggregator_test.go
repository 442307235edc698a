package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/assent/internal/definition"
	"github.com/pitabwire/assent/internal/workflow"
	"github.com/pitabwire/assent/model"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func expenseDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:       "expense-claim",
		Name:     "Expense Claim",
		Category: "expense",
		States: []model.State{
			{Key: "draft", Kind: model.StateKindInitial, Editable: true},
			{Key: "pending_supervisor", Kind: model.StateKindIntermediate, SLA: "24h"},
			{Key: "pending_hr", Kind: model.StateKindIntermediate},
			{Key: "approved", Kind: model.StateKindFinal},
			{Key: "rejected", Kind: model.StateKindFinal},
		},
		Transitions: []model.Transition{
			{From: "draft", To: "pending_supervisor", Trigger: "submit"},
			{From: "pending_supervisor", To: "pending_hr", Trigger: "approve", Decision: model.DecisionApproved},
			{From: "pending_supervisor", To: "rejected", Trigger: "reject", Decision: model.DecisionRejected},
			{From: "pending_hr", To: "approved", Trigger: "approve", Decision: model.DecisionApproved},
			{From: "pending_hr", To: "rejected", Trigger: "reject", Decision: model.DecisionRejected},
		},
		RoutingRules: []model.RoutingRule{
			{ID: "default", Priority: 100, Steps: []model.ApprovalStep{
				{Assignee: model.Assignee{Type: model.AssigneeRole, Value: "supervisor"}},
			}},
		},
	}
}

type aggFixture struct {
	store *workflow.MemoryInstanceStore
	defs  *definition.Store
	agg   *Aggregator
	now   time.Time
}

func newAggFixture(t *testing.T) *aggFixture {
	t.Helper()
	defs, err := definition.NewStore(context.Background(), definition.NewMemoryArchive())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, err := defs.Publish(context.Background(), expenseDefinition()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	f := &aggFixture{
		store: workflow.NewMemoryInstanceStore(),
		defs:  defs,
		now:   base.Add(200 * time.Hour),
	}
	f.agg = NewAggregator(f.store, defs, 30*24*time.Hour, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

// seedTrail persists an instance with a hand-built history, one optimistic
// write per entry.
func (f *aggFixture) seedTrail(t *testing.T, inst model.ProcessInstance, entries []model.HistoryEntry) {
	t.Helper()
	ctx := context.Background()

	inst.DefinitionID = "expense-claim"
	inst.DefinitionVersion = 1
	inst.Category = "expense"
	inst.Version = 1
	for i := range entries {
		entries[i].InstanceID = inst.ID
	}

	if err := f.store.CreateWithHistory(ctx, inst, entries[0]); err != nil {
		t.Fatalf("CreateWithHistory(%s) error = %v", inst.ID, err)
	}
	for _, e := range entries[1:] {
		if err := f.store.UpdateWithHistory(ctx, inst, e); err != nil {
			t.Fatalf("UpdateWithHistory(%s) error = %v", inst.ID, err)
		}
		inst.Version++
	}
}

// seedLifecycles loads three instances started at base: one approved in
// 20h, one rejected after a 30h supervisor wait, one still escalated.
func (f *aggFixture) seedLifecycles(t *testing.T) {
	t.Helper()
	approvedAt := base.Add(20 * time.Hour)
	rejectedAt := base.Add(32 * time.Hour)

	f.seedTrail(t, model.ProcessInstance{
		ID: "inst-a", Status: model.InstanceStatusCompleted,
		Decision: model.DecisionApproved, CurrentState: "approved",
		StartedAt: base, CompletedAt: &approvedAt,
	}, []model.HistoryEntry{
		{ToState: "draft", ActionType: model.ActionTransition, Actor: "alice", CreatedAt: base},
		{FromState: "draft", ToState: "pending_supervisor", Trigger: "submit", ActionType: model.ActionTransition, Actor: "alice", CreatedAt: base.Add(1 * time.Hour)},
		{FromState: "pending_supervisor", ToState: "pending_hr", Trigger: "approve", ActionType: model.ActionTransition, Actor: "sam", CreatedAt: base.Add(11 * time.Hour)},
		{FromState: "pending_hr", ToState: "approved", Trigger: "approve", ActionType: model.ActionTransition, Actor: "hannah", CreatedAt: approvedAt},
	})

	f.seedTrail(t, model.ProcessInstance{
		ID: "inst-b", Status: model.InstanceStatusCompleted,
		Decision: model.DecisionRejected, CurrentState: "rejected",
		StartedAt: base, CompletedAt: &rejectedAt,
	}, []model.HistoryEntry{
		{ToState: "draft", ActionType: model.ActionTransition, Actor: "bob", CreatedAt: base},
		{FromState: "draft", ToState: "pending_supervisor", Trigger: "submit", ActionType: model.ActionTransition, Actor: "bob", CreatedAt: base.Add(2 * time.Hour)},
		{FromState: "pending_supervisor", ToState: "rejected", Trigger: "reject", ActionType: model.ActionTransition, Actor: "sam", CreatedAt: rejectedAt},
	})

	f.seedTrail(t, model.ProcessInstance{
		ID: "inst-c", Status: model.InstanceStatusEscalated,
		CurrentState: "pending_supervisor", EscalationCount: 1, EscalationLevel: 1,
		StartedAt: base,
	}, []model.HistoryEntry{
		{ToState: "draft", ActionType: model.ActionTransition, Actor: "carol", CreatedAt: base},
		{FromState: "draft", ToState: "pending_supervisor", Trigger: "submit", ActionType: model.ActionTransition, Actor: "carol", CreatedAt: base.Add(1 * time.Hour)},
		{FromState: "pending_supervisor", ToState: "pending_supervisor", Trigger: model.TriggerEscalation, ActionType: model.ActionEscalation, Actor: model.SystemActor, EscalationLevel: 1, CreatedAt: base.Add(49 * time.Hour)},
	})
}

func window(from, to time.Time) model.MetricsWindow {
	return model.MetricsWindow{From: from, To: to}
}

func TestCompute_fullDerivation(t *testing.T) {
	f := newAggFixture(t)
	f.seedLifecycles(t)

	// An instance started outside the window must not count.
	f.seedTrail(t, model.ProcessInstance{
		ID: "inst-old", Status: model.InstanceStatusActive,
		CurrentState: "pending_supervisor", StartedAt: base.Add(-100 * time.Hour),
	}, []model.HistoryEntry{
		{ToState: "draft", ActionType: model.ActionTransition, Actor: "dave", CreatedAt: base.Add(-100 * time.Hour)},
	})

	m, err := f.agg.Compute(context.Background(), "expense-claim", window(base.Add(-time.Hour), base.Add(100*time.Hour)))
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if m.Volume.Started != 3 || m.Volume.Completed != 2 || m.Volume.Cancelled != 0 || m.Volume.Escalated != 1 {
		t.Errorf("Volume = %+v, want started=3 completed=2 cancelled=0 escalated=1", m.Volume)
	}
	if got, want := m.Rates.Escalation, 1.0/3.0; got != want {
		t.Errorf("Rates.Escalation = %v, want %v", got, want)
	}
	if m.Rates.Approval != 0.5 || m.Rates.Rejection != 0.5 {
		t.Errorf("Rates = %+v, want approval=0.5 rejection=0.5", m.Rates)
	}

	// Cycle times 20h and 32h.
	if m.CycleTime.Avg != 26*time.Hour {
		t.Errorf("CycleTime.Avg = %v, want 26h", m.CycleTime.Avg)
	}
	if m.CycleTime.P95 != 32*time.Hour {
		t.Errorf("CycleTime.P95 = %v, want 32h", m.CycleTime.P95)
	}

	// pending_supervisor SLA is 24h; waits were 10h and 30h.
	if m.SLACompliance != 0.5 {
		t.Errorf("SLACompliance = %v, want 0.5", m.SLACompliance)
	}

	if len(m.Bottlenecks) != 3 {
		t.Fatalf("len(Bottlenecks) = %d, want 3", len(m.Bottlenecks))
	}
	top := m.Bottlenecks[0]
	if top.State != "pending_supervisor" {
		t.Errorf("top bottleneck = %s, want pending_supervisor", top.State)
	}
	if top.AvgWait != 20*time.Hour || top.MaxWait != 30*time.Hour || top.InstanceCount != 2 {
		t.Errorf("top bottleneck = %+v, want avg=20h max=30h count=2", top)
	}
	if top.RootCause != model.RootCauseEscalationChurn {
		t.Errorf("top RootCause = %s, want %s", top.RootCause, model.RootCauseEscalationChurn)
	}
	if m.Bottlenecks[1].State != "pending_hr" || m.Bottlenecks[2].State != "draft" {
		t.Errorf("bottleneck order = %s, %s, want pending_hr, draft",
			m.Bottlenecks[1].State, m.Bottlenecks[2].State)
	}
	if m.Bottlenecks[2].RootCause != model.RootCauseHighVolume {
		t.Errorf("draft RootCause = %s, want %s", m.Bottlenecks[2].RootCause, model.RootCauseHighVolume)
	}
}

func TestCompute_emptyWindow(t *testing.T) {
	f := newAggFixture(t)
	f.seedLifecycles(t)

	m, err := f.agg.Compute(context.Background(), "expense-claim",
		window(base.Add(500*time.Hour), base.Add(600*time.Hour)))
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if m.Volume.Started != 0 {
		t.Errorf("Volume.Started = %d, want 0", m.Volume.Started)
	}
	if m.SLACompliance != 1 {
		t.Errorf("SLACompliance = %v, want 1 with no observations", m.SLACompliance)
	}
	if len(m.Bottlenecks) != 0 {
		t.Errorf("Bottlenecks = %v, want none", m.Bottlenecks)
	}
	if m.CycleTime.Avg != 0 || m.Rates.Approval != 0 {
		t.Errorf("empty window should produce zero cycle time and rates")
	}
}

func TestMetrics_servesCachedSnapshot(t *testing.T) {
	f := newAggFixture(t)
	f.seedLifecycles(t)

	f.agg.Refresh(context.Background())
	refreshedAt := f.now

	m, err := f.agg.Metrics(context.Background(), "expense-claim", model.MetricsWindow{})
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if m.Volume.Started != 3 {
		t.Fatalf("snapshot Volume.Started = %d, want 3", m.Volume.Started)
	}
	if !m.ComputedAt.Equal(refreshedAt) {
		t.Errorf("ComputedAt = %v, want refresh time %v", m.ComputedAt, refreshedAt)
	}

	// New work after the refresh stays invisible to the cached default
	// window but shows up in explicit-window computes.
	f.seedTrail(t, model.ProcessInstance{
		ID: "inst-late", Status: model.InstanceStatusActive,
		CurrentState: "draft", StartedAt: f.now,
	}, []model.HistoryEntry{
		{ToState: "draft", ActionType: model.ActionTransition, Actor: "erin", CreatedAt: f.now},
	})

	m, err = f.agg.Metrics(context.Background(), "expense-claim", model.MetricsWindow{})
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if m.Volume.Started != 3 {
		t.Errorf("cached Volume.Started = %d, want 3", m.Volume.Started)
	}

	m, err = f.agg.Metrics(context.Background(), "expense-claim",
		window(base.Add(-time.Hour), f.now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Metrics(explicit) error = %v", err)
	}
	if m.Volume.Started != 4 {
		t.Errorf("explicit Volume.Started = %d, want 4", m.Volume.Started)
	}
}

func TestMetrics_computesDefaultWindowWithoutSnapshot(t *testing.T) {
	f := newAggFixture(t)
	f.seedLifecycles(t)

	m, err := f.agg.Metrics(context.Background(), "expense-claim", model.MetricsWindow{})
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if m.Volume.Started != 3 {
		t.Errorf("Volume.Started = %d, want 3", m.Volume.Started)
	}
	if !m.Window.To.Equal(f.now) {
		t.Errorf("Window.To = %v, want %v", m.Window.To, f.now)
	}
}

func TestRootCause(t *testing.T) {
	rec := func(count int, avg time.Duration) model.BottleneckRecord {
		return model.BottleneckRecord{InstanceCount: count, AvgWait: avg}
	}
	tests := []struct {
		name                            string
		rec                             model.BottleneckRecord
		total, escalations, dataUpdates int
		want                            string
	}{
		{"no observations", rec(0, 0), 10, 5, 5, model.RootCauseApproverLatency},
		{"escalation churn", rec(4, time.Hour), 10, 2, 0, model.RootCauseEscalationChurn},
		{"escalations beat rework", rec(4, time.Hour), 10, 2, 4, model.RootCauseEscalationChurn},
		{"data rework", rec(4, time.Hour), 10, 1, 2, model.RootCauseDataRework},
		{"high volume", rec(9, time.Hour), 10, 0, 0, model.RootCauseHighVolume},
		{"default latency", rec(4, time.Hour), 10, 0, 0, model.RootCauseApproverLatency},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := rootCause(tc.rec, tc.total, tc.escalations, tc.dataUpdates)
			if got != tc.want {
				t.Errorf("rootCause() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCycleDistribution(t *testing.T) {
	h := func(n int) time.Duration { return time.Duration(n) * time.Hour }

	tests := []struct {
		name             string
		times            []time.Duration
		avg, median, p95 time.Duration
	}{
		{"empty", nil, 0, 0, 0},
		{"single", []time.Duration{h(10)}, h(10), h(10), h(10)},
		{"pair", []time.Duration{h(32), h(20)}, h(26), h(32), h(32)},
		{
			"twenty values",
			[]time.Duration{h(1), h(2), h(3), h(4), h(5), h(6), h(7), h(8), h(9), h(10), h(11), h(12), h(13), h(14), h(15), h(16), h(17), h(18), h(19), h(20)},
			h(10)/2 + h(11)/2, h(11), h(19),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := cycleDistribution(tc.times)
			if got.Avg != tc.avg || got.Median != tc.median || got.P95 != tc.p95 {
				t.Errorf("cycleDistribution() = %+v, want avg=%v median=%v p95=%v",
					got, tc.avg, tc.median, tc.p95)
			}
		})
	}
}
