package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/assent/model"
)

func seedInstance(t *testing.T, s *MemoryInstanceStore, inst model.ProcessInstance) model.ProcessInstance {
	t.Helper()
	if inst.Version == 0 {
		inst.Version = 1
	}
	if inst.Status == "" {
		inst.Status = model.InstanceStatusActive
	}
	entry := model.HistoryEntry{
		ID:         inst.ID + "-e1",
		InstanceID: inst.ID,
		ToState:    inst.CurrentState,
		Actor:      inst.Requester,
		ActionType: model.ActionTransition,
		CreatedAt:  inst.StartedAt,
	}
	if err := s.CreateWithHistory(context.Background(), inst, entry); err != nil {
		t.Fatalf("CreateWithHistory(%s) error = %v", inst.ID, err)
	}
	return inst
}

func TestMemoryInstanceStore_createAndGet(t *testing.T) {
	s := NewMemoryInstanceStore()
	seedInstance(t, s, model.ProcessInstance{
		ID: "i1", DefinitionID: "vacation-request", CurrentState: "draft", Requester: "alice",
	})

	got, err := s.Get(context.Background(), "i1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Requester != "alice" || got.CurrentState != "draft" {
		t.Errorf("Get() = %+v", got)
	}

	if _, err := s.Get(context.Background(), "missing"); err == nil {
		t.Error("Get(missing) should fail")
	}

	err = s.CreateWithHistory(context.Background(),
		model.ProcessInstance{ID: "i1", Version: 1}, model.HistoryEntry{InstanceID: "i1"})
	env, ok := err.(*model.ErrorEnvelope)
	if !ok || env.Code != model.ErrConflict {
		t.Errorf("duplicate create error = %v, want CONFLICT", err)
	}
}

func TestMemoryInstanceStore_optimisticVersion(t *testing.T) {
	s := NewMemoryInstanceStore()
	inst := seedInstance(t, s, model.ProcessInstance{ID: "i1", CurrentState: "draft"})

	inst.CurrentState = "pending"
	if err := s.UpdateWithHistory(context.Background(), inst, model.HistoryEntry{
		InstanceID: "i1", FromState: "draft", ToState: "pending", ActionType: model.ActionTransition,
	}); err != nil {
		t.Fatalf("UpdateWithHistory() error = %v", err)
	}

	// A second write with the now-stale version must lose.
	err := s.UpdateWithHistory(context.Background(), inst, model.HistoryEntry{InstanceID: "i1"})
	env, ok := err.(*model.ErrorEnvelope)
	if !ok || env.Code != model.ErrConcurrentModification {
		t.Fatalf("stale update error = %v, want CONCURRENT_MODIFICATION", err)
	}

	// The lost race must leave no trace in the history.
	entries, err := s.History(context.Background(), "i1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("history length = %d, want 2", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Errorf("entry %d has Seq %d", i, e.Seq)
		}
	}
}

func TestMemoryInstanceStore_listFilters(t *testing.T) {
	s := NewMemoryInstanceStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		inst := model.ProcessInstance{
			ID:           fmt.Sprintf("i%d", i),
			DefinitionID: "vacation-request",
			Category:     "vacation",
			Requester:    "alice",
			CurrentState: "pending",
			StartedAt:    base.Add(time.Duration(i) * time.Hour),
		}
		if i == 4 {
			inst.Requester = "bob"
			inst.Status = model.InstanceStatusCompleted
		}
		seedInstance(t, s, inst)
	}

	got, total, err := s.List(context.Background(), Filter{Requester: "alice"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 4 || len(got) != 4 {
		t.Errorf("List(alice) = %d results, total %d, want 4", len(got), total)
	}
	// Newest first.
	if got[0].ID != "i3" {
		t.Errorf("first result = %s, want i3", got[0].ID)
	}

	got, total, err = s.List(context.Background(), Filter{Requester: "alice", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 4 {
		t.Errorf("paginated total = %d, want unpaginated 4", total)
	}
	if len(got) != 2 || got[0].ID != "i1" {
		t.Errorf("page 2 = %v", ids(got))
	}

	got, _, err = s.List(context.Background(), Filter{Status: model.InstanceStatusCompleted})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "i4" {
		t.Errorf("List(completed) = %v", ids(got))
	}

	got, _, err = s.List(context.Background(), Filter{Requester: "alice", Offset: 10})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("offset past end = %v", ids(got))
	}
}

func TestMemoryInstanceStore_findEscalatable(t *testing.T) {
	s := NewMemoryInstanceStore()
	seedInstance(t, s, model.ProcessInstance{ID: "a", Status: model.InstanceStatusActive})
	seedInstance(t, s, model.ProcessInstance{ID: "b", Status: model.InstanceStatusEscalated})
	seedInstance(t, s, model.ProcessInstance{ID: "c", Status: model.InstanceStatusSuspended})
	seedInstance(t, s, model.ProcessInstance{ID: "d", Status: model.InstanceStatusCompleted})

	got, err := s.FindEscalatable(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("FindEscalatable() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("FindEscalatable() = %v, want [a b]", ids(got))
	}

	got, err = s.FindEscalatable(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("FindEscalatable() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("FindEscalatable(1,1) = %v, want [b]", ids(got))
	}
}

func TestMemoryInstanceStore_entriesByActor(t *testing.T) {
	s := NewMemoryInstanceStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inst := seedInstance(t, s, model.ProcessInstance{
		ID: "i1", CurrentState: "draft", Requester: "alice", StartedAt: base,
	})

	for i, actor := range []string{"bob", "bob", "carol"} {
		if err := s.UpdateWithHistory(context.Background(), inst, model.HistoryEntry{
			InstanceID: "i1",
			Actor:      actor,
			ActionType: model.ActionTransition,
			CreatedAt:  base.Add(time.Duration(i+1) * time.Hour),
		}); err != nil {
			t.Fatalf("UpdateWithHistory() error = %v", err)
		}
		inst.Version++
	}

	got, err := s.EntriesByActor(context.Background(), "bob", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("EntriesByActor() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("EntriesByActor(bob) = %d entries, want 2", len(got))
	}
	if got[0].CreatedAt.Before(got[1].CreatedAt) {
		t.Error("entries should be newest first")
	}

	// Window bounds are inclusive.
	got, err = s.EntriesByActor(context.Background(), "bob", base.Add(2*time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("EntriesByActor() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("exact-bound window = %d entries, want 1", len(got))
	}
}

func TestMemoryInstanceStore_windowQueries(t *testing.T) {
	s := NewMemoryInstanceStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedInstance(t, s, model.ProcessInstance{
		ID: "in", DefinitionID: "vacation-request", StartedAt: base.Add(time.Hour),
	})
	seedInstance(t, s, model.ProcessInstance{
		ID: "out", DefinitionID: "vacation-request", StartedAt: base.Add(72 * time.Hour),
	})
	seedInstance(t, s, model.ProcessInstance{
		ID: "other", DefinitionID: "overtime-request", StartedAt: base.Add(time.Hour),
	})

	insts, err := s.InstancesInWindow(context.Background(), "vacation-request", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("InstancesInWindow() error = %v", err)
	}
	if len(insts) != 1 || insts[0].ID != "in" {
		t.Errorf("InstancesInWindow() = %v", ids(insts))
	}

	entries, err := s.EntriesInWindow(context.Background(), "vacation-request", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("EntriesInWindow() error = %v", err)
	}
	if len(entries) != 1 || entries[0].InstanceID != "in" {
		t.Errorf("EntriesInWindow() = %v", entries)
	}
}

func TestMemoryInstanceStore_cloneIsolation(t *testing.T) {
	s := NewMemoryInstanceStore()
	seedInstance(t, s, model.ProcessInstance{
		ID:           "i1",
		CurrentState: "draft",
		Data:         map[string]any{"requested_days": 3},
		Chain: &model.ApprovalChain{Steps: []model.ChainStep{
			{Assignee: model.Assignee{Type: model.AssigneeRole, Value: "supervisor"}},
		}},
	})

	got, err := s.Get(context.Background(), "i1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.Data["requested_days"] = 99
	got.Chain.Steps[0].Assignee.Value = "tampered"

	again, err := s.Get(context.Background(), "i1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if again.Data["requested_days"] != 3 {
		t.Error("caller mutation leaked into stored data")
	}
	if again.Chain.Steps[0].Assignee.Value != "supervisor" {
		t.Error("caller mutation leaked into stored chain")
	}
}

func ids(insts []model.ProcessInstance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID
	}
	return out
}
