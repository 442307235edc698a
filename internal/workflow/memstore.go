package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/assent/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for testing and
// single-node deployments. All mutations happen under one mutex, so the
// instance-update-plus-history-append pair is trivially atomic.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.ProcessInstance
	history   map[string][]model.HistoryEntry
}

// NewMemoryInstanceStore creates an empty in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.ProcessInstance),
		history:   make(map[string][]model.HistoryEntry),
	}
}

// CreateWithHistory persists a new instance and its first history entry.
func (s *MemoryInstanceStore) CreateWithHistory(_ context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("instance %q already exists", inst.ID))
	}

	entry.Seq = 1
	s.instances[inst.ID] = cloneInstance(inst)
	s.history[inst.ID] = []model.HistoryEntry{entry}
	return nil
}

// Get retrieves an instance by id.
func (s *MemoryInstanceStore) Get(_ context.Context, id string) (model.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", id))
	}
	return cloneInstance(inst), nil
}

// UpdateWithHistory persists an instance mutation and its history entry
// atomically, guarded by the optimistic version counter.
func (s *MemoryInstanceStore) UpdateWithHistory(_ context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConcurrentModificationError(inst.ID)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	entry.Seq = len(s.history[inst.ID]) + 1

	s.instances[inst.ID] = cloneInstance(inst)
	s.history[inst.ID] = append(s.history[inst.ID], entry)
	return nil
}

// List returns instances matching the filter plus the unpaginated total.
func (s *MemoryInstanceStore) List(_ context.Context, filter Filter) ([]model.ProcessInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProcessInstance
	for _, inst := range s.instances {
		if matchesFilter(inst, filter) {
			result = append(result, cloneInstance(inst))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})

	total := len(result)
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []model.ProcessInstance{}, total, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, total, nil
}

// FindEscalatable returns one page of active or escalated instances
// ordered by id.
func (s *MemoryInstanceStore) FindEscalatable(_ context.Context, limit, offset int) ([]model.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProcessInstance
	for _, inst := range s.instances {
		if inst.Status == model.InstanceStatusActive || inst.Status == model.InstanceStatusEscalated {
			result = append(result, cloneInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if offset > 0 {
		if offset >= len(result) {
			return nil, nil
		}
		result = result[offset:]
	}
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// History returns all entries for an instance ordered by Seq.
func (s *MemoryInstanceStore) History(_ context.Context, instanceID string) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}

	entries := s.history[instanceID]
	result := make([]model.HistoryEntry, len(entries))
	copy(result, entries)
	return result, nil
}

// EntriesByActor returns entries by an actor in a time range, newest first.
func (s *MemoryInstanceStore) EntriesByActor(_ context.Context, actor string, from, to time.Time) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HistoryEntry
	for _, entries := range s.history {
		for _, e := range entries {
			if e.Actor != actor {
				continue
			}
			if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
				continue
			}
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// EntriesInWindow returns entries of a definition's instances started in
// the window, ordered by instance then Seq.
func (s *MemoryInstanceStore) EntriesInWindow(_ context.Context, definitionID string, from, to time.Time) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, inst := range s.instances {
		if inst.DefinitionID == definitionID && windowContains(inst.StartedAt, from, to) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var result []model.HistoryEntry
	for _, id := range ids {
		result = append(result, s.history[id]...)
	}
	return result, nil
}

// InstancesInWindow returns a definition's instances started in the window.
func (s *MemoryInstanceStore) InstancesInWindow(_ context.Context, definitionID string, from, to time.Time) ([]model.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProcessInstance
	for _, inst := range s.instances {
		if inst.DefinitionID == definitionID && windowContains(inst.StartedAt, from, to) {
			result = append(result, cloneInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryInstanceStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func matchesFilter(inst model.ProcessInstance, f Filter) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Category != "" && inst.Category != f.Category {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.Requester != "" && inst.Requester != f.Requester {
		return false
	}
	if f.Assignee != "" && inst.Assignee.Value != f.Assignee {
		return false
	}
	return true
}

func windowContains(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

// cloneInstance deep-copies the mutable parts so callers can never alias
// store-internal state.
func cloneInstance(inst model.ProcessInstance) model.ProcessInstance {
	out := inst
	if inst.Data != nil {
		out.Data = make(map[string]any, len(inst.Data))
		for k, v := range inst.Data {
			out.Data[k] = v
		}
	}
	if inst.Chain != nil {
		chain := *inst.Chain
		chain.Steps = make([]model.ChainStep, len(inst.Chain.Steps))
		copy(chain.Steps, inst.Chain.Steps)
		out.Chain = &chain
	}
	return out
}
