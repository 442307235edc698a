package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/assent/model"
)

// InstanceStore persists process instances and their execution history.
// History entries are append-only and only ever written together with the
// instance mutation they describe: partial writes are a store bug, never an
// acceptable outcome.
type InstanceStore interface {
	// CreateWithHistory persists a new instance and its first history entry
	// atomically. The store assigns Seq 1.
	CreateWithHistory(ctx context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error

	// Get retrieves an instance by id. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.ProcessInstance, error)

	// UpdateWithHistory persists an instance mutation and appends its
	// history entry in one atomic operation, guarded by the optimistic
	// version counter carried on inst. A version mismatch fails with
	// CONCURRENT_MODIFICATION and leaves no partial effect. The store
	// assigns the next gap-free Seq.
	UpdateWithHistory(ctx context.Context, inst model.ProcessInstance, entry model.HistoryEntry) error

	// List returns instances matching the filter plus the unpaginated total.
	List(ctx context.Context, filter Filter) ([]model.ProcessInstance, int, error)

	// FindEscalatable returns one page of active or escalated instances,
	// ordered by id for a stable walk. The escalation sweep pages through
	// this so no sweep ever scans the whole table under one lock.
	FindEscalatable(ctx context.Context, limit, offset int) ([]model.ProcessInstance, error)

	// History returns all entries for an instance ordered by Seq.
	History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error)

	// EntriesByActor returns all entries recorded by an actor within a time
	// range, newest first.
	EntriesByActor(ctx context.Context, actor string, from, to time.Time) ([]model.HistoryEntry, error)

	// EntriesInWindow returns all entries for instances of a definition
	// created within the window, ordered by instance then Seq. Analytics
	// input.
	EntriesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.HistoryEntry, error)

	// InstancesInWindow returns instances of a definition started within
	// the window. Analytics input.
	InstancesInWindow(ctx context.Context, definitionID string, from, to time.Time) ([]model.ProcessInstance, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Filter narrows instance listings. Zero fields match everything.
type Filter struct {
	DefinitionID string
	Category     string
	Status       string
	Requester    string
	// Assignee matches the instance's current assignee value (role name or
	// user subject).
	Assignee string
	Limit    int
	Offset   int
}
