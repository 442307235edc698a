package model

import "time"

// History action types.
const (
	ActionTransition = "transition"
	ActionEscalation = "escalation"
	ActionDelegation = "delegation"
	ActionComment    = "comment"
	ActionDataUpdate = "data_update"
	ActionTimeout    = "timeout"
)

// SystemActor is the actor recorded for engine-initiated actions such as
// escalations.
const SystemActor = "system"

// HistoryEntry records one action against a process instance. Entries are
// append-only and immutable: once written they are never modified or
// removed. Seq is 1-based and gap-free per instance, so the full trail is
// totally ordered and replayable.
type HistoryEntry struct {
	ID              string         `json:"id"`
	InstanceID      string         `json:"instance_id"`
	Seq             int            `json:"seq"`
	FromState       string         `json:"from_state"`
	ToState         string         `json:"to_state"`
	Trigger         string         `json:"trigger"`
	Actor           string         `json:"actor"`
	ActorRoles      []string       `json:"actor_roles,omitempty"`
	ActionType      string         `json:"action_type"`
	Decision        string         `json:"decision,omitempty"`
	Comment         string         `json:"comment,omitempty"`
	DataBefore      map[string]any `json:"data_before,omitempty"`
	DataAfter       map[string]any `json:"data_after,omitempty"`
	EscalationLevel int            `json:"escalation_level,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
