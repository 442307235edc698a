package model

import "time"

// Process instance status constants.
const (
	InstanceStatusActive    = "active"
	InstanceStatusCompleted = "completed"
	InstanceStatusCancelled = "cancelled"
	InstanceStatusEscalated = "escalated"
	InstanceStatusSuspended = "suspended"
)

// Instance priority constants.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// ProcessInstance represents one running occurrence of a workflow
// definition, tied to a single request. Instances are never physically
// deleted; terminal instances remain for audit with only their status
// changed.
type ProcessInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Category          string         `json:"category"`
	Requester         string         `json:"requester"`
	CurrentState      string         `json:"current_state"`
	StateEnteredAt    time.Time      `json:"state_entered_at"`
	Assignee          Assignee       `json:"assignee,omitempty"`
	Chain             *ApprovalChain `json:"chain,omitempty"`
	ChainPosition     int            `json:"chain_position"`
	Data              map[string]any `json:"data,omitempty"`
	Status            string         `json:"status"`
	Priority          string         `json:"priority"`
	StartedAt         time.Time      `json:"started_at"`
	DueAt             *time.Time     `json:"due_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	EscalationCount   int            `json:"escalation_count"`
	EscalationLevel   int            `json:"escalation_level"`
	Decision          string         `json:"decision,omitempty"`
	DecisionReason    string         `json:"decision_reason,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int            `json:"version"`
}

// IsTerminalStatus reports whether the instance status admits no further
// transitions.
func (p *ProcessInstance) IsTerminalStatus() bool {
	return p.Status == InstanceStatusCompleted || p.Status == InstanceStatusCancelled
}

// Advanceable reports whether the instance accepts triggers in its current
// status. Escalated instances remain advanceable; suspended and terminal
// ones do not.
func (p *ProcessInstance) Advanceable() bool {
	return p.Status == InstanceStatusActive || p.Status == InstanceStatusEscalated
}

// InstanceSummary is a lightweight representation of a process instance
// used in list views.
type InstanceSummary struct {
	ID              string     `json:"id"`
	DefinitionID    string     `json:"definition_id"`
	Category        string     `json:"category"`
	Requester       string     `json:"requester"`
	RequesterName   string     `json:"requester_name,omitempty"`
	CurrentState    string     `json:"current_state"`
	Assignee        Assignee   `json:"assignee,omitempty"`
	Status          string     `json:"status"`
	Priority        string     `json:"priority"`
	StartedAt       time.Time  `json:"started_at"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	EscalationCount int        `json:"escalation_count"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Summary projects the instance into its list-view form.
func (p *ProcessInstance) Summary() InstanceSummary {
	return InstanceSummary{
		ID:              p.ID,
		DefinitionID:    p.DefinitionID,
		Category:        p.Category,
		Requester:       p.Requester,
		CurrentState:    p.CurrentState,
		Assignee:        p.Assignee,
		Status:          p.Status,
		Priority:        p.Priority,
		StartedAt:       p.StartedAt,
		DueAt:           p.DueAt,
		EscalationCount: p.EscalationCount,
		UpdatedAt:       p.UpdatedAt,
	}
}
