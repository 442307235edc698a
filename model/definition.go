package model

import "time"

// State kinds.
const (
	StateKindInitial      = "initial"
	StateKindIntermediate = "intermediate"
	StateKindFinal        = "final"
	StateKindError        = "error"
)

// Built-in triggers. Definitions may declare any trigger key; these are the
// ones the engine itself emits or treats specially.
const (
	TriggerEscalation = "escalation"
	TriggerCancel     = "cancel"
	TriggerComment    = "comment"
)

// Assignee types.
const (
	AssigneeRole = "role"
	AssigneeUser = "user"
)

// Decision values carried by transitions and stamped on terminal
// instances.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Approval step modes.
const (
	StepModeSequential = "sequential"
	StepModeParallel   = "parallel"
)

// Escalation trigger types.
const (
	EscalationTriggerTime      = "time"
	EscalationTriggerCondition = "condition"
	EscalationTriggerManual    = "manual"
)

// Escalation actions.
const (
	EscalationActionReassign   = "reassign"
	EscalationActionNotify     = "notify"
	EscalationActionAutoDecide = "auto_decide"
)

// EscalationAllStates marks an escalation rule that applies to every
// non-terminal state of its definition.
const EscalationAllStates = "*"

// WorkflowDefinition is the root structure of a definition file. It declares
// the full state/transition graph, routing rules, and escalation rules for
// one request category. Definitions are immutable once published; a new
// version supersedes but never mutates a prior one.
type WorkflowDefinition struct {
	ID              string             `yaml:"id"               json:"id"`
	Name            string             `yaml:"name"             json:"name"`
	Category        string             `yaml:"category"         json:"category"`
	Description     string             `yaml:"description"      json:"description,omitempty"`
	States          []State            `yaml:"states"           json:"states"`
	Transitions     []Transition       `yaml:"transitions"      json:"transitions"`
	RoutingRules    []RoutingRule      `yaml:"routing_rules"    json:"routing_rules"`
	EscalationRules []EscalationRule   `yaml:"escalation_rules" json:"escalation_rules,omitempty"`
	Defaults        DefinitionDefaults `yaml:"defaults"         json:"defaults"`

	// Assigned by the definition store at publish time, not part of the YAML.
	Version     int       `yaml:"-" json:"version"`
	Active      bool      `yaml:"-" json:"active"`
	PublishedAt time.Time `yaml:"-" json:"published_at"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// DefinitionDefaults carries definition-wide fallbacks applied when a state
// does not override them. Durations are Go duration strings ("48h", "30m").
type DefinitionDefaults struct {
	Timeout string `yaml:"timeout" json:"timeout,omitempty"`
	SLA     string `yaml:"sla"     json:"sla,omitempty"`
}

// State describes one node of the workflow graph.
type State struct {
	Key              string `yaml:"key"               json:"key"`
	Label            string `yaml:"label"             json:"label"`
	Kind             string `yaml:"kind"              json:"kind"`
	Editable         bool   `yaml:"editable"          json:"editable,omitempty"`
	Timeout          string `yaml:"timeout"           json:"timeout,omitempty"`
	SLA              string `yaml:"sla"               json:"sla,omitempty"`
	EscalationPolicy string `yaml:"escalation_policy" json:"escalation_policy,omitempty"`
}

// IsTerminal reports whether the state kind permits no outgoing transitions.
func (s State) IsTerminal() bool {
	return s.Kind == StateKindFinal || s.Kind == StateKindError
}

// Transition describes a directed edge of the workflow graph, fired by a
// trigger and optionally protected by a guard over instance data.
type Transition struct {
	From     string     `yaml:"from"     json:"from"`
	To       string     `yaml:"to"       json:"to"`
	Trigger  string     `yaml:"trigger"  json:"trigger"`
	Guard    *Condition `yaml:"guard"    json:"guard,omitempty"`
	Decision string     `yaml:"decision" json:"decision,omitempty"`
}

// Condition is a predicate over instance data and actor context. Exactly one
// of Expr or Script is set: Expr uses the built-in comparison language
// ("data.overtime_hours <= 4"), Script is a JavaScript expression evaluated
// with {data, actor} bindings that must yield a boolean.
type Condition struct {
	Expr   string `yaml:"expr"   json:"expr,omitempty"`
	Script string `yaml:"script" json:"script,omitempty"`
}

// IsZero reports whether the condition is empty.
func (c *Condition) IsZero() bool {
	return c == nil || (c.Expr == "" && c.Script == "")
}

// RoutingRule maps instance data to an ordered approval chain. Rules are
// evaluated in ascending priority order; the first match wins.
type RoutingRule struct {
	ID         string            `yaml:"id"         json:"id"`
	Priority   int               `yaml:"priority"   json:"priority"`
	Condition  *Condition        `yaml:"condition"  json:"condition,omitempty"`
	Steps      []ApprovalStep    `yaml:"steps"      json:"steps"`
	Bypass     *Condition        `yaml:"bypass"     json:"bypass,omitempty"`
	Delegation *DelegationPolicy `yaml:"delegation" json:"delegation,omitempty"`
}

// ApprovalStep is one entry of a routing rule's chain template.
type ApprovalStep struct {
	Assignee   Assignee   `yaml:"assignee"    json:"assignee"`
	Mode       string     `yaml:"mode"        json:"mode,omitempty"`
	BypassWhen *Condition `yaml:"bypass_when" json:"bypass_when,omitempty"`
	SLA        string     `yaml:"sla"         json:"sla,omitempty"`
}

// DelegationPolicy redirects a chain's remaining steps to a delegate while
// its condition holds (approver absence, conflict of interest, ...).
type DelegationPolicy struct {
	When *Condition `yaml:"when" json:"when"`
	To   Assignee   `yaml:"to"   json:"to"`
}

// Assignee identifies who is responsible for a step: a role resolved through
// the identity directory, or a specific user.
type Assignee struct {
	Type  string `yaml:"type"  json:"type"`
	Value string `yaml:"value" json:"value"`
}

// IsZero reports whether the assignee is unset.
func (a Assignee) IsZero() bool {
	return a.Type == "" && a.Value == ""
}

// EscalationRule describes when and how an instance stuck in a state is
// escalated. Rules chain through NextEscalationID with strictly increasing
// levels.
type EscalationRule struct {
	ID                string     `yaml:"id"                 json:"id"`
	AppliesTo         string     `yaml:"applies_to"         json:"applies_to"`
	TriggerType       string     `yaml:"trigger_type"       json:"trigger_type"`
	Timeout           string     `yaml:"timeout"            json:"timeout,omitempty"`
	BusinessHoursOnly bool       `yaml:"business_hours_only" json:"business_hours_only,omitempty"`
	ExcludeWeekends   bool       `yaml:"exclude_weekends"   json:"exclude_weekends,omitempty"`
	ExcludeHolidays   bool       `yaml:"exclude_holidays"   json:"exclude_holidays,omitempty"`
	Condition         *Condition `yaml:"condition"          json:"condition,omitempty"`
	Action            string     `yaml:"action"             json:"action"`
	ActionTarget      Assignee   `yaml:"action_target"      json:"action_target,omitempty"`
	AutoDecision      string     `yaml:"auto_decision"      json:"auto_decision,omitempty"`
	Level             int        `yaml:"level"              json:"level"`
	NextEscalationID  string     `yaml:"next_escalation_id" json:"next_escalation_id,omitempty"`
	Priority          int        `yaml:"priority"           json:"priority,omitempty"`
}

// FindState returns the state with the given key.
func (d *WorkflowDefinition) FindState(key string) (State, bool) {
	for _, s := range d.States {
		if s.Key == key {
			return s, true
		}
	}
	return State{}, false
}

// InitialState returns the definition's single initial state. Validation
// guarantees exactly one exists in a published definition.
func (d *WorkflowDefinition) InitialState() (State, bool) {
	for _, s := range d.States {
		if s.Kind == StateKindInitial {
			return s, true
		}
	}
	return State{}, false
}

// FindTransition returns the transition from the given state on the given
// trigger.
func (d *WorkflowDefinition) FindTransition(from, trigger string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.Trigger == trigger {
			return t, true
		}
	}
	return Transition{}, false
}

// FindEscalationRule returns the rule with the given id.
func (d *WorkflowDefinition) FindEscalationRule(id string) (EscalationRule, bool) {
	for _, r := range d.EscalationRules {
		if r.ID == id {
			return r, true
		}
	}
	return EscalationRule{}, false
}

// EscalationRulesFor returns the escalation rules applicable to a state,
// sorted by the caller. State-specific rules and all-states rules both apply.
func (d *WorkflowDefinition) EscalationRulesFor(stateKey string) []EscalationRule {
	var rules []EscalationRule
	for _, r := range d.EscalationRules {
		if r.AppliesTo == stateKey || r.AppliesTo == EscalationAllStates {
			rules = append(rules, r)
		}
	}
	return rules
}

// StateTimeout returns the effective timeout for a state, falling back to
// the definition default. Zero means no timeout.
func (d *WorkflowDefinition) StateTimeout(s State) time.Duration {
	if s.Timeout != "" {
		if dur, err := time.ParseDuration(s.Timeout); err == nil {
			return dur
		}
	}
	if d.Defaults.Timeout != "" {
		if dur, err := time.ParseDuration(d.Defaults.Timeout); err == nil {
			return dur
		}
	}
	return 0
}

// StateSLA returns the effective SLA for a state, falling back to the
// definition default. Zero means no SLA target.
func (d *WorkflowDefinition) StateSLA(s State) time.Duration {
	if s.SLA != "" {
		if dur, err := time.ParseDuration(s.SLA); err == nil {
			return dur
		}
	}
	if d.Defaults.SLA != "" {
		if dur, err := time.ParseDuration(d.Defaults.SLA); err == nil {
			return dur
		}
	}
	return 0
}
