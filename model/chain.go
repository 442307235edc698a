package model

import "time"

// Chain variants tag the routing engine's decision so callers can branch on
// the outcome exhaustively instead of inspecting step lists.
const (
	ChainVariantSimple    = "simple"
	ChainVariantParallel  = "parallel"
	ChainVariantBypassed  = "bypassed"
	ChainVariantDelegated = "delegated"
)

// ApprovalChain is the ordered list of approval steps computed for one
// instance by the routing engine. Once persisted on an instance it is
// re-derived only on explicit re-evaluation, never silently.
type ApprovalChain struct {
	RuleID     string      `json:"rule_id"`
	Variant    string      `json:"variant"`
	Steps      []ChainStep `json:"steps"`
	ComputedAt time.Time   `json:"computed_at"`
}

// ChainStep is one resolved step of an approval chain. Bypassed steps stay
// in the chain marked Skipped so the audit trail shows what was waived.
type ChainStep struct {
	Index         int       `json:"index"`
	Assignee      Assignee  `json:"assignee"`
	Mode          string    `json:"mode"`
	Skipped       bool      `json:"skipped,omitempty"`
	DelegatedFrom *Assignee `json:"delegated_from,omitempty"`
	SLA           string    `json:"sla,omitempty"`
}

// NextStep returns the first unskipped step at or after pos, or false when
// the chain is exhausted.
func (c *ApprovalChain) NextStep(pos int) (ChainStep, bool) {
	for i := pos; i < len(c.Steps); i++ {
		if !c.Steps[i].Skipped {
			return c.Steps[i], true
		}
	}
	return ChainStep{}, false
}

// ActiveSteps returns the steps that were not bypassed.
func (c *ApprovalChain) ActiveSteps() []ChainStep {
	var steps []ChainStep
	for _, s := range c.Steps {
		if !s.Skipped {
			steps = append(steps, s)
		}
	}
	return steps
}
