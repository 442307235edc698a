// Package routing computes approval chains. Rules are evaluated in
// priority order against instance data; the winning rule's step template is
// resolved into a concrete chain with bypass and delegation applied.
package routing

import (
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/model"
)

// Engine evaluates routing rules. It is pure and safe for concurrent use:
// the same definition, data, and actor always produce a deep-equal chain.
type Engine struct {
	eval *rules.Evaluator
}

// NewEngine creates a routing engine using the given condition evaluator.
func NewEngine(eval *rules.Evaluator) *Engine {
	if eval == nil {
		eval = &rules.Evaluator{}
	}
	return &Engine{eval: eval}
}

// ComputeChain evaluates the definition's routing rules in ascending
// priority order (ties broken by rule id) and resolves the first matching
// rule into an approval chain. A rule with no condition always matches. A
// rule whose condition fails to evaluate is skipped as non-matching; broken
// expressions are a publish-time defect, not a routing outcome. When no
// rule matches, the error is NO_ROUTING_RULE_MATCHED, a configuration gap
// that must block instance creation.
func (e *Engine) ComputeChain(
	def *model.WorkflowDefinition,
	data map[string]any,
	actor *model.ActorContext,
) (model.ApprovalChain, error) {
	for _, rule := range orderedRules(def.RoutingRules) {
		matched, err := e.eval.Eval(rule.Condition, data, actor)
		if err != nil || !matched {
			continue
		}
		return e.resolve(rule, data, actor), nil
	}
	return model.ApprovalChain{}, model.NewNoRoutingRuleMatchedError(def.ID)
}

// resolve builds the concrete chain for a winning rule. Bypassed steps stay
// in the output marked Skipped so the audit trail records what was waived;
// a delegation policy that holds rewrites every remaining step's assignee.
func (e *Engine) resolve(rule model.RoutingRule, data map[string]any, actor *model.ActorContext) model.ApprovalChain {
	bypassAll := false
	if !rule.Bypass.IsZero() {
		bypassAll, _ = e.eval.Eval(rule.Bypass, data, actor)
	}

	var delegate *model.Assignee
	if rule.Delegation != nil {
		if hold, _ := e.eval.Eval(rule.Delegation.When, data, actor); hold {
			to := rule.Delegation.To
			delegate = &to
		}
	}

	chain := model.ApprovalChain{
		RuleID:     rule.ID,
		Steps:      make([]model.ChainStep, 0, len(rule.Steps)),
		ComputedAt: time.Now().UTC(),
	}

	anyBypassed := false
	anyParallel := false
	for i, tmpl := range rule.Steps {
		step := model.ChainStep{
			Index:    i,
			Assignee: resolveAssignee(tmpl.Assignee, data),
			Mode:     tmpl.Mode,
			SLA:      tmpl.SLA,
		}
		if step.Mode == "" {
			step.Mode = model.StepModeSequential
		}
		if step.Mode == model.StepModeParallel {
			anyParallel = true
		}

		skipped := bypassAll
		if !skipped && !tmpl.BypassWhen.IsZero() {
			skipped, _ = e.eval.Eval(tmpl.BypassWhen, data, actor)
		}
		if skipped {
			step.Skipped = true
			anyBypassed = true
		} else if delegate != nil && delegate.Value != step.Assignee.Value {
			from := step.Assignee
			step.Assignee = *delegate
			step.DelegatedFrom = &from
		}

		chain.Steps = append(chain.Steps, step)
	}

	// Variant tagging is precedence ordered so callers can branch on a
	// single value: delegation dominates, then bypass, then parallel.
	switch {
	case delegate != nil:
		chain.Variant = model.ChainVariantDelegated
	case anyBypassed:
		chain.Variant = model.ChainVariantBypassed
	case anyParallel:
		chain.Variant = model.ChainVariantParallel
	default:
		chain.Variant = model.ChainVariantSimple
	}
	return chain
}

// resolveAssignee interpolates a "{data.path}" assignee value from instance
// data. Chains with a request-specific approver (a shift counterpart, a
// named reviewer) declare the step as a user assignee whose value is a data
// reference. A reference that resolves to nothing keeps the literal value;
// the resulting unmatchable assignee surfaces in the chain for audit rather
// than silently dropping the step.
func resolveAssignee(a model.Assignee, data map[string]any) model.Assignee {
	v := a.Value
	if !strings.HasPrefix(v, "{data.") || !strings.HasSuffix(v, "}") {
		return a
	}

	path := strings.TrimSuffix(strings.TrimPrefix(v, "{data."), "}")
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return a
		}
		cur, ok = m[part]
		if !ok {
			return a
		}
	}
	if s, ok := cur.(string); ok && s != "" {
		a.Value = s
	}
	return a
}

// RuleTrace records the evaluation of one rule during a probe.
type RuleTrace struct {
	RuleID   string `json:"rule_id"`
	Priority int    `json:"priority"`
	Matched  bool   `json:"matched"`
	Winner   bool   `json:"winner"`
	Error    string `json:"error,omitempty"`
}

// ProbeResult is the full dry-run outcome: the per-rule trace plus the
// resulting chain when a rule won.
type ProbeResult struct {
	Trace []RuleTrace          `json:"trace"`
	Chain *model.ApprovalChain `json:"chain,omitempty"`
}

// Probe dry-runs chain computation, recording every rule's evaluation
// outcome. Used by the debug endpoint and the CLI simulator; evaluation
// errors are reported in the trace instead of aborting.
func (e *Engine) Probe(
	def *model.WorkflowDefinition,
	data map[string]any,
	actor *model.ActorContext,
) ProbeResult {
	var res ProbeResult
	won := false
	for _, rule := range orderedRules(def.RoutingRules) {
		tr := RuleTrace{RuleID: rule.ID, Priority: rule.Priority}
		matched, err := e.eval.Eval(rule.Condition, data, actor)
		if err != nil {
			tr.Error = err.Error()
		}
		tr.Matched = matched && err == nil
		if tr.Matched && !won {
			tr.Winner = true
			won = true
			chain := e.resolve(rule, data, actor)
			res.Chain = &chain
		}
		res.Trace = append(res.Trace, tr)
	}
	return res
}

// orderedRules returns the rules sorted by ascending priority, ties broken
// by id so evaluation order is total and deterministic.
func orderedRules(in []model.RoutingRule) []model.RoutingRule {
	out := make([]model.RoutingRule, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
