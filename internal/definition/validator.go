package definition

import (
	"fmt"
	"time"

	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// FieldErrors converts validation errors into the envelope detail format.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, 0, len(errs))
	for _, e := range errs {
		out = append(out, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return out
}

// Validator validates definitions structurally, referentially, and as a
// graph: single initial state, all states reachable, terminal states
// without outgoing transitions, every cycle escapable, and all rule
// references resolvable. A definition that passes Validate is safe to
// publish.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

var validStateKinds = map[string]bool{
	model.StateKindInitial: true, model.StateKindIntermediate: true,
	model.StateKindFinal: true, model.StateKindError: true,
}

var validStepModes = map[string]bool{
	"": true, model.StepModeSequential: true, model.StepModeParallel: true,
}

var validAssigneeTypes = map[string]bool{
	model.AssigneeRole: true, model.AssigneeUser: true,
}

var validEscalationTriggers = map[string]bool{
	model.EscalationTriggerTime: true, model.EscalationTriggerCondition: true,
	model.EscalationTriggerManual: true,
}

var validEscalationActions = map[string]bool{
	model.EscalationActionReassign: true, model.EscalationActionNotify: true,
	model.EscalationActionAutoDecide: true,
}

// Validate checks a set of definitions. Paths in the returned errors are
// rooted at "definitions[i]" in load order.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.ValidateOne(prefix, &def)...)
	}
	return errs
}

// ValidateOne checks a single definition with the given path prefix.
func (v *Validator) ValidateOne(prefix string, def *model.WorkflowDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.Category == "" {
		errs = append(errs, VError{Path: prefix + ".category", Code: "REQUIRED", Message: "category is required"})
	}
	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
		return errs
	}

	errs = append(errs, v.validateDurations(prefix, def)...)

	// State structure: unique keys, valid kinds, exactly one initial,
	// at least one final.
	stateKeys := make(map[string]bool)
	var initialCount, finalCount int
	for i, s := range def.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.Key == "" {
			errs = append(errs, VError{Path: sp + ".key", Code: "REQUIRED", Message: "state key is required"})
			continue
		}
		if stateKeys[s.Key] {
			errs = append(errs, VError{Path: sp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate state key %q", s.Key)})
		}
		stateKeys[s.Key] = true

		switch {
		case s.Kind == "":
			errs = append(errs, VError{Path: sp + ".kind", Code: "REQUIRED", Message: "state kind is required"})
		case !validStateKinds[s.Kind]:
			errs = append(errs, VError{Path: sp + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid state kind %q", s.Kind)})
		case s.Kind == model.StateKindInitial:
			initialCount++
		case s.Kind == model.StateKindFinal:
			finalCount++
		}
	}
	if initialCount != 1 {
		errs = append(errs, VError{
			Path:    prefix + ".states",
			Code:    "GRAPH",
			Message: fmt.Sprintf("exactly one initial state is required, found %d", initialCount),
		})
	}
	if finalCount == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "GRAPH", Message: "at least one final state is required"})
	}

	errs = append(errs, v.validateTransitions(prefix, def, stateKeys)...)
	errs = append(errs, v.validateRoutingRules(prefix, def)...)
	errs = append(errs, v.validateEscalationRules(prefix, def, stateKeys)...)

	// Graph checks only make sense once the references are sound.
	if len(errs) == 0 {
		errs = append(errs, v.validateGraph(prefix, def)...)
	}

	return errs
}

func (v *Validator) validateDurations(prefix string, def *model.WorkflowDefinition) []VError {
	var errs []VError
	check := func(path, val string) {
		if val == "" {
			return
		}
		if _, err := time.ParseDuration(val); err != nil {
			errs = append(errs, VError{Path: path, Code: "INVALID_DURATION", Message: fmt.Sprintf("invalid duration %q", val)})
		}
	}
	check(prefix+".defaults.timeout", def.Defaults.Timeout)
	check(prefix+".defaults.sla", def.Defaults.SLA)
	for i, s := range def.States {
		check(fmt.Sprintf("%s.states[%d].timeout", prefix, i), s.Timeout)
		check(fmt.Sprintf("%s.states[%d].sla", prefix, i), s.SLA)
	}
	for i, r := range def.EscalationRules {
		check(fmt.Sprintf("%s.escalation_rules[%d].timeout", prefix, i), r.Timeout)
	}
	return errs
}

func (v *Validator) validateTransitions(prefix string, def *model.WorkflowDefinition, stateKeys map[string]bool) []VError {
	var errs []VError

	terminal := make(map[string]bool)
	for _, s := range def.States {
		if s.IsTerminal() {
			terminal[s.Key] = true
		}
	}

	seen := make(map[string]bool)
	for i, tr := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if tr.From == "" {
			errs = append(errs, VError{Path: tp + ".from", Code: "REQUIRED", Message: "transition from is required"})
		} else if !stateKeys[tr.From] {
			errs = append(errs, VError{Path: tp + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", tr.From)})
		}
		if tr.To == "" {
			errs = append(errs, VError{Path: tp + ".to", Code: "REQUIRED", Message: "transition to is required"})
		} else if !stateKeys[tr.To] {
			errs = append(errs, VError{Path: tp + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", tr.To)})
		}
		if tr.Trigger == "" {
			errs = append(errs, VError{Path: tp + ".trigger", Code: "REQUIRED", Message: "transition trigger is required"})
		}

		if terminal[tr.From] {
			errs = append(errs, VError{
				Path:    tp + ".from",
				Code:    "GRAPH",
				Message: fmt.Sprintf("terminal state %q must not have outgoing transitions", tr.From),
			})
		}

		key := tr.From + "\x00" + tr.Trigger
		if tr.From != "" && tr.Trigger != "" {
			if seen[key] {
				errs = append(errs, VError{
					Path:    tp,
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("duplicate transition from %q on trigger %q", tr.From, tr.Trigger),
				})
			}
			seen[key] = true
		}

		errs = append(errs, v.validateCondition(tp+".guard", tr.Guard)...)
	}

	return errs
}

func (v *Validator) validateRoutingRules(prefix string, def *model.WorkflowDefinition) []VError {
	var errs []VError

	if len(def.RoutingRules) == 0 {
		errs = append(errs, VError{Path: prefix + ".routing_rules", Code: "REQUIRED", Message: "at least one routing rule is required"})
		return errs
	}

	ruleIDs := make(map[string]bool)
	for i, r := range def.RoutingRules {
		rp := fmt.Sprintf("%s.routing_rules[%d]", prefix, i)
		if r.ID == "" {
			errs = append(errs, VError{Path: rp + ".id", Code: "REQUIRED", Message: "rule id is required"})
		} else if ruleIDs[r.ID] {
			errs = append(errs, VError{Path: rp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate rule id %q", r.ID)})
		}
		ruleIDs[r.ID] = true

		if len(r.Steps) == 0 {
			errs = append(errs, VError{Path: rp + ".steps", Code: "REQUIRED", Message: "at least one approval step is required"})
		}
		for j, st := range r.Steps {
			sp := fmt.Sprintf("%s.steps[%d]", rp, j)
			if st.Assignee.Type == "" || st.Assignee.Value == "" {
				errs = append(errs, VError{Path: sp + ".assignee", Code: "REQUIRED", Message: "step assignee type and value are required"})
			} else if !validAssigneeTypes[st.Assignee.Type] {
				errs = append(errs, VError{Path: sp + ".assignee.type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid assignee type %q", st.Assignee.Type)})
			}
			if !validStepModes[st.Mode] {
				errs = append(errs, VError{Path: sp + ".mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step mode %q", st.Mode)})
			}
			errs = append(errs, v.validateCondition(sp+".bypass_when", st.BypassWhen)...)
		}

		errs = append(errs, v.validateCondition(rp+".condition", r.Condition)...)
		errs = append(errs, v.validateCondition(rp+".bypass", r.Bypass)...)
		if r.Delegation != nil {
			if r.Delegation.To.Type == "" || r.Delegation.To.Value == "" {
				errs = append(errs, VError{Path: rp + ".delegation.to", Code: "REQUIRED", Message: "delegation target is required"})
			} else if !validAssigneeTypes[r.Delegation.To.Type] {
				errs = append(errs, VError{Path: rp + ".delegation.to.type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid assignee type %q", r.Delegation.To.Type)})
			}
			errs = append(errs, v.validateCondition(rp+".delegation.when", r.Delegation.When)...)
		}
	}

	return errs
}

func (v *Validator) validateEscalationRules(prefix string, def *model.WorkflowDefinition, stateKeys map[string]bool) []VError {
	var errs []VError

	ruleIDs := make(map[string]model.EscalationRule)
	for _, r := range def.EscalationRules {
		if r.ID != "" {
			ruleIDs[r.ID] = r
		}
	}

	for i, r := range def.EscalationRules {
		rp := fmt.Sprintf("%s.escalation_rules[%d]", prefix, i)
		if r.ID == "" {
			errs = append(errs, VError{Path: rp + ".id", Code: "REQUIRED", Message: "rule id is required"})
		}
		if r.AppliesTo == "" {
			errs = append(errs, VError{Path: rp + ".applies_to", Code: "REQUIRED", Message: "applies_to is required"})
		} else if r.AppliesTo != model.EscalationAllStates && !stateKeys[r.AppliesTo] {
			errs = append(errs, VError{Path: rp + ".applies_to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", r.AppliesTo)})
		}

		switch {
		case r.TriggerType == "":
			errs = append(errs, VError{Path: rp + ".trigger_type", Code: "REQUIRED", Message: "trigger_type is required"})
		case !validEscalationTriggers[r.TriggerType]:
			errs = append(errs, VError{Path: rp + ".trigger_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid trigger type %q", r.TriggerType)})
		case r.TriggerType == model.EscalationTriggerTime && r.Timeout == "":
			errs = append(errs, VError{Path: rp + ".timeout", Code: "REQUIRED", Message: "timeout is required for time-based rules"})
		case r.TriggerType == model.EscalationTriggerCondition && r.Condition.IsZero():
			errs = append(errs, VError{Path: rp + ".condition", Code: "REQUIRED", Message: "condition is required for condition-based rules"})
		}

		switch {
		case r.Action == "":
			errs = append(errs, VError{Path: rp + ".action", Code: "REQUIRED", Message: "action is required"})
		case !validEscalationActions[r.Action]:
			errs = append(errs, VError{Path: rp + ".action", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid action %q", r.Action)})
		case r.Action == model.EscalationActionReassign && r.ActionTarget.IsZero():
			errs = append(errs, VError{Path: rp + ".action_target", Code: "REQUIRED", Message: "action_target is required for reassign"})
		case r.Action == model.EscalationActionAutoDecide && r.AutoDecision == "":
			errs = append(errs, VError{Path: rp + ".auto_decision", Code: "REQUIRED", Message: "auto_decision is required for auto_decide"})
		}

		if r.Level < 1 {
			errs = append(errs, VError{Path: rp + ".level", Code: "RANGE", Message: "level must be >= 1"})
		}

		if r.NextEscalationID != "" {
			next, ok := ruleIDs[r.NextEscalationID]
			if !ok {
				errs = append(errs, VError{
					Path:    rp + ".next_escalation_id",
					Code:    "REF_NOT_FOUND",
					Message: fmt.Sprintf("escalation rule %q not found", r.NextEscalationID),
				})
			} else if next.Level <= r.Level {
				errs = append(errs, VError{
					Path:    rp + ".next_escalation_id",
					Code:    "RANGE",
					Message: fmt.Sprintf("chained rule %q must have a higher level (%d <= %d)", r.NextEscalationID, next.Level, r.Level),
				})
			}
		}

		errs = append(errs, v.validateCondition(rp+".condition", r.Condition)...)
	}

	// Reject chain loops. Increasing levels already prevent most, but only
	// when levels were valid; a direct walk keeps the check independent.
	for i, r := range def.EscalationRules {
		seen := map[string]bool{r.ID: true}
		cur := r
		for cur.NextEscalationID != "" {
			next, ok := ruleIDs[cur.NextEscalationID]
			if !ok {
				break
			}
			if seen[next.ID] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.escalation_rules[%d].next_escalation_id", prefix, i),
					Code:    "GRAPH",
					Message: fmt.Sprintf("escalation chain starting at %q loops", r.ID),
				})
				break
			}
			seen[next.ID] = true
			cur = next
		}
	}

	// State escalation_policy references.
	for i, s := range def.States {
		if s.EscalationPolicy == "" {
			continue
		}
		if _, ok := ruleIDs[s.EscalationPolicy]; !ok {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.states[%d].escalation_policy", prefix, i),
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("escalation rule %q not found", s.EscalationPolicy),
			})
		}
	}

	return errs
}

func (v *Validator) validateCondition(path string, c *model.Condition) []VError {
	if c.IsZero() {
		return nil
	}
	if c.Expr != "" && c.Script != "" {
		return []VError{{Path: path, Code: "INVALID_ENUM", Message: "condition must set exactly one of expr or script"}}
	}
	if c.Expr != "" {
		if err := rules.ValidateExpr(c.Expr); err != nil {
			return []VError{{Path: path + ".expr", Code: "INVALID_EXPR", Message: err.Error()}}
		}
	}
	return nil
}

// validateGraph runs the reachability and cycle-escape checks. It assumes
// states and transition references are structurally valid.
func (v *Validator) validateGraph(prefix string, def *model.WorkflowDefinition) []VError {
	var errs []VError

	adj := make(map[string][]string, len(def.States))
	for _, s := range def.States {
		adj[s.Key] = nil
	}
	for _, tr := range def.Transitions {
		adj[tr.From] = append(adj[tr.From], tr.To)
	}

	initial, _ := def.InitialState()

	// Every non-initial state must be reachable from the initial state.
	reached := map[string]bool{initial.Key: true}
	queue := []string{initial.Key}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for i, s := range def.States {
		if !reached[s.Key] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.states[%d]", prefix, i),
				Code:    "GRAPH",
				Message: fmt.Sprintf("state %q is not reachable from the initial state", s.Key),
			})
		}
	}

	// Every cycle must be escapable: each strongly connected component that
	// contains a cycle needs at least one edge leaving the component.
	for _, comp := range stronglyConnected(adj) {
		if !componentHasCycle(comp, adj) {
			continue
		}
		inComp := make(map[string]bool, len(comp))
		for _, key := range comp {
			inComp[key] = true
		}
		escapable := false
		for _, key := range comp {
			for _, next := range adj[key] {
				if !inComp[next] {
					escapable = true
					break
				}
			}
			if escapable {
				break
			}
		}
		if !escapable {
			errs = append(errs, VError{
				Path:    prefix + ".transitions",
				Code:    "GRAPH",
				Message: fmt.Sprintf("cycle through %v has no escape transition", comp),
			})
		}
	}

	return errs
}

// componentHasCycle reports whether an SCC contains a cycle: more than one
// node, or a single node with a self-loop.
func componentHasCycle(comp []string, adj map[string][]string) bool {
	if len(comp) > 1 {
		return true
	}
	key := comp[0]
	for _, next := range adj[key] {
		if next == key {
			return true
		}
	}
	return false
}

// stronglyConnected computes SCCs with Tarjan's algorithm, iteratively to
// stay safe on adversarial definition sizes.
func stronglyConnected(adj map[string][]string) [][]string {
	index := 0
	indices := make(map[string]int, len(adj))
	lowlink := make(map[string]int, len(adj))
	onStack := make(map[string]bool, len(adj))
	var stack []string
	var comps [][]string

	type frame struct {
		node string
		next int
	}

	var visit func(root string)
	visit = func(root string) {
		frames := []frame{{node: root}}
		indices[root] = index
		lowlink[root] = index
		index++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			neighbors := adj[f.node]
			advanced := false
			for f.next < len(neighbors) {
				next := neighbors[f.next]
				f.next++
				if _, seen := indices[next]; !seen {
					indices[next] = index
					lowlink[next] = index
					index++
					stack = append(stack, next)
					onStack[next] = true
					frames = append(frames, frame{node: next})
					advanced = true
					break
				}
				if onStack[next] && indices[next] < lowlink[f.node] {
					lowlink[f.node] = indices[next]
				}
			}
			if advanced {
				continue
			}

			if lowlink[f.node] == indices[f.node] {
				var comp []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					comp = append(comp, top)
					if top == f.node {
						break
					}
				}
				comps = append(comps, comp)
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.node] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[f.node]
				}
			}
		}
	}

	for node := range adj {
		if _, seen := indices[node]; !seen {
			visit(node)
		}
	}
	return comps
}
