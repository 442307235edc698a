package workflow

import (
	"fmt"

	"github.com/pitabwire/assent/internal/rules"
	"github.com/pitabwire/assent/model"
)

// Outcome is the result of a successful transition lookup: where the
// instance moves and what that means. It carries no side effects.
type Outcome struct {
	From     string
	To       string
	ToKind   string
	Trigger  string
	Decision string
	Terminal bool
}

// Machine is the pure transition decision core. Apply validates a trigger
// against the definition graph and the guard condition and returns the
// outcome; it never persists, logs, or reads the clock. Persistence and
// history append are the engine's responsibility so the two can never
// happen independently.
type Machine struct {
	eval *rules.Evaluator
}

// NewMachine creates a state machine using the given condition evaluator.
func NewMachine(eval *rules.Evaluator) *Machine {
	if eval == nil {
		eval = &rules.Evaluator{}
	}
	return &Machine{eval: eval}
}

// Apply looks up the transition matching the instance's current state and
// the trigger. No match fails with INVALID_TRANSITION; a guard that
// evaluates false, or fails to evaluate, fails with GUARD_REJECTED. The
// instance is not modified.
func (m *Machine) Apply(
	def *model.WorkflowDefinition,
	inst *model.ProcessInstance,
	trigger string,
	actor *model.ActorContext,
	input map[string]any,
) (Outcome, error) {
	tr, ok := def.FindTransition(inst.CurrentState, trigger)
	if !ok {
		return Outcome{}, model.NewInvalidTransitionError(inst.CurrentState, trigger)
	}

	if !tr.Guard.IsZero() {
		// Guards see the data as it would be after the merge, so a guard on
		// a field submitted with the trigger behaves intuitively.
		data := mergedData(inst.Data, input)
		pass, err := m.eval.Eval(tr.Guard, data, actor)
		if err != nil {
			return Outcome{}, model.NewGuardRejectedError(
				fmt.Sprintf("guard on %q -> %q failed to evaluate: %v", tr.From, tr.To, err))
		}
		if !pass {
			return Outcome{}, model.NewGuardRejectedError(
				fmt.Sprintf("guard rejected transition %q -> %q on trigger %q", tr.From, tr.To, trigger))
		}
	}

	to, ok := def.FindState(tr.To)
	if !ok {
		// Unreachable for published definitions; validation guarantees every
		// transition endpoint exists.
		return Outcome{}, model.NewInvalidTransitionError(inst.CurrentState, trigger)
	}

	return Outcome{
		From:     tr.From,
		To:       tr.To,
		ToKind:   to.Kind,
		Trigger:  trigger,
		Decision: tr.Decision,
		Terminal: to.IsTerminal(),
	}, nil
}

// mergedData overlays input on top of data without mutating either.
func mergedData(data, input map[string]any) map[string]any {
	if len(input) == 0 {
		return data
	}
	merged := make(map[string]any, len(data)+len(input))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range input {
		merged[k] = v
	}
	return merged
}
