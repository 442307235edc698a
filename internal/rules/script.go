package rules

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/pitabwire/assent/model"
)

// defaultScriptTimeout bounds a single script condition evaluation. Scripts
// are small boolean expressions; anything running this long is broken.
const defaultScriptTimeout = 250 * time.Millisecond

// evalScript evaluates a JavaScript condition with {data, actor} bindings.
// The script must yield a boolean; undefined and null evaluate false. A
// fresh VM per call keeps evaluations isolated and the Evaluator safe for
// concurrent use.
func (e *Evaluator) evalScript(script string, data map[string]any, actor *model.ActorContext) (result bool, err error) {
	vm := goja.New()

	if data == nil {
		data = map[string]any{}
	}
	if err := vm.Set("data", data); err != nil {
		return false, fmt.Errorf("binding data: %w", err)
	}
	if err := vm.Set("actor", actorBindings(actor)); err != nil {
		return false, fmt.Errorf("binding actor: %w", err)
	}

	timeout := defaultScriptTimeout
	if e.ScriptTimeout > 0 {
		timeout = e.ScriptTimeout
	}
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("condition script timed out")
	})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			result = false
			err = fmt.Errorf("condition script panicked: %v", r)
		}
	}()

	val, err := vm.RunString(script)
	if err != nil {
		return false, fmt.Errorf("evaluating condition script: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return false, nil
	}
	b, ok := val.Export().(bool)
	if !ok {
		return false, fmt.Errorf("condition script returned %T, want boolean", val.Export())
	}
	return b, nil
}

// actorBindings exposes a read-only view of the actor to scripts.
func actorBindings(actor *model.ActorContext) map[string]any {
	if actor == nil {
		return map[string]any{"subject": "", "email": "", "roles": []string{}}
	}
	roles := actor.Roles
	if roles == nil {
		roles = []string{}
	}
	return map[string]any{
		"subject": actor.Subject,
		"email":   actor.Email,
		"roles":   roles,
	}
}
