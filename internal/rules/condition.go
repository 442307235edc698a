// Package rules evaluates definition predicates (routing conditions,
// transition guards, bypass/delegation predicates, and condition-based
// escalation triggers) against instance data and actor context.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/assent/model"
)

// Evaluator evaluates model.Condition predicates. The zero value is ready
// for use and safe for concurrent callers.
type Evaluator struct {
	// ScriptTimeout bounds JavaScript condition execution. Zero applies
	// the package default.
	ScriptTimeout time.Duration
}

// Eval evaluates a condition against instance data and actor context. A nil
// or empty condition evaluates true (an unconditional match). Exactly one of
// Expr or Script must be set; definitions that violate this are rejected at
// publish time.
func (e *Evaluator) Eval(cond *model.Condition, data map[string]any, actor *model.ActorContext) (bool, error) {
	if cond.IsZero() {
		return true, nil
	}
	if cond.Expr != "" && cond.Script != "" {
		return false, fmt.Errorf("condition has both expr and script")
	}
	if cond.Script != "" {
		return e.evalScript(cond.Script, data, actor)
	}
	return evalExpr(cond.Expr, data, actor)
}

// Comparison operators, longest first so "<=" is matched before "<".
var operators = []string{"==", "!=", "<=", ">=", "<", ">", " contains "}

// evalExpr evaluates a built-in comparison expression of the form
// "operand op operand". Operands resolve against:
//
//   - data.field / data.nested.field: instance data
//   - actor.subject / actor.email: acting identity
//   - actor.roles: role list (use with contains)
//   - 'literal': single-quoted string literal
//   - 123 / 99.99 / true / false: typed literals
//
// Missing data fields are not errors for equality tests: a missing field
// never equals anything and always differs. Ordered comparisons against a
// missing field fail with an error so misconfigured rules surface instead
// of silently matching.
func evalExpr(expr string, data map[string]any, actor *model.ActorContext) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty expression")
	}

	for _, op := range operators {
		idx := indexOperator(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		if left == "" || right == "" {
			return false, fmt.Errorf("invalid expression %q: missing operand", expr)
		}
		return compare(strings.TrimSpace(op), left, right, data, actor)
	}

	return false, fmt.Errorf("invalid expression %q: no operator", expr)
}

// indexOperator finds op outside of single-quoted literals.
func indexOperator(expr, op string) int {
	inQuote := false
	for i := 0; i+len(op) <= len(expr); i++ {
		if expr[i] == '\'' {
			inQuote = !inQuote
			continue
		}
		if !inQuote && expr[i:i+len(op)] == op {
			return i
		}
	}
	return -1
}

func compare(op, left, right string, data map[string]any, actor *model.ActorContext) (bool, error) {
	lv, lok, err := resolveOperand(left, data, actor)
	if err != nil {
		return false, err
	}
	rv, rok, err := resolveOperand(right, data, actor)
	if err != nil {
		return false, err
	}

	switch op {
	case "==":
		if !lok || !rok {
			return false, nil
		}
		return equal(lv, rv), nil
	case "!=":
		if !lok || !rok {
			return true, nil
		}
		return !equal(lv, rv), nil
	case "contains":
		if !lok {
			return false, nil
		}
		return contains(lv, rv)
	case "<", "<=", ">", ">=":
		if !lok {
			return false, fmt.Errorf("operand %q not found", left)
		}
		if !rok {
			return false, fmt.Errorf("operand %q not found", right)
		}
		return ordered(op, lv, rv)
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// resolveOperand resolves a single operand. The second return reports
// whether the operand produced a value (data fields may be absent).
func resolveOperand(s string, data map[string]any, actor *model.ActorContext) (any, bool, error) {
	// Literal string: single-quoted.
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1], true, nil
	}
	switch s {
	case "true":
		return true, true, nil
	case "false":
		return false, true, nil
	}
	if isNumericLiteral(s) {
		v, err := parseNumeric(s)
		return v, err == nil, err
	}

	dotIdx := strings.IndexByte(s, '.')
	if dotIdx < 0 {
		return nil, false, fmt.Errorf("invalid operand %q: missing source prefix", s)
	}
	prefix := s[:dotIdx]
	path := s[dotIdx+1:]
	if path == "" {
		return nil, false, fmt.Errorf("invalid operand %q: empty path after prefix", s)
	}

	switch prefix {
	case "data":
		if data == nil {
			return nil, false, nil
		}
		v := navigatePath(data, path)
		return v, v != nil, nil
	case "actor":
		return resolveActor(path, actor)
	default:
		return nil, false, fmt.Errorf("unknown operand prefix %q in %q", prefix, s)
	}
}

func resolveActor(field string, actor *model.ActorContext) (any, bool, error) {
	if actor == nil {
		return nil, false, nil
	}
	switch field {
	case "subject":
		return actor.Subject, true, nil
	case "email":
		return actor.Email, true, nil
	case "roles":
		return actor.Roles, true, nil
	default:
		return nil, false, fmt.Errorf("unknown actor field %q", field)
	}
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// equal compares two values, numerically when both sides coerce to numbers.
func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// ordered compares two values under <, <=, > or >=. Both sides must be
// numeric, or both strings (compared lexicographically).
func ordered(op string, a, b any) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case "<":
			return af < bf, nil
		case "<=":
			return af <= bf, nil
		case ">":
			return af > bf, nil
		case ">=":
			return af >= bf, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	return false, fmt.Errorf("cannot order %T against %T", a, b)
}

// contains tests substring membership for strings and element membership
// for slices.
func contains(container, elem any) (bool, error) {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, fmt.Sprintf("%v", elem)), nil
	case []string:
		want := fmt.Sprintf("%v", elem)
		for _, v := range c {
			if v == want {
				return true, nil
			}
		}
		return false, nil
	case []any:
		for _, v := range c {
			if equal(v, elem) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("contains requires a string or list container, got %T", container)
}

// toFloat coerces the numeric types that appear in decoded YAML/JSON data.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// isNumericLiteral returns true if the string looks like a number.
func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseNumeric parses a numeric string literal.
func parseNumeric(s string) (any, error) {
	if strings.ContainsRune(s, '.') {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}

// ValidateExpr checks that an expression parses: it has an operator and
// both operands are well-formed. Used by the definition validator so broken
// rules are rejected at publish time rather than at evaluation time.
func ValidateExpr(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("empty expression")
	}
	for _, op := range operators {
		idx := indexOperator(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		if left == "" || right == "" {
			return fmt.Errorf("invalid expression %q: missing operand", expr)
		}
		if err := validateOperand(left); err != nil {
			return err
		}
		return validateOperand(right)
	}
	return fmt.Errorf("invalid expression %q: no operator", expr)
}

func validateOperand(s string) error {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return nil
	}
	if s == "true" || s == "false" || isNumericLiteral(s) {
		return nil
	}
	dotIdx := strings.IndexByte(s, '.')
	if dotIdx < 0 {
		return fmt.Errorf("invalid operand %q: missing source prefix", s)
	}
	prefix := s[:dotIdx]
	if prefix != "data" && prefix != "actor" {
		return fmt.Errorf("unknown operand prefix %q in %q", prefix, s)
	}
	if s[dotIdx+1:] == "" {
		return fmt.Errorf("invalid operand %q: empty path after prefix", s)
	}
	return nil
}
