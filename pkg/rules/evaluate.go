package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type RuleStatus string

const (
	TrueRuleStatus          RuleStatus = "TRUE"
	FalseRuleStatus         RuleStatus = "FALSE"
	NotEnoughDataRuleStatus RuleStatus = "NOT_ENOUGH_DATA"
)

// Result is the outcome of evaluating one rule. NOT_ENOUGH_DATA is a
// first-class outcome, not an error: it carries the variables that could not
// be resolved so the caller can supply them and retry.
type Result struct {
	Status           RuleStatus `json:"status"`
	MissingVariables []string   `json:"missing_variables,omitempty"`
}

// sigil is the prefix conventionally carried by declared datasource variable
// names. It is stripped from data keys and rule references alike before the
// two are matched up.
const sigil = "$"

// Evaluate evaluates a serialized expression tree against input data. Input
// and extraArgs are merged (callers must not pass overlapping keys), keys are
// dot-paths ("patient.age"), and the rule is never evaluated while any of its
// declared variables is missing or null.
func Evaluate(rule string, extraArgs, input map[string]any) (Result, error) {
	merged := make(map[string]any, len(input)+len(extraArgs))
	for k, v := range input {
		merged[strings.TrimPrefix(k, sigil)] = v
	}
	for k, v := range extraArgs {
		merged[strings.TrimPrefix(k, sigil)] = v
	}

	tree, err := ParseRule(rule)
	if err != nil {
		return Result{}, err
	}
	tree = stripSigils(tree)

	vars := make(map[string]struct{})
	collectVariables(tree, vars)

	nested := Unflatten(merged)
	var missing []string
	for v := range vars {
		if val, ok := walkPath(nested, v); !ok || val == nil {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Result{Status: NotEnoughDataRuleStatus, MissingVariables: missing}, nil
	}

	value, err := apply(tree, nested)
	if err != nil {
		return Result{}, err
	}
	if truthy(value) {
		return Result{Status: TrueRuleStatus}, nil
	}
	return Result{Status: FalseRuleStatus}, nil
}

// stripSigils rewrites variable names inside the tree so "$patient.age" and
// "patient.age" address the same data.
func stripSigils(node any) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for key, val := range n {
			if key == "var" {
				switch v := val.(type) {
				case string:
					out[key] = strings.TrimPrefix(v, sigil)
					continue
				case []any:
					if len(v) > 0 {
						if name, ok := v[0].(string); ok {
							rewritten := append([]any{strings.TrimPrefix(name, sigil)}, v[1:]...)
							out[key] = rewritten
							continue
						}
					}
				}
			}
			out[key] = stripSigils(val)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = stripSigils(item)
		}
		return out
	default:
		return node
	}
}

// Flatten converts a nested map into a flat dot-keyed map. It is the inverse
// of Unflatten for maps whose keys contain no dots.
func Flatten(nested map[string]any) map[string]any {
	flat := make(map[string]any)
	flattenInto("", nested, flat)
	return flat
}

func flattenInto(prefix string, nested map[string]any, flat map[string]any) {
	for k, v := range nested {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok {
			flattenInto(key, m, flat)
			continue
		}
		flat[key] = v
	}
}

// Unflatten converts a flat dot-keyed map ("patient.age": 30) into a nested
// map ({"patient": {"age": 30}}). A scalar already occupying an intermediate
// segment is displaced by the nested map.
func Unflatten(flat map[string]any) map[string]any {
	nested := make(map[string]any)
	for key, val := range flat {
		segments := strings.Split(key, ".")
		cursor := nested
		for _, seg := range segments[:len(segments)-1] {
			next, ok := cursor[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cursor[seg] = next
			}
			cursor = next
		}
		cursor[segments[len(segments)-1]] = val
	}
	return nested
}

// walkPath dot-walks a nested map; the second return is false when any
// segment is absent or a non-map stands where more path remains.
func walkPath(nested map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = nested
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// apply evaluates an expression tree node against resolved data.
func apply(node any, data map[string]any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		for op, raw := range n {
			return applyOperator(op, raw, data)
		}
		return nil, &MalformedRuleError{Reason: "empty operator object"}
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			v, err := apply(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return node, nil
	}
}

func applyOperator(op string, raw any, data map[string]any) (any, error) {
	if op == "var" {
		return applyVar(raw, data)
	}
	if op == "if" {
		return applyIf(raw, data)
	}

	args, err := evalArgs(raw, data)
	if err != nil {
		return nil, err
	}

	switch op {
	case "==":
		return looseEquals(arg(args, 0), arg(args, 1)), nil
	case "!=":
		return !looseEquals(arg(args, 0), arg(args, 1)), nil
	case ">", ">=", "<", "<=":
		return compareChain(op, args)
	case "!", "not":
		return !truthy(arg(args, 0)), nil
	case "and":
		var last any = true
		for _, a := range args {
			if !truthy(a) {
				return a, nil
			}
			last = a
		}
		return last, nil
	case "or":
		var last any = false
		for _, a := range args {
			if truthy(a) {
				return a, nil
			}
			last = a
		}
		return last, nil
	case "in":
		return contains(arg(args, 1), arg(args, 0)), nil
	case "+", "-", "*", "/", "min", "max":
		return arithmetic(op, args)
	default:
		return nil, &MalformedRuleError{Reason: fmt.Sprintf("unknown operator %q", op)}
	}
}

func applyVar(raw any, data map[string]any) (any, error) {
	name := ""
	var fallback any
	switch v := raw.(type) {
	case string:
		name = v
	case []any:
		if len(v) > 0 {
			s, ok := v[0].(string)
			if !ok {
				return nil, &MalformedRuleError{Reason: "var name must be a string"}
			}
			name = s
		}
		if len(v) > 1 {
			fallback = v[1]
		}
	default:
		return nil, &MalformedRuleError{Reason: "var takes a string or [string, default]"}
	}
	if val, ok := walkPath(data, name); ok && val != nil {
		return val, nil
	}
	return fallback, nil
}

func applyIf(raw any, data map[string]any) (any, error) {
	clauses, ok := raw.([]any)
	if !ok {
		return nil, &MalformedRuleError{Reason: "if takes an argument array"}
	}
	// [cond, then, cond, then, ..., else?]
	i := 0
	for ; i+1 < len(clauses); i += 2 {
		cond, err := apply(clauses[i], data)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return apply(clauses[i+1], data)
		}
	}
	if i < len(clauses) {
		return apply(clauses[i], data)
	}
	return nil, nil
}

func evalArgs(raw any, data map[string]any) ([]any, error) {
	items, ok := raw.([]any)
	if !ok {
		items = []any{raw}
	}
	out := make([]any, len(items))
	for i, item := range items {
		v, err := apply(item, data)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func compareChain(op string, args []any) (any, error) {
	if len(args) < 2 {
		return nil, &MalformedRuleError{Reason: fmt.Sprintf("%q needs at least two arguments", op)}
	}
	for i := 0; i+1 < len(args); i++ {
		a, aok := toFloat(args[i])
		b, bok := toFloat(args[i+1])
		if !aok || !bok {
			return nil, &MalformedRuleError{Reason: fmt.Sprintf("%q compares numbers, got %T and %T", op, args[i], args[i+1])}
		}
		var ok bool
		switch op {
		case ">":
			ok = a > b
		case ">=":
			ok = a >= b
		case "<":
			ok = a < b
		case "<=":
			ok = a <= b
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func arithmetic(op string, args []any) (any, error) {
	nums := make([]float64, len(args))
	for i, a := range args {
		n, ok := toFloat(a)
		if !ok {
			return nil, &MalformedRuleError{Reason: fmt.Sprintf("%q takes numbers, got %T", op, a)}
		}
		nums[i] = n
	}
	if len(nums) == 0 {
		return nil, &MalformedRuleError{Reason: fmt.Sprintf("%q needs arguments", op)}
	}
	if len(nums) == 1 && op == "-" {
		return -nums[0], nil
	}
	acc := nums[0]
	for _, n := range nums[1:] {
		switch op {
		case "+":
			acc += n
		case "-":
			acc -= n
		case "*":
			acc *= n
		case "/":
			acc /= n
		case "min":
			if n < acc {
				acc = n
			}
		case "max":
			if n > acc {
				acc = n
			}
		}
	}
	return acc, nil
}

func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// truthy follows JSON conventions: null, false, 0, "", and empty arrays are
// falsy; everything else is truthy.
func truthy(v any) bool {
	switch n := v.(type) {
	case nil:
		return false
	case bool:
		return n
	case string:
		return n != ""
	case []any:
		return len(n) > 0
	case time.Time:
		return !n.IsZero()
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}
