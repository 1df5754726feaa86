package rules

import (
	"encoding/json"
	"fmt"
)

// MalformedRuleError reports rule text that is not a valid expression tree:
// not JSON at all, or a JSON scalar.
type MalformedRuleError struct {
	Reason string
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("malformed rule: %s", e.Reason)
}

// ExtractVariables returns the set of distinct variable references used
// anywhere in the serialized expression tree, recursively. A variable node is
// {"var": name} or {"var": [name, default]}; the default is not a reference.
func ExtractVariables(rule string) (map[string]struct{}, error) {
	tree, err := ParseRule(rule)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]struct{})
	collectVariables(tree, vars)
	return vars, nil
}

// ParseRule parses rule text into its expression tree. Only JSON objects and
// arrays are valid trees.
func ParseRule(rule string) (any, error) {
	var tree any
	if err := json.Unmarshal([]byte(rule), &tree); err != nil {
		return nil, &MalformedRuleError{Reason: err.Error()}
	}
	switch tree.(type) {
	case map[string]any, []any:
		return tree, nil
	default:
		return nil, &MalformedRuleError{Reason: "expression must be a JSON object or array"}
	}
}

func collectVariables(node any, out map[string]struct{}) {
	switch n := node.(type) {
	case map[string]any:
		for key, val := range n {
			if key == "var" {
				switch v := val.(type) {
				case string:
					out[v] = struct{}{}
				case []any:
					if len(v) > 0 {
						if name, ok := v[0].(string); ok {
							out[name] = struct{}{}
						}
					}
				}
				continue
			}
			collectVariables(val, out)
		}
	case []any:
		for _, item := range n {
			collectVariables(item, out)
		}
	}
}

// ValidateRuleSyntax reports whether the rule text parses and its variables
// can be extracted. It makes no judgement about operator semantics.
func ValidateRuleSyntax(rule string) bool {
	_, err := ExtractVariables(rule)
	return err == nil
}
