package flow

import (
	"fmt"
	"strings"
)

const conditionDefault = "default"

const containsOp = ".contains:"

func isFallbackCondition(cond string) bool {
	cond = strings.TrimSpace(cond)
	return cond == "" || cond == conditionDefault
}

// evaluateCondition resolves an edge condition against execution state.
//
// Supported forms:
//
//	last==VALUE                 last!=VALUE
//	last.contains:VALUE
//	output.NODE.PATH==VALUE     output.NODE.PATH!=VALUE
//	output.NODE.PATH.contains:VALUE
//	values.KEY==VALUE           values.KEY!=VALUE
//
// PATH traverses nested map[string]any payloads. A selector that does
// not resolve makes the condition false rather than failing the run.
func evaluateCondition(cond string, state *State) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}

	if idx := strings.Index(cond, containsOp); idx >= 0 {
		value, ok, err := resolveSelector(cond[:idx], state)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		return strings.Contains(conditionString(value), cond[idx+len(containsOp):]), nil
	}

	if parts := strings.SplitN(cond, "!=", 2); len(parts) == 2 {
		value, ok, err := resolveSelector(parts[0], state)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		return conditionString(value) != strings.TrimSpace(parts[1]), nil
	}

	if parts := strings.SplitN(cond, "==", 2); len(parts) == 2 {
		value, ok, err := resolveSelector(parts[0], state)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		return conditionString(value) == strings.TrimSpace(parts[1]), nil
	}

	return false, fmt.Errorf("unsupported condition %q", cond)
}

// validateCondition checks condition syntax without evaluating it.
func validateCondition(cond string) error {
	cond = strings.TrimSpace(cond)
	if isFallbackCondition(cond) {
		return nil
	}

	var selector string
	switch {
	case strings.Contains(cond, containsOp):
		selector = cond[:strings.Index(cond, containsOp)]
	case strings.Contains(cond, "!="):
		selector = strings.SplitN(cond, "!=", 2)[0]
	case strings.Contains(cond, "=="):
		selector = strings.SplitN(cond, "==", 2)[0]
	default:
		return fmt.Errorf("unsupported condition %q", cond)
	}

	parts := strings.Split(strings.TrimSpace(selector), ".")
	switch parts[0] {
	case "last":
		if len(parts) > 1 {
			return fmt.Errorf("unsupported selector %q", selector)
		}
	case "output", "values":
		if len(parts) < 2 {
			return fmt.Errorf("selector %q requires a key", selector)
		}
	default:
		return fmt.Errorf("unsupported selector %q", selector)
	}
	return nil
}

func resolveSelector(selector string, state *State) (any, bool, error) {
	parts := strings.Split(strings.TrimSpace(selector), ".")
	switch parts[0] {
	case "last":
		if len(parts) > 1 {
			return nil, false, fmt.Errorf("unsupported selector %q", selector)
		}
		return state.Last, true, nil
	case "output":
		if len(parts) < 2 {
			return nil, false, fmt.Errorf("selector %q requires a node id", selector)
		}
		value, ok := state.Outputs[parts[1]]
		if !ok {
			return nil, false, nil
		}
		return traversePath(value, parts[2:])
	case "values":
		if len(parts) < 2 {
			return nil, false, fmt.Errorf("selector %q requires a key", selector)
		}
		value, ok := state.Values[parts[1]]
		if !ok {
			return nil, false, nil
		}
		return traversePath(value, parts[2:])
	}
	return nil, false, fmt.Errorf("unsupported selector %q", selector)
}

func traversePath(value any, path []string) (any, bool, error) {
	for _, key := range path {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		value, ok = m[key]
		if !ok {
			return nil, false, nil
		}
	}
	return value, true, nil
}

func conditionString(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
