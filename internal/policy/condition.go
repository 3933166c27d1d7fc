package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mcp-router/gateway/internal/store"
)

// EvalContext is the context a rule is evaluated against (spec §4.4).
type EvalContext struct {
	ClientID     string
	ServerID     string
	WorkspaceID  string
	ResourceType store.ResourceType
	ResourceName string
	Metadata     map[string]any
}

// fieldValue resolves a condition's field from direct context keys or from
// metadata.<path> (spec §4.4 step 4).
func (c EvalContext) fieldValue(field string) (any, bool) {
	switch field {
	case "clientId":
		return c.ClientID, true
	case "serverId":
		return c.ServerID, true
	case "workspaceId":
		return c.WorkspaceID, true
	case "resourceType":
		return string(c.ResourceType), true
	case "resourceName":
		return c.ResourceName, true
	}
	const prefix = "metadata."
	if strings.HasPrefix(field, prefix) {
		return lookupDotted(c.Metadata, strings.TrimPrefix(field, prefix))
	}
	return nil, false
}

func lookupDotted(m map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = m
	for _, seg := range segments {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// evalConditions ANDs every condition (spec §4.4 step 4). A condition whose
// field is absent from the context fails (conservative: absent ≠ match).
func evalConditions(ctx EvalContext, conditions []store.Condition) bool {
	for _, cond := range conditions {
		val, ok := ctx.fieldValue(cond.Field)
		if !ok {
			return false
		}
		if !evalOperator(cond.Operator, val, cond.Value) {
			return false
		}
	}
	return true
}

func evalOperator(op store.ConditionOperator, actual, expected any) bool {
	switch op {
	case store.OpEquals:
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case store.OpContains:
		return strings.Contains(fmt.Sprint(actual), fmt.Sprint(expected))
	case store.OpMatches:
		re, err := regexp.Compile(fmt.Sprint(expected))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(actual))
	case store.OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a > b
	case store.OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a < b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
