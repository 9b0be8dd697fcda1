package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/petrijr/nodeflow/pkg/api"
)

// FieldMatcher evaluates guards of the form
//
//	<path> <op> <value>
//
// where path is a gjson path into the instance state, op is one of
// == != > < >= <= contains, and value is a JSON literal or a bare word.
// The unary forms "<path> exists" and "<path> !exists" test presence, and a
// lone path tests truthiness.
type FieldMatcher struct{}

// NewFieldMatcher returns a FieldMatcher.
func NewFieldMatcher() FieldMatcher { return FieldMatcher{} }

var _ api.ConditionEvaluator = FieldMatcher{}

var fieldExpr = regexp.MustCompile(`^\s*(\S+?)\s*(==|!=|>=|<=|>|<|\s+contains\s+|\s+!?exists\s*$)\s*(.*?)\s*$`)

func (FieldMatcher) Evaluate(ctx context.Context, expression string, state api.StateData) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	doc, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("%w: encode state: %w", api.ErrConditionEvaluation, err)
	}

	expr := strings.TrimSpace(expression)
	if expr == "" {
		return false, fmt.Errorf("%w: empty expression", api.ErrConditionEvaluation)
	}

	m := fieldExpr.FindStringSubmatch(expr)
	if m == nil {
		if strings.ContainsAny(expr, " \t") {
			return false, fmt.Errorf("%w: malformed field match %q", api.ErrConditionEvaluation, expression)
		}
		return truthy(gjson.GetBytes(doc, expr)), nil
	}

	path, op, raw := m[1], strings.TrimSpace(m[2]), m[3]
	got := gjson.GetBytes(doc, path)

	switch op {
	case "exists":
		return got.Exists(), nil
	case "!exists":
		return !got.Exists(), nil
	}

	if raw == "" {
		return false, fmt.Errorf("%w: %q has no operand", api.ErrConditionEvaluation, expression)
	}
	want := literal(raw)

	switch op {
	case "==":
		return equal(got, want), nil
	case "!=":
		return got.Exists() && !equal(got, want), nil
	case "contains":
		if got.IsArray() {
			for _, item := range got.Array() {
				if equal(item, want) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(got.String(), want.String()), nil
	}

	if !got.Exists() {
		return false, nil
	}
	c, ok := compare(got, want)
	if !ok {
		return false, fmt.Errorf("%w: cannot order %s against %s in %q",
			api.ErrConditionEvaluation, got.Type, want.Type, expression)
	}
	switch op {
	case ">":
		return c > 0, nil
	case "<":
		return c < 0, nil
	case ">=":
		return c >= 0, nil
	default:
		return c <= 0, nil
	}
}

// literal parses raw as JSON, treating anything else as a bare string.
func literal(raw string) gjson.Result {
	if gjson.Valid(raw) {
		return gjson.Parse(raw)
	}
	return gjson.Result{Type: gjson.String, Str: raw, Raw: strconv.Quote(raw)}
}

func equal(a, b gjson.Result) bool {
	if !a.Exists() {
		return b.Type == gjson.Null
	}
	if a.Type == gjson.Number && b.Type == gjson.Number {
		return a.Float() == b.Float()
	}
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case gjson.String:
		return a.Str == b.Str
	case gjson.True, gjson.False, gjson.Null:
		return true
	default:
		return a.Raw == b.Raw
	}
}

func compare(a, b gjson.Result) (int, bool) {
	switch {
	case a.Type == gjson.Number && b.Type == gjson.Number:
		af, bf := a.Float(), b.Float()
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	case a.Type == gjson.String && b.Type == gjson.String:
		return strings.Compare(a.Str, b.Str), true
	}
	return 0, false
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return r.Float() != 0
	case gjson.String:
		return r.Str != ""
	case gjson.JSON:
		return true
	default:
		return false
	}
}
