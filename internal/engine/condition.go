package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/triage-ai/arbiter/internal/model"
)

// Operator is one member of the closed match vocabulary.
type Operator int

const (
	OpEquals Operator = iota + 1
	OpExists
	OpGT
	OpGTE
	OpLT
	OpLTE
	OpIn
)

// String returns the operator's wire name (without the "$" prefix).
func (o Operator) String() string {
	switch o {
	case OpEquals:
		return "eq"
	case OpExists:
		return "exists"
	case OpGT:
		return "gt"
	case OpGTE:
		return "gte"
	case OpLT:
		return "lt"
	case OpLTE:
		return "lte"
	case OpIn:
		return "in"
	default:
		return "unspecified"
	}
}

// operatorKeys maps "$op" keys in a match expression to operators.
var operatorKeys = map[string]Operator{
	"$eq":     OpEquals,
	"$exists": OpExists,
	"$gt":     OpGT,
	"$gte":    OpGTE,
	"$lt":     OpLT,
	"$lte":    OpLTE,
	"$in":     OpIn,
}

// Condition is a single compiled test of one context field.
type Condition struct {
	Path    string
	Op      Operator
	Operand any

	segments []string
}

// ParseConditions compiles a rule's match mapping.
//
// A value is an operator expression when it is an object whose keys all start
// with "$"; several operators in one expression are ANDed. Any other value is
// compared for equality. The result is ordered by path, then operator, so
// evaluation never depends on map iteration order.
func ParseConditions(match map[string]any) ([]Condition, error) {
	conds := make([]Condition, 0, len(match))
	for path, raw := range match {
		segments, err := splitPath(path)
		if err != nil {
			return nil, err
		}

		expr, isExpr := operatorExpression(raw)
		if !isExpr {
			conds = append(conds, Condition{Path: path, Op: OpEquals, Operand: normalize(raw), segments: segments})
			continue
		}

		for key, operand := range expr {
			op, ok := operatorKeys[key]
			if !ok {
				if strings.HasPrefix(key, "$") {
					return nil, model.Validationf("match[%q]: unknown operator %q", path, key)
				}
				return nil, model.Validationf("match[%q]: cannot mix operator and literal keys", path)
			}
			c, err := newCondition(path, segments, op, operand)
			if err != nil {
				return nil, err
			}
			conds = append(conds, c)
		}
	}

	sort.Slice(conds, func(i, j int) bool {
		if conds[i].Path != conds[j].Path {
			return conds[i].Path < conds[j].Path
		}
		return conds[i].Op < conds[j].Op
	})
	return conds, nil
}

func newCondition(path string, segments []string, op Operator, operand any) (Condition, error) {
	c := Condition{Path: path, Op: op, segments: segments}
	switch op {
	case OpEquals:
		c.Operand = normalize(operand)
	case OpExists:
		b, ok := operand.(bool)
		if !ok {
			return c, model.Validationf("match[%q]: $exists requires a boolean", path)
		}
		c.Operand = b
	case OpGT, OpGTE, OpLT, OpLTE:
		f, ok := toFloat(operand)
		if !ok {
			return c, model.Validationf("match[%q]: $%s requires a number", path, op)
		}
		c.Operand = f
	case OpIn:
		list, ok := operand.([]any)
		if !ok {
			return c, model.Validationf("match[%q]: $in requires a list", path)
		}
		c.Operand = normalize(list)
	}
	return c, nil
}

// operatorExpression reports whether v is an object whose keys all look like operators.
// An object with a mix of "$" and plain keys is still treated as an expression so
// that ParseConditions can reject it.
func operatorExpression(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return m, true
		}
	}
	return nil, false
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, model.Validationf("match: empty field path")
	}
	segments := strings.Split(path, ".")
	for _, s := range segments {
		if s == "" {
			return nil, model.Validationf("match[%q]: empty path segment", path)
		}
	}
	return segments, nil
}

// Eval tests the condition against ctx and reports the outcome.
func (c Condition) Eval(ctx map[string]any) model.MatchDetail {
	actual, present := lookup(ctx, c.segments)
	detail := model.MatchDetail{
		Field:    c.Path,
		Operator: c.Op.String(),
		Expected: c.Operand,
		Actual:   actual,
		Present:  present,
	}

	switch c.Op {
	case OpEquals:
		detail.Satisfied = present && equalValues(actual, c.Operand)
	case OpExists:
		detail.Satisfied = present == c.Operand.(bool)
	case OpGT, OpGTE, OpLT, OpLTE:
		if !present {
			break
		}
		got, ok := toFloat(actual)
		if !ok {
			break
		}
		want := c.Operand.(float64)
		switch c.Op {
		case OpGT:
			detail.Satisfied = got > want
		case OpGTE:
			detail.Satisfied = got >= want
		case OpLT:
			detail.Satisfied = got < want
		case OpLTE:
			detail.Satisfied = got <= want
		}
	case OpIn:
		if !present {
			break
		}
		for _, candidate := range c.Operand.([]any) {
			if equalValues(actual, candidate) {
				detail.Satisfied = true
				break
			}
		}
	}
	return detail
}

// describe renders an unsatisfied condition for a rule evaluation reason.
func describe(d model.MatchDetail) string {
	if d.Operator == OpExists.String() {
		if d.Present {
			return fmt.Sprintf("field %q is present, expected absent", d.Field)
		}
		return fmt.Sprintf("field %q is absent, expected present", d.Field)
	}
	if !d.Present {
		return fmt.Sprintf("field %q is missing", d.Field)
	}
	return fmt.Sprintf("field %q: %s %v not satisfied by %v", d.Field, d.Operator, d.Expected, d.Actual)
}

func lookup(ctx map[string]any, segments []string) (any, bool) {
	var cur any = ctx
	for _, s := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// normalize converts every number in a JSON-shaped value to float64 so that
// 4, int64(4) and 4.0 compare equal.
func normalize(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
