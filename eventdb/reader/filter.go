package reader

import (
	"strconv"
	"strings"
)

// Filter operators. eq/neq compare string-coerced values, the string
// operators are case-insensitive, the ordering operators require
// numerics on both sides and in requires a list value.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpIn         = "in"
)

type Filter struct {
	Attribute string      `json:"attribute"`
	Operator  string      `json:"operator"`
	Value     interface{} `json:"value"`
}

// Match evaluates the filter against a column value. present is false
// when the attribute does not exist or is null on the row; every
// operator then yields false except neq, which yields true.
func (f Filter) Match(v interface{}, present bool) bool {
	if !present {
		return f.Operator == OpNeq
	}

	switch f.Operator {
	case OpEq:
		return valueString(v) == valueString(f.Value)
	case OpNeq:
		return valueString(v) != valueString(f.Value)
	case OpContains:
		s, ok1 := v.(string)
		sub, ok2 := f.Value.(string)
		return ok1 && ok2 && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	case OpStartsWith:
		s, ok1 := v.(string)
		pre, ok2 := f.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(strings.ToLower(s), strings.ToLower(pre))
	case OpGt, OpGte, OpLt, OpLte:
		a, ok1 := valueNumber(v)
		b, ok2 := valueNumber(f.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch f.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		for _, candidate := range valueList(f.Value) {
			if valueString(v) == valueString(candidate) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MatchEvent evaluates every filter (AND semantics) against a value
// lookup function.
func MatchAll(filters []Filter, lookup func(attr string) (interface{}, bool)) bool {
	for _, f := range filters {
		v, ok := lookup(f.Attribute)
		if !f.Match(v, ok) {
			return false
		}
	}
	return true
}

func valueString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func valueNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func valueList(v interface{}) []interface{} {
	switch t := v.(type) {
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}
