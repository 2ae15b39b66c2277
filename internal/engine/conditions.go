package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/trackroute/trackroute/internal/model"
)

// EvaluateConditions folds conditions left to right. The accumulator starts
// true with AND; each condition is combined using the logic carried by the
// previous condition, then its own logic is kept for the next step.
// An empty list is true.
func EvaluateConditions(conds []model.Condition, fields map[string]any) bool {
	result := true
	logic := model.LogicAnd

	for _, c := range conds {
		value := evaluateCondition(c, fields)
		if logic == model.LogicOr {
			result = result || value
		} else {
			result = result && value
		}

		logic = c.Logic
		if logic == "" {
			logic = model.LogicAnd
		}
	}

	return result
}

func evaluateCondition(c model.Condition, fields map[string]any) bool {
	raw, ok := lookupField(fields, c.Field)
	if !ok {
		return c.Operator == model.OpNotEquals || c.Operator == model.OpNotIn
	}
	actual := stringify(raw)

	switch c.Operator {
	case model.OpEquals:
		return equalFold(actual, c.Value, c.CaseSensitive)
	case model.OpNotEquals:
		return !equalFold(actual, c.Value, c.CaseSensitive)
	case model.OpContains:
		a, v := fold(actual, c.Value, c.CaseSensitive)
		return strings.Contains(a, v)
	case model.OpStartsWith:
		a, v := fold(actual, c.Value, c.CaseSensitive)
		return strings.HasPrefix(a, v)
	case model.OpEndsWith:
		a, v := fold(actual, c.Value, c.CaseSensitive)
		return strings.HasSuffix(a, v)
	case model.OpRegex:
		return matchRegex(c.Value, actual, c.CaseSensitive)
	case model.OpGreaterThan, model.OpLessThan:
		a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		v, errV := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if errA != nil || errV != nil {
			return false
		}
		if c.Operator == model.OpGreaterThan {
			return a > v
		}
		return a < v
	case model.OpIn:
		return containsFold(c.Values, actual, c.CaseSensitive)
	case model.OpNotIn:
		return !containsFold(c.Values, actual, c.CaseSensitive)
	}
	return false
}

// lookupField walks a dot path through nested maps. It stops at the first
// missing or non-map ancestor.
func lookupField(fields map[string]any, path string) (any, bool) {
	var current any = fields
	for _, part := range strings.Split(path, ".") {
		switch m := current.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func fold(a, b string, caseSensitive bool) (string, string) {
	if caseSensitive {
		return a, b
	}
	return strings.ToLower(a), strings.ToLower(b)
}

func equalFold(a, b string, caseSensitive bool) bool {
	if caseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

func containsFold(values []string, s string, caseSensitive bool) bool {
	for _, v := range values {
		if equalFold(v, s, caseSensitive) {
			return true
		}
	}
	return false
}

// conditionPatterns caches compiled condition regexes by their final source,
// case flag included. Malformed patterns are stored as a nil *regexp.Regexp.
var conditionPatterns sync.Map

// matchRegex treats malformed patterns as non-matching.
func matchRegex(pattern, s string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re := compileCondition(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(s)
}

func compileCondition(pattern string) *regexp.Regexp {
	if cached, ok := conditionPatterns.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	conditionPatterns.Store(pattern, re)
	return re
}
