package engine

import (
	"regexp"
	"testing"

	"github.com/trackroute/trackroute/internal/model"
)

func cond(truth bool, logic model.Logic) model.Condition {
	value := "no"
	if truth {
		value = "yes"
	}
	return model.Condition{Field: "flag", Operator: model.OpEquals, Value: value, Logic: logic}
}

func TestEvaluateConditions_LeftFold(t *testing.T) {
	t.Parallel()

	const (
		T     = true
		F     = false
		AND   = model.LogicAnd
		OR    = model.LogicOr
		unset = model.Logic("")
	)
	fields := map[string]any{"flag": "yes"}

	tests := []struct {
		name  string
		conds []model.Condition
		want  bool
	}{
		{"empty", nil, true},
		{"single true", []model.Condition{cond(T, unset)}, true},
		{"single false", []model.Condition{cond(F, OR)}, false},
		{"F OR T", []model.Condition{cond(F, OR), cond(T, unset)}, true},
		{"F AND T", []model.Condition{cond(F, AND), cond(T, unset)}, false},
		{"T OR F", []model.Condition{cond(T, OR), cond(F, unset)}, true},
		{"T AND F", []model.Condition{cond(T, AND), cond(F, unset)}, false},
		{"missing logic defaults to AND", []model.Condition{cond(T, unset), cond(F, unset)}, false},
		// ((true AND A) OR B) AND C
		{"F OR T AND F", []model.Condition{cond(F, OR), cond(T, AND), cond(F, unset)}, false},
		{"F OR T AND T", []model.Condition{cond(F, OR), cond(T, AND), cond(T, unset)}, true},
		{"F OR F OR T", []model.Condition{cond(F, OR), cond(F, OR), cond(T, unset)}, true},
		{"T AND F OR T", []model.Condition{cond(T, AND), cond(F, OR), cond(T, unset)}, true},
		{"T AND F AND T", []model.Condition{cond(T, AND), cond(F, AND), cond(T, unset)}, false},
		{"F AND T OR F", []model.Condition{cond(F, AND), cond(T, OR), cond(F, unset)}, false},
		// The last condition's logic never applies.
		{"trailing OR ignored", []model.Condition{cond(T, AND), cond(F, OR)}, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EvaluateConditions(tt.conds, fields); got != tt.want {
				t.Errorf("EvaluateConditions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateCondition_Operators(t *testing.T) {
	t.Parallel()

	fields := map[string]any{
		"country":   "US",
		"userAgent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)",
		"hour":      14,
		"query":     map[string]any{"utm_source": "Newsletter", "amount": "42.5"},
		"headers":   map[string]any{"x-campaign": "spring"},
	}

	tests := []struct {
		name string
		c    model.Condition
		want bool
	}{
		{"equals case-insensitive", model.Condition{Field: "country", Operator: model.OpEquals, Value: "us"}, true},
		{"equals case-sensitive", model.Condition{Field: "country", Operator: model.OpEquals, Value: "us", CaseSensitive: true}, false},
		{"not equals", model.Condition{Field: "country", Operator: model.OpNotEquals, Value: "CA"}, true},
		{"contains", model.Condition{Field: "userAgent", Operator: model.OpContains, Value: "iphone"}, true},
		{"starts with", model.Condition{Field: "userAgent", Operator: model.OpStartsWith, Value: "mozilla"}, true},
		{"ends with", model.Condition{Field: "userAgent", Operator: model.OpEndsWith, Value: "17_0)"}, true},
		{"regex", model.Condition{Field: "userAgent", Operator: model.OpRegex, Value: `iphone os \d+`}, true},
		{"regex case-sensitive miss", model.Condition{Field: "userAgent", Operator: model.OpRegex, Value: `iphone`, CaseSensitive: true}, false},
		{"malformed regex", model.Condition{Field: "userAgent", Operator: model.OpRegex, Value: `(unclosed`}, false},
		{"greater than int field", model.Condition{Field: "hour", Operator: model.OpGreaterThan, Value: "9"}, true},
		{"less than", model.Condition{Field: "hour", Operator: model.OpLessThan, Value: "9"}, false},
		{"numeric string", model.Condition{Field: "query.amount", Operator: model.OpGreaterThan, Value: "40"}, true},
		{"non-numeric comparison", model.Condition{Field: "country", Operator: model.OpGreaterThan, Value: "1"}, false},
		{"in", model.Condition{Field: "country", Operator: model.OpIn, Values: []string{"ca", "us"}}, true},
		{"not in", model.Condition{Field: "country", Operator: model.OpNotIn, Values: []string{"ca", "us"}}, false},
		{"nested query", model.Condition{Field: "query.utm_source", Operator: model.OpEquals, Value: "newsletter"}, true},
		{"header", model.Condition{Field: "headers.x-campaign", Operator: model.OpEquals, Value: "spring"}, true},
		{"missing field equals", model.Condition{Field: "query.missing", Operator: model.OpEquals, Value: "x"}, false},
		{"missing field not equals", model.Condition{Field: "query.missing", Operator: model.OpNotEquals, Value: "x"}, true},
		{"missing ancestor", model.Condition{Field: "country.code.iso", Operator: model.OpEquals, Value: "US"}, false},
		{"missing field not in", model.Condition{Field: "nope", Operator: model.OpNotIn, Values: []string{"x"}}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := evaluateCondition(tt.c, fields); got != tt.want {
				t.Errorf("evaluateCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchRegex_CachesCompiledPatterns(t *testing.T) {
	t.Parallel()

	const valid = `^cache-check-\d+$`
	const malformed = `cache-check-(unclosed`

	for i := 0; i < 3; i++ {
		if !matchRegex(valid, "CACHE-CHECK-42", false) {
			t.Fatalf("iteration %d: case-insensitive pattern did not match", i)
		}
		if matchRegex(valid, "CACHE-CHECK-42", true) {
			t.Fatalf("iteration %d: case-sensitive pattern matched", i)
		}
		if matchRegex(malformed, "cache-check-(unclosed", false) {
			t.Fatalf("iteration %d: malformed pattern matched", i)
		}
	}

	for _, key := range []string{"(?i)" + valid, valid} {
		cached, ok := conditionPatterns.Load(key)
		if !ok {
			t.Fatalf("pattern %q not cached", key)
		}
		if re, _ := cached.(*regexp.Regexp); re == nil {
			t.Errorf("pattern %q cached as malformed", key)
		}
	}

	cached, ok := conditionPatterns.Load("(?i)" + malformed)
	if !ok {
		t.Fatal("malformed pattern not cached")
	}
	if re, _ := cached.(*regexp.Regexp); re != nil {
		t.Errorf("malformed pattern cached as %v, want nil", re)
	}
}
