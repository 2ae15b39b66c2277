package model

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func TestRuleType_StatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ruleType RuleType
		want     int
	}{
		{RuleTypePermanent, http.StatusMovedPermanently},
		{RuleTypeTemporary, http.StatusFound},
		{RuleTypeStandard, http.StatusFound},
		{RuleTypeSmart, http.StatusFound},
		{RuleTypeDynamic, http.StatusFound},
		{RuleTypeCustom, http.StatusFound},
	}

	for _, tt := range tests {
		if got := tt.ruleType.StatusCode(); got != tt.want {
			t.Errorf("%s.StatusCode() = %d, want %d", tt.ruleType, got, tt.want)
		}
	}
}

func TestRule_UnmarshalRejectsUnknownVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "unknown type",
			body:    `{"type":"BOUNCY","status":"ACTIVE"}`,
			wantErr: "unknown rule type",
		},
		{
			name:    "unknown status",
			body:    `{"type":"STANDARD","status":"ARCHIVED"}`,
			wantErr: "unknown rule status",
		},
		{
			name:    "unknown operator",
			body:    `{"type":"STANDARD","conditions":[{"field":"country","operator":"LIKE","value":"US"}]}`,
			wantErr: "unknown condition operator",
		},
		{
			name:    "unknown logic",
			body:    `{"type":"STANDARD","conditions":[{"field":"country","operator":"EQUALS","value":"US","logic":"XOR"}]}`,
			wantErr: "unknown condition logic",
		},
		{
			name:    "list operator with scalar",
			body:    `{"type":"STANDARD","conditions":[{"field":"country","operator":"IN","value":"US"}]}`,
			wantErr: "requires an array value",
		},
		{
			name:    "unknown action type",
			body:    `{"type":"STANDARD","action_rules":[{"priority":1,"actions":[{"type":"TELEPORT"}]}]}`,
			wantErr: "unknown action type",
		},
		{
			name:    "redirect without url",
			body:    `{"type":"STANDARD","action_rules":[{"priority":1,"actions":[{"type":"REDIRECT","parameters":{}}]}]}`,
			wantErr: "requires parameters.url",
		},
		{
			name:    "unknown filter action",
			body:    `{"type":"STANDARD","settings":{"custom_filters":[{"action":"MAYBE"}]}}`,
			wantErr: "unknown filter action",
		},
		{
			name:    "unknown parameter type",
			body:    `{"type":"STANDARD","settings":{"parameters":[{"name":"x","type":"RANDOM"}]}}`,
			wantErr: "unknown parameter type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var rule Rule
			err := json.Unmarshal([]byte(tt.body), &rule)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCondition_JSONForms(t *testing.T) {
	t.Parallel()

	body := `[
		{"field":"country","operator":"IN","value":["US","CA"],"logic":"OR"},
		{"field":"query.amount","operator":"GREATER_THAN","value":10.5},
		{"field":"device","operator":"EQUALS","value":"mobile","case_sensitive":true}
	]`

	var conds []Condition
	if err := json.Unmarshal([]byte(body), &conds); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := []Condition{
		{Field: "country", Operator: OpIn, Values: []string{"US", "CA"}, Logic: LogicOr},
		{Field: "query.amount", Operator: OpGreaterThan, Value: "10.5", Logic: LogicAnd},
		{Field: "device", Operator: OpEquals, Value: "mobile", Logic: LogicAnd, CaseSensitive: true},
	}
	if !reflect.DeepEqual(conds, want) {
		t.Fatalf("conditions = %+v, want %+v", conds, want)
	}

	encoded, err := json.Marshal(conds)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var again []Condition
	if err := json.Unmarshal(encoded, &again); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if !reflect.DeepEqual(again, want) {
		t.Errorf("round trip = %+v, want %+v", again, want)
	}
}

func TestAction_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"redirect", Action{Type: ActionRedirect, Params: ActionParams{URL: "https://a.example"}}, false},
		{"block", Action{Type: ActionBlock}, false},
		{"modify", Action{Type: ActionModifyURL, Params: ActionParams{Find: "a", Replace: "b"}}, false},
		{"modify without find", Action{Type: ActionModifyURL}, true},
		{"add param", Action{Type: ActionAddParameter, Params: ActionParams{Name: "sub"}}, false},
		{"remove param without name", Action{Type: ActionRemoveParameter}, true},
		{"empty type", Action{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.action.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	if !s.PreserveQueryParams || !s.Analytics.TrackClicks {
		t.Errorf("unexpected default settings: %+v", s)
	}

	stats := EmptyStats()
	if stats.TotalClicks != 0 || stats.ByCountry == nil || stats.ByDay == nil {
		t.Errorf("unexpected empty stats: %+v", stats)
	}
}

func TestRequestContext_Fields(t *testing.T) {
	t.Parallel()

	rc := &RequestContext{
		URL:     "https://go.example.com/offer?utm_source=mail",
		Country: "US",
		Query:   map[string][]string{"utm_source": {"mail"}},
		Headers: map[string]string{"Accept-Language": "en-US"},
	}

	fields := rc.Fields()
	if fields["host"] != "go.example.com" {
		t.Errorf("host = %v", fields["host"])
	}
	if fields["path"] != "/offer" {
		t.Errorf("path = %v", fields["path"])
	}
	if q := fields["query"].(map[string]any); q["utm_source"] != "mail" {
		t.Errorf("query.utm_source = %v", q["utm_source"])
	}
	if h := fields["headers"].(map[string]any); h["accept-language"] != "en-US" {
		t.Errorf("headers.accept-language = %v", h["accept-language"])
	}
}
