package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Operator compares a request field against a condition value.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpContains    Operator = "CONTAINS"
	OpStartsWith  Operator = "STARTS_WITH"
	OpEndsWith    Operator = "ENDS_WITH"
	OpRegex       Operator = "REGEX"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpIn          Operator = "IN"
	OpNotIn       Operator = "NOT_IN"
)

// IsValid reports whether o is a known operator.
func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith,
		OpRegex, OpGreaterThan, OpLessThan, OpIn, OpNotIn:
		return true
	}
	return false
}

// IsList reports whether the operator takes a list of values.
func (o Operator) IsList() bool {
	return o == OpIn || o == OpNotIn
}

// Logic joins a condition's result with the next one.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is one predicate over the request context.
// Logic describes how the following condition is folded in.
type Condition struct {
	Field         string
	Operator      Operator
	Value         string   // scalar operators
	Values        []string // IN / NOT_IN
	Logic         Logic
	CaseSensitive bool
}

type conditionJSON struct {
	Field         string          `json:"field"`
	Operator      Operator        `json:"operator"`
	Value         json.RawMessage `json:"value"`
	Logic         Logic           `json:"logic,omitempty"`
	CaseSensitive bool            `json:"case_sensitive"`
}

// UnmarshalJSON decodes a condition, accepting a scalar value or, for list
// operators, an array. Unknown operators and logic values are rejected.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw conditionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	if !raw.Operator.IsValid() {
		return fmt.Errorf("unknown condition operator %q", raw.Operator)
	}
	switch raw.Logic {
	case "":
		raw.Logic = LogicAnd
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("unknown condition logic %q", raw.Logic)
	}

	out := Condition{
		Field:         raw.Field,
		Operator:      raw.Operator,
		Logic:         raw.Logic,
		CaseSensitive: raw.CaseSensitive,
	}

	if raw.Operator.IsList() {
		var items []json.RawMessage
		if err := json.Unmarshal(raw.Value, &items); err != nil {
			return fmt.Errorf("operator %s requires an array value", raw.Operator)
		}
		out.Values = make([]string, 0, len(items))
		for _, item := range items {
			s, err := scalarString(item)
			if err != nil {
				return err
			}
			out.Values = append(out.Values, s)
		}
	} else {
		s, err := scalarString(raw.Value)
		if err != nil {
			return err
		}
		out.Value = s
	}

	*c = out
	return nil
}

// MarshalJSON writes the list form for IN / NOT_IN and the scalar form otherwise.
func (c Condition) MarshalJSON() ([]byte, error) {
	var value any = c.Value
	if c.Operator.IsList() {
		values := c.Values
		if values == nil {
			values = []string{}
		}
		value = values
	}
	logic := c.Logic
	if logic == "" {
		logic = LogicAnd
	}
	return json.Marshal(struct {
		Field         string   `json:"field"`
		Operator      Operator `json:"operator"`
		Value         any      `json:"value"`
		Logic         Logic    `json:"logic"`
		CaseSensitive bool     `json:"case_sensitive"`
	}{c.Field, c.Operator, value, logic, c.CaseSensitive})
}

// scalarString renders a JSON string, number or bool as a string.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	return "", fmt.Errorf("condition value must be a string, number or bool")
}
