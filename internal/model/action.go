package model

import (
	"encoding/json"
	"fmt"
)

// ActionType selects what an action does to the routing decision.
type ActionType string

const (
	ActionRedirect        ActionType = "REDIRECT"
	ActionBlock           ActionType = "BLOCK"
	ActionModifyURL       ActionType = "MODIFY_URL"
	ActionAddParameter    ActionType = "ADD_PARAMETER"
	ActionRemoveParameter ActionType = "REMOVE_PARAMETER"
)

// IsTerminal reports whether the action ends action evaluation.
func (t ActionType) IsTerminal() bool {
	return t == ActionRedirect || t == ActionBlock
}

// ActionParams carries the typed parameters of an action. Which fields are
// required depends on the action type.
type ActionParams struct {
	URL     string `json:"url,omitempty"`     // REDIRECT
	Find    string `json:"find,omitempty"`    // MODIFY_URL
	Replace string `json:"replace,omitempty"` // MODIFY_URL
	Name    string `json:"name,omitempty"`    // ADD_PARAMETER, REMOVE_PARAMETER
	Value   string `json:"value,omitempty"`   // ADD_PARAMETER
}

// Action is one step of an action rule.
type Action struct {
	Type    ActionType   `json:"type"`
	Params  ActionParams `json:"parameters"`
	Enabled bool         `json:"enabled"`
}

// UnmarshalJSON rejects unknown action types and missing required parameters.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if err := Action(p).Validate(); err != nil {
		return err
	}
	*a = Action(p)
	return nil
}

// Validate checks the parameters required by the action type.
func (a Action) Validate() error {
	switch a.Type {
	case ActionRedirect:
		if a.Params.URL == "" {
			return fmt.Errorf("REDIRECT action requires parameters.url")
		}
	case ActionBlock:
	case ActionModifyURL:
		if a.Params.Find == "" {
			return fmt.Errorf("MODIFY_URL action requires parameters.find")
		}
	case ActionAddParameter:
		if a.Params.Name == "" {
			return fmt.Errorf("ADD_PARAMETER action requires parameters.name")
		}
	case ActionRemoveParameter:
		if a.Params.Name == "" {
			return fmt.Errorf("REMOVE_PARAMETER action requires parameters.name")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// ActionRule is a prioritized, conditional group of actions.
type ActionRule struct {
	ID         string      `json:"id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// FilterAction is the outcome of a matching custom filter.
type FilterAction string

const (
	FilterAllow    FilterAction = "ALLOW"
	FilterBlock    FilterAction = "BLOCK"
	FilterRedirect FilterAction = "REDIRECT"
)

// UnmarshalJSON rejects unknown filter actions.
func (f *FilterAction) UnmarshalJSON(data []byte) error {
	return unmarshalEnum(data, (*string)(f), "filter action", func(s string) bool {
		switch FilterAction(s) {
		case FilterAllow, FilterBlock, FilterRedirect:
			return true
		}
		return false
	})
}

// CustomFilter is an account-defined filter evaluated after the built-in ones.
type CustomFilter struct {
	Type        string       `json:"type,omitempty"`
	Conditions  []Condition  `json:"conditions"`
	Action      FilterAction `json:"action"`
	RedirectURL string       `json:"redirect_url,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Enabled     bool         `json:"enabled"`
}
