package engine

import (
	"cmp"
	"slices"

	"github.com/trackroute/trackroute/internal/model"
)

type actionOutcome struct {
	target    string         // REDIRECT override, empty when none
	blocked   bool           // BLOCK: fall back to the rule's own target
	mutations []model.Action // MODIFY_URL, ADD_PARAMETER, REMOVE_PARAMETER in order
}

// executeActions picks the highest-priority action rule whose conditions hold
// and walks its enabled actions until a REDIRECT or BLOCK. Ties keep list order.
func executeActions(rules []model.ActionRule, fields map[string]any) actionOutcome {
	if len(rules) == 0 {
		return actionOutcome{}
	}

	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b model.ActionRule) int {
		return cmp.Compare(b.Priority, a.Priority)
	})

	for _, ar := range sorted {
		if !EvaluateConditions(ar.Conditions, fields) {
			continue
		}

		var out actionOutcome
		for _, action := range ar.Actions {
			if !action.Enabled {
				continue
			}
			switch action.Type {
			case model.ActionRedirect:
				out.target = action.Params.URL
				return out
			case model.ActionBlock:
				out.blocked = true
				return out
			case model.ActionModifyURL, model.ActionAddParameter, model.ActionRemoveParameter:
				out.mutations = append(out.mutations, action)
			}
		}
		return out
	}

	return actionOutcome{}
}
