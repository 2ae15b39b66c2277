package engine

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/trackroute/trackroute/internal/model"
	"github.com/trackroute/trackroute/internal/placeholder"
)

// templateVars builds the placeholder values available to target, tracking
// parameter, pixel and postback templates.
func templateVars(rule *model.Rule, rc *model.RequestContext, clickID string) map[string]string {
	vars := map[string]string{
		"ip":          rc.IP,
		"userAgent":   rc.UserAgent,
		"referrer":    rc.Referrer,
		"country":     rc.Country,
		"device":      rc.Device,
		"browser":     rc.Browser,
		"os":          rc.OS,
		"timestamp":   strconv.FormatInt(rc.Timestamp.UnixMilli(), 10),
		"ruleId":      rule.ID,
		"accountId":   rule.AccountID,
		"affiliateId": rule.AffiliateID,
		"offerId":     rule.OfferID,
		"clickId":     clickID,
		"sourceUrl":   rc.URL,
	}
	for k, v := range rc.Query {
		if len(v) > 0 {
			vars["query."+k] = v[0]
		}
	}
	return vars
}

// buildTarget applies query preservation, hash preservation, tracking
// parameters and link parameters to target, in that order, then the
// accumulated URL mutations.
func buildTarget(target string, rule *model.Rule, rc *model.RequestContext, fields map[string]any, vars map[string]string, mutations []model.Action) (string, error) {
	target = placeholder.ExpandFunc(target, vars, url.QueryEscape)

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}

	s := rule.Settings
	q := u.Query()
	dirty := false
	set := func(name, value string) {
		q.Set(name, value)
		dirty = true
	}

	if s.PreserveQueryParams {
		for k, v := range rc.Query {
			q[k] = append([]string(nil), v...)
			dirty = true
		}
	}

	if s.PreserveHash && rc.Fragment != "" {
		u.Fragment = rc.Fragment
		u.RawFragment = ""
	}

	if s.AddTrackingParams {
		for name, tmpl := range s.TrackingParams {
			if v := placeholder.Expand(tmpl, vars); v != "" {
				set(name, v)
			}
		}
	}

	for _, p := range s.Parameters {
		if p.Name == "" {
			continue
		}
		if v := parameterValue(p, rule, fields, vars); v != "" {
			set(p.Name, v)
		}
	}

	if dirty {
		u.RawQuery = q.Encode()
	}

	return applyMutations(u.String(), mutations, vars)
}

func parameterValue(p model.LinkParameter, rule *model.Rule, fields map[string]any, vars map[string]string) string {
	var v string
	switch p.Type {
	case model.ParamStatic:
		v = p.Value
	case model.ParamDynamic:
		if raw, ok := lookupField(fields, p.Value); ok {
			v = stringify(raw)
		}
	case model.ParamAffiliate:
		v = rule.AffiliateID
	case model.ParamOffer:
		v = rule.OfferID
	case model.ParamCustom:
		v = placeholder.Expand(p.Value, vars)
		if strings.Contains(v, "{{") {
			v = ""
		}
	}
	if v == "" {
		return p.Default
	}
	return v
}

// applyMutations runs MODIFY_URL, ADD_PARAMETER and REMOVE_PARAMETER in order.
func applyMutations(target string, mutations []model.Action, vars map[string]string) (string, error) {
	for _, m := range mutations {
		switch m.Type {
		case model.ActionModifyURL:
			if m.Params.Find != "" {
				target = strings.ReplaceAll(target, m.Params.Find, placeholder.Expand(m.Params.Replace, vars))
			}
		case model.ActionAddParameter, model.ActionRemoveParameter:
			u, err := url.Parse(target)
			if err != nil {
				return "", fmt.Errorf("parse target: %w", err)
			}
			q := u.Query()
			if m.Type == model.ActionAddParameter {
				q.Set(m.Params.Name, placeholder.Expand(m.Params.Value, vars))
			} else {
				q.Del(m.Params.Name)
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}
	return target, nil
}

// validTarget accepts only absolute http(s) URLs with a host.
func validTarget(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
