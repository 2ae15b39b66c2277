package service

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/trackroute/trackroute/internal/engine"
	"github.com/trackroute/trackroute/internal/model"
)

const (
	maxNameLength = 200
	maxURLLength  = 2048
	maxDelay      = 60
)

// placeholderPattern matches {{key}} templates, which may stand in for any URL part.
var placeholderPattern = regexp.MustCompile(`\{\{[^{}]*\}\}`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

func (s *RuleService) validate(ctx context.Context, rule *model.Rule) error {
	if rule.Name == "" {
		return invalid("name is required")
	}
	if len(rule.Name) > maxNameLength {
		return invalid("name exceeds %d characters", maxNameLength)
	}
	if !rule.Type.IsValid() {
		return invalid("unknown type %q", rule.Type)
	}
	if !rule.Status.IsValid() {
		return invalid("unknown status %q", rule.Status)
	}

	if rule.SourceURL != "" {
		if len(rule.SourceURL) > maxURLLength {
			return invalid("source_url too long")
		}
		if _, err := engine.CompilePattern(rule.SourceURL); err != nil {
			return invalid("source_url is not a valid pattern")
		}
	}
	if rule.TargetURL == "" {
		return invalid("target_url is required")
	}
	if err := validateTemplateURL(rule.TargetURL); err != nil {
		return invalid("target_url: %v", err)
	}

	if err := validateConditions("conditions", rule.Conditions); err != nil {
		return err
	}
	for i, ar := range rule.ActionRules {
		if err := validateConditions(fmt.Sprintf("action_rules[%d].conditions", i), ar.Conditions); err != nil {
			return err
		}
		for j, a := range ar.Actions {
			if err := a.Validate(); err != nil {
				return invalid("action_rules[%d].actions[%d]: %v", i, j, err)
			}
			if a.Type == model.ActionRedirect {
				if err := validateTemplateURL(a.Params.URL); err != nil {
					return invalid("action_rules[%d].actions[%d].parameters.url: %v", i, j, err)
				}
			}
		}
	}

	return s.validateSettings(ctx, &rule.Settings)
}

func (s *RuleService) validateSettings(ctx context.Context, st *model.Settings) error {
	if st.Delay < 0 || st.Delay > maxDelay {
		return invalid("settings.delay must be between 0 and %d", maxDelay)
	}
	for i, p := range st.Parameters {
		if p.Name == "" {
			return invalid("settings.parameters[%d].name is required", i)
		}
	}

	f := st.Filters
	if f.Time.Enabled {
		if f.Time.StartHour < 0 || f.Time.StartHour > 23 || f.Time.EndHour < 0 || f.Time.EndHour > 24 {
			return invalid("settings.filters.time hours out of range")
		}
		if f.Time.Timezone != "" {
			if _, err := time.LoadLocation(f.Time.Timezone); err != nil {
				return invalid("settings.filters.time.timezone %q is unknown", f.Time.Timezone)
			}
		}
		for _, d := range f.Time.AllowedDays {
			if d < 0 || d > 6 {
				return invalid("settings.filters.time.allowed_days must be 0-6")
			}
		}
	}
	for _, d := range f.Device.BlockedDevices {
		switch strings.ToLower(d) {
		case model.DeviceDesktop, model.DeviceMobile, model.DeviceTablet, model.DeviceBot:
		default:
			return invalid("settings.filters.device: unknown device %q", d)
		}
	}
	for _, entry := range f.IP.Blocked {
		if !validIPEntry(entry) {
			return invalid("settings.filters.ip: %q is not an address or CIDR", entry)
		}
	}

	for i, cf := range st.CustomFilters {
		if err := validateConditions(fmt.Sprintf("settings.custom_filters[%d].conditions", i), cf.Conditions); err != nil {
			return err
		}
		if cf.Action == model.FilterRedirect {
			if err := validateTemplateURL(cf.RedirectURL); err != nil {
				return invalid("settings.custom_filters[%d].redirect_url: %v", i, err)
			}
		}
	}

	for i, p := range st.Pixels {
		if err := s.validateCallback(ctx, p.URL); err != nil {
			return invalid("settings.pixels[%d].url: %v", i, err)
		}
	}
	for i, pb := range st.Postbacks {
		if err := s.validateCallback(ctx, pb.URL); err != nil {
			return invalid("settings.postbacks[%d].url: %v", i, err)
		}
		switch strings.ToUpper(pb.Method) {
		case "", http.MethodGet, http.MethodPost:
		default:
			return invalid("settings.postbacks[%d].method must be GET or POST", i)
		}
	}

	if s.formulas != nil {
		if e := st.ConversionValueFormula; e != "" {
			if err := s.formulas.Validate(e); err != nil {
				return invalid("settings.conversion_value_formula: %v", err)
			}
		}
		if e := st.CommissionFormula; e != "" {
			if err := s.formulas.Validate(e); err != nil {
				return invalid("settings.commission_formula: %v", err)
			}
		}
	}
	return nil
}

func (s *RuleService) validateCallback(ctx context.Context, raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	if len(raw) > maxURLLength {
		return fmt.Errorf("url too long")
	}
	if s.callbackURL == nil {
		return validateTemplateURL(raw)
	}
	return s.callbackURL(ctx, raw)
}

func validateConditions(path string, conds []model.Condition) error {
	for i, c := range conds {
		if c.Field == "" {
			return invalid("%s[%d].field is required", path, i)
		}
		if !c.Operator.IsValid() {
			return invalid("%s[%d]: unknown operator %q", path, i, c.Operator)
		}
		if c.Operator == model.OpRegex {
			if _, err := regexp.Compile(c.Value); err != nil {
				return invalid("%s[%d]: invalid regex: %v", path, i, err)
			}
		}
	}
	return nil
}

// validateTemplateURL checks that raw is an absolute http(s) URL once
// placeholders and wildcard captures are filled in.
func validateTemplateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	if len(raw) > maxURLLength {
		return fmt.Errorf("url too long")
	}
	filled := placeholderPattern.ReplaceAllString(raw, "x")
	filled = strings.ReplaceAll(filled, "*", "x")

	u, err := url.Parse(filled)
	if err != nil {
		return fmt.Errorf("malformed url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validIPEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
