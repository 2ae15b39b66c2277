package engine

import "errors"

// Resolution outcomes. These travel in Result.Err, never as a returned error.
var (
	ErrNoMatch          = errors.New("no matching rule")
	ErrRuleInactive     = errors.New("rule inactive")
	ErrConditionsNotMet = errors.New("rule conditions not met")
	ErrBlocked          = errors.New("request blocked")
	ErrInvalidTarget    = errors.New("invalid redirect target")
)

// Attribution and recording errors returned by RecordConversion and RecordBounce.
var (
	ErrClickNotFound    = errors.New("click event not found")
	ErrRedirectNotFound = errors.New("redirect event not found")
	ErrInvalidClickRef  = errors.New("click reference requires click_id or affiliate_id and offer_id")
	ErrTrackingDisabled = errors.New("tracking disabled for rule")
	ErrFormula          = errors.New("formula evaluation failed")
)

// Visitor-facing reasons.
const (
	ReasonNoMatch          = "No matching redirect rule found"
	ReasonRuleInactive     = "Link is not active"
	ReasonConditionsNotMet = "Rule conditions not met"
	ReasonInvalidTarget    = "Invalid redirect target"
	ReasonCountryBlocked   = "Country blocked"
	ReasonDeviceBlocked    = "Device blocked"
	ReasonTimeBlocked      = "Access not allowed at this time"
	ReasonIPBlocked        = "IP blocked"
	ReasonReferrerBlocked  = "Referrer blocked"
	ReasonCustomBlocked    = "Blocked by filter"
)

// IsAttributionMissing reports whether err means the referenced click does not exist.
func IsAttributionMissing(err error) bool {
	return errors.Is(err, ErrClickNotFound) || errors.Is(err, ErrRedirectNotFound)
}
