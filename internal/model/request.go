package model

import (
	"net/url"
	"strings"
	"time"
)

// RequestContext is everything the engine knows about one inbound visit.
type RequestContext struct {
	URL       string // full inbound URL including query and fragment
	IP        string
	UserAgent string
	Referrer  string
	Country   string // ISO 3166-1 alpha-2, upper case
	Device    string // desktop, mobile, tablet or bot
	Browser   string
	OS        string
	Query     url.Values
	Fragment  string
	Headers   map[string]string // lower-cased header names
	Timestamp time.Time
}

// Fields returns the dot-path view used by conditions, filters and DYNAMIC parameters.
func (rc *RequestContext) Fields() map[string]any {
	fields := map[string]any{
		"url":       rc.URL,
		"ip":        rc.IP,
		"userAgent": rc.UserAgent,
		"referrer":  rc.Referrer,
		"country":   rc.Country,
		"device":    rc.Device,
		"browser":   rc.Browser,
		"os":        rc.OS,
		"fragment":  rc.Fragment,
		"timestamp": rc.Timestamp.UnixMilli(),
		"hour":      rc.Timestamp.UTC().Hour(),
		"dayOfWeek": int(rc.Timestamp.UTC().Weekday()),
	}

	if u, err := url.Parse(rc.URL); err == nil {
		fields["host"] = u.Hostname()
		fields["path"] = u.Path
	}

	query := make(map[string]any, len(rc.Query))
	for k, v := range rc.Query {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	fields["query"] = query

	headers := make(map[string]any, len(rc.Headers))
	for k, v := range rc.Headers {
		headers[strings.ToLower(k)] = v
	}
	fields["headers"] = headers

	return fields
}
