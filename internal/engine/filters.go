package engine

import (
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/trackroute/trackroute/internal/model"
)

type filterOutcome struct {
	allowed     bool
	reason      string
	redirectURL string // first matching REDIRECT custom filter
}

// applyFilters runs geo, device, time, IP and referrer filters in that order,
// then custom filters in list order. The first block wins.
func applyFilters(s model.Settings, rc *model.RequestContext, fields map[string]any) filterOutcome {
	f := s.Filters

	if f.Geo.Enabled && geoBlocked(f.Geo, rc.Country) {
		return filterOutcome{reason: ReasonCountryBlocked}
	}
	if f.Device.Enabled && containsFold(f.Device.BlockedDevices, rc.Device, false) {
		return filterOutcome{reason: ReasonDeviceBlocked}
	}
	if f.Time.Enabled && !timeAllowed(f.Time, rc.Timestamp) {
		return filterOutcome{reason: ReasonTimeBlocked}
	}
	if f.IP.Enabled && ipBlocked(f.IP.Blocked, rc.IP) {
		return filterOutcome{reason: ReasonIPBlocked}
	}
	if f.Referrer.Enabled && referrerBlocked(f.Referrer, rc.Referrer) {
		return filterOutcome{reason: ReasonReferrerBlocked}
	}

	out := filterOutcome{allowed: true}
	for _, cf := range s.CustomFilters {
		if !cf.Enabled || !EvaluateConditions(cf.Conditions, fields) {
			continue
		}
		switch cf.Action {
		case model.FilterBlock:
			reason := cf.Reason
			if reason == "" {
				reason = ReasonCustomBlocked
			}
			return filterOutcome{reason: reason}
		case model.FilterAllow:
			return out
		case model.FilterRedirect:
			if out.redirectURL == "" {
				out.redirectURL = cf.RedirectURL
			}
		}
	}
	return out
}

func geoBlocked(g model.GeoFilter, country string) bool {
	if containsFold(g.BlockedCountries, country, false) {
		return true
	}
	return len(g.AllowedCountries) > 0 && !containsFold(g.AllowedCountries, country, false)
}

func timeAllowed(t model.TimeFilter, at time.Time) bool {
	loc := time.UTC
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	local := at.In(loc)

	if len(t.AllowedDays) > 0 && !slices.Contains(t.AllowedDays, int(local.Weekday())) {
		return false
	}

	if t.StartHour == t.EndHour {
		return true
	}
	h := local.Hour()
	if t.StartHour < t.EndHour {
		return h >= t.StartHour && h < t.EndHour
	}
	return h >= t.StartHour || h < t.EndHour
}

// ipBlocked matches exact addresses and CIDR prefixes. Unparseable entries are ignored.
func ipBlocked(entries []string, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if blocked, err := netip.ParseAddr(entry); err == nil && blocked.Unmap() == addr {
			return true
		}
	}
	return false
}

func referrerBlocked(r model.ReferrerFilter, referrer string) bool {
	if referrer == "" {
		return r.BlockEmpty
	}
	u, err := url.Parse(referrer)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range r.BlockedDomains {
		d := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
