// Package visitor turns an inbound *http.Request into the engine's RequestContext.
package visitor

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mssola/user_agent"
	"github.com/oschwald/geoip2-golang"

	"github.com/trackroute/trackroute/internal/model"
)

// CountryLookup resolves an address to a country record. *geoip2.Reader satisfies it.
type CountryLookup interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

// Enricher builds request contexts.
type Enricher struct {
	geo    CountryLookup
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// NewEnricher creates an Enricher. geo may be nil, in which case only the
// CF-IPCountry header of a trusted proxy supplies a country.
func NewEnricher(geo CountryLookup, logger *slog.Logger, opts ...Option) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enricher{
		geo:    geo,
		now:    time.Now,
		logger: logger.With("component", "visitor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenGeoIP opens a MaxMind country or city database.
func OpenGeoIP(path string) (*geoip2.Reader, error) {
	return geoip2.Open(path)
}

// RequestContext describes r for rule resolution.
func (e *Enricher) RequestContext(r *http.Request) *model.RequestContext {
	ua := r.UserAgent()
	ip := ClientIP(r)
	device, browser, os := ParseUserAgent(ua)

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	return &model.RequestContext{
		URL:       RequestURL(r),
		IP:        ip,
		UserAgent: ua,
		Referrer:  r.Referer(),
		Country:   e.country(r, ip),
		Device:    device,
		Browser:   browser,
		OS:        os,
		Query:     r.URL.Query(),
		Headers:   headers,
		Timestamp: e.now(),
	}
}

func (e *Enricher) country(r *http.Request, ip string) string {
	if ViaTrustedProxy(r) {
		if cc := strings.TrimSpace(r.Header.Get("CF-IPCountry")); len(cc) == 2 {
			return strings.ToUpper(cc)
		}
	}
	if e.geo == nil || ip == "" {
		return ""
	}

	addr := net.ParseIP(ip)
	if addr == nil || addr.IsLoopback() || addr.IsPrivate() {
		return ""
	}

	record, err := e.geo.Country(addr)
	if err != nil {
		e.logger.Debug("geoip_lookup_failed", "error", err)
		return ""
	}
	return strings.ToUpper(record.Country.IsoCode)
}

// ClientIP is the visitor's address: the one a trusted proxy reported, or
// else the socket peer.
func ClientIP(r *http.Request) string {
	if addr, ok := proxiedClient(r); ok {
		return addr.String()
	}
	if addr, ok := PeerAddr(r.RemoteAddr); ok {
		return addr.String()
	}
	return r.RemoteAddr
}

// Scheme reports the scheme the visitor used. X-Forwarded-Proto counts only
// behind a trusted proxy.
func Scheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" && ViaTrustedProxy(r) {
		first, _, _ := strings.Cut(proto, ",")
		return strings.ToLower(strings.TrimSpace(first))
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// MatchKey is the URL rules are matched against: scheme://host/path, no query or fragment.
func MatchKey(r *http.Request) string {
	return Scheme(r) + "://" + r.Host + r.URL.EscapedPath()
}

// RequestURL is MatchKey plus the raw query.
func RequestURL(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return MatchKey(r)
	}
	return MatchKey(r) + "?" + r.URL.RawQuery
}

// ParseUserAgent classifies a User-Agent header into device category, browser and OS names.
func ParseUserAgent(header string) (device, browser, os string) {
	if header == "" {
		return model.DeviceDesktop, "", ""
	}

	ua := user_agent.New(header)
	browser, _ = ua.Browser()
	os = ua.OSInfo().Name

	switch {
	case ua.Bot():
		device = model.DeviceBot
	case isTablet(header):
		device = model.DeviceTablet
	case ua.Mobile():
		device = model.DeviceMobile
	default:
		device = model.DeviceDesktop
	}
	return device, browser, os
}

func isTablet(header string) bool {
	h := strings.ToLower(header)
	if strings.Contains(h, "ipad") || strings.Contains(h, "tablet") {
		return true
	}
	// Android tablets omit the "Mobile" token that phones send.
	return strings.Contains(h, "android") && !strings.Contains(h, "mobile")
}
