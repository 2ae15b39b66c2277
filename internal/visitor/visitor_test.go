package visitor

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/trackroute/trackroute/internal/model"
)

type fakeGeo struct {
	iso   string
	err   error
	calls int
}

func (f *fakeGeo) Country(ip net.IP) (*geoip2.Country, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	rec := &geoip2.Country{}
	rec.Country.IsoCode = f.iso
	return rec, nil
}

// throughProxies runs r through the trusted-proxy middleware and returns the
// request the next handler sees.
func throughProxies(t *testing.T, proxies *Proxies, r *http.Request) *http.Request {
	t.Helper()
	var seen *http.Request
	proxies.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = r
	})).ServeHTTP(httptest.NewRecorder(), r)
	if seen == nil {
		t.Fatal("middleware did not call next")
	}
	return seen
}

func mustProxies(t *testing.T, entries ...string) *Proxies {
	t.Helper()
	p, err := ParseProxies(entries)
	if err != nil {
		t.Fatalf("ParseProxies(%v) error = %v", entries, err)
	}
	return p
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	proxies := mustProxies(t, "10.0.0.0/8", "192.0.2.200")

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"cloudflare wins", map[string]string{"CF-Connecting-IP": "203.0.113.9", "X-Forwarded-For": "198.51.100.1"}, "10.0.0.1:1234", "203.0.113.9"},
		{"right-most untrusted hop", map[string]string{"X-Forwarded-For": "6.6.6.6, 198.51.100.1, 10.0.0.2"}, "10.0.0.1:1234", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1234", "198.51.100.7"},
		{"single trusted host", map[string]string{"X-Forwarded-For": "198.51.100.3"}, "192.0.2.200:80", "198.51.100.3"},
		{"trusted peer without headers", nil, "10.0.0.1:1234", "10.0.0.1"},
		{"untrusted peer ignores cloudflare", map[string]string{"CF-Connecting-IP": "8.8.8.8"}, "203.0.113.5:1234", "203.0.113.5"},
		{"untrusted peer ignores forwarded", map[string]string{"X-Forwarded-For": "8.8.8.8", "X-Real-IP": "8.8.4.4"}, "203.0.113.5:1234", "203.0.113.5"},
		{"remote addr v4", nil, "192.0.2.5:5555", "192.0.2.5"},
		{"remote addr v6", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"remote addr without port", nil, "192.0.2.5", "192.0.2.5"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "http://t.example.com/go", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(throughProxies(t, proxies, r)); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIP_NoProxiesConfigured(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "http://t.example.com/go", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("CF-Connecting-IP", "203.0.113.9")
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	if got := ClientIP(throughProxies(t, mustProxies(t), r)); got != "10.0.0.1" {
		t.Errorf("ClientIP() = %q, want 10.0.0.1", got)
	}
	// No middleware at all behaves the same.
	if got := ClientIP(r); got != "10.0.0.1" {
		t.Errorf("ClientIP() without middleware = %q, want 10.0.0.1", got)
	}
}

func TestParseProxies(t *testing.T) {
	t.Parallel()

	p := mustProxies(t, " 10.1.0.0/16 ", "", "2001:db8::/32", "::ffff:192.0.2.9")
	for addr, want := range map[string]bool{
		"10.1.200.3":  true,
		"10.2.0.1":    false,
		"2001:db8::5": true,
		"192.0.2.9":   true,
		"192.0.2.10":  false,
	} {
		if got := p.Trusts(netip.MustParseAddr(addr)); got != want {
			t.Errorf("Trusts(%s) = %v, want %v", addr, got, want)
		}
	}

	for _, bad := range []string{"10.0.0.0/33", "not-an-ip", "10.0.0"} {
		if _, err := ParseProxies([]string{bad}); err == nil {
			t.Errorf("ParseProxies(%q) error = nil, want error", bad)
		}
	}

	var none *Proxies
	if none.Trusts(netip.MustParseAddr("10.0.0.1")) || !none.Empty() {
		t.Error("nil Proxies should trust nobody")
	}
}

func TestMatchKeyAndURL(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "http://shop.example.com/x/y?a=1&b=2", nil)
	if got := MatchKey(r); got != "http://shop.example.com/x/y" {
		t.Errorf("MatchKey() = %q", got)
	}
	if got := RequestURL(r); got != "http://shop.example.com/x/y?a=1&b=2" {
		t.Errorf("RequestURL() = %q", got)
	}

	r.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	if got := MatchKey(r); got != "http://shop.example.com/x/y" {
		t.Errorf("MatchKey() from untrusted peer = %q", got)
	}
	r.RemoteAddr = "10.0.0.1:1234"
	if got := MatchKey(throughProxies(t, mustProxies(t, "10.0.0.1"), r)); got != "https://shop.example.com/x/y" {
		t.Errorf("forwarded MatchKey() = %q", got)
	}

	tlsReq := httptest.NewRequest("GET", "https://secure.example.com/", nil)
	tlsReq.TLS = &tls.ConnectionState{}
	if got := Scheme(tlsReq); got != "https" {
		t.Errorf("Scheme() = %q, want https", got)
	}
}

func TestParseUserAgent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		ua          string
		wantDevice  string
		wantBrowser string
	}{
		{"desktop chrome", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", model.DeviceDesktop, "Chrome"},
		{"android phone", "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36", model.DeviceMobile, "Chrome"},
		{"iphone", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", model.DeviceMobile, "Safari"},
		{"ipad", "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1", model.DeviceTablet, "Safari"},
		{"android tablet", "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36", model.DeviceTablet, "Chrome"},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", model.DeviceBot, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			device, browser, _ := ParseUserAgent(tt.ua)
			if device != tt.wantDevice {
				t.Errorf("device = %q, want %q", device, tt.wantDevice)
			}
			if tt.wantBrowser != "" && browser != tt.wantBrowser {
				t.Errorf("browser = %q, want %q", browser, tt.wantBrowser)
			}
		})
	}

	if device, browser, os := ParseUserAgent(""); device != model.DeviceDesktop || browser != "" || os != "" {
		t.Errorf("empty UA = %q %q %q", device, browser, os)
	}
}

func TestEnricher_RequestContext(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	geo := &fakeGeo{iso: "de"}
	e := NewEnricher(geo, nil, WithClock(func() time.Time { return now }))

	r := httptest.NewRequest("GET", "http://t.example.com/go?utm_source=mail", nil)
	r.RemoteAddr = "93.184.216.34:4000"
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	r.Header.Set("Referer", "https://news.example.org/a")
	r.Header.Set("X-Custom", "yes")

	rc := e.RequestContext(r)

	if rc.URL != "http://t.example.com/go?utm_source=mail" || rc.IP != "93.184.216.34" {
		t.Errorf("url/ip = %q %q", rc.URL, rc.IP)
	}
	if rc.Country != "DE" || rc.Device != model.DeviceDesktop || rc.Browser != "Chrome" {
		t.Errorf("country/device/browser = %q %q %q", rc.Country, rc.Device, rc.Browser)
	}
	if rc.Referrer != "https://news.example.org/a" || rc.Query.Get("utm_source") != "mail" {
		t.Errorf("referrer/query = %q %v", rc.Referrer, rc.Query)
	}
	if rc.Headers["x-custom"] != "yes" || !rc.Timestamp.Equal(now) {
		t.Errorf("headers/timestamp = %v %v", rc.Headers, rc.Timestamp)
	}
}

func TestEnricher_Country(t *testing.T) {
	t.Parallel()

	newReq := func(remote string, headers map[string]string) *http.Request {
		r := httptest.NewRequest("GET", "http://t.example.com/go", nil)
		r.RemoteAddr = remote
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		return r
	}

	t.Run("cloudflare header from trusted proxy skips lookup", func(t *testing.T) {
		geo := &fakeGeo{iso: "DE"}
		r := throughProxies(t, mustProxies(t, "93.184.216.34"), newReq("93.184.216.34:1", map[string]string{"CF-IPCountry": "us"}))
		rc := NewEnricher(geo, nil).RequestContext(r)
		if rc.Country != "US" || geo.calls != 0 {
			t.Errorf("country = %q calls = %d", rc.Country, geo.calls)
		}
	})

	t.Run("untrusted peer cannot spoof country or address", func(t *testing.T) {
		geo := &fakeGeo{iso: "XX"}
		r := throughProxies(t, mustProxies(t, "10.0.0.0/8"), newReq("203.0.113.5:1", map[string]string{
			"CF-IPCountry":     "US",
			"CF-Connecting-IP": "8.8.8.8",
			"X-Forwarded-For":  "8.8.8.8",
		}))
		rc := NewEnricher(geo, nil).RequestContext(r)
		if rc.Country != "XX" || rc.IP != "203.0.113.5" || geo.calls != 1 {
			t.Errorf("country = %q ip = %q calls = %d, want XX 203.0.113.5 1", rc.Country, rc.IP, geo.calls)
		}
	})

	t.Run("private address skips lookup", func(t *testing.T) {
		geo := &fakeGeo{iso: "DE"}
		rc := NewEnricher(geo, nil).RequestContext(newReq("10.0.0.8:1", nil))
		if rc.Country != "" || geo.calls != 0 {
			t.Errorf("country = %q calls = %d", rc.Country, geo.calls)
		}
	})

	t.Run("lookup error yields empty", func(t *testing.T) {
		geo := &fakeGeo{err: errors.New("not found")}
		rc := NewEnricher(geo, nil).RequestContext(newReq("93.184.216.34:1", nil))
		if rc.Country != "" {
			t.Errorf("country = %q", rc.Country)
		}
	})

	t.Run("no database", func(t *testing.T) {
		rc := NewEnricher(nil, nil).RequestContext(newReq("93.184.216.34:1", nil))
		if rc.Country != "" {
			t.Errorf("country = %q", rc.Country)
		}
	})
}
