package visitor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Proxies is the set of peers allowed to report the client address and
// country through request headers. The zero value trusts nobody.
type Proxies struct {
	prefixes []netip.Prefix
}

// ParseProxies builds a Proxies from IP addresses and CIDR prefixes.
func ParseProxies(entries []string) (*Proxies, error) {
	p := &Proxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			p.prefixes = append(p.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		p.prefixes = append(p.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return p, nil
}

// Trusts reports whether addr is a trusted proxy. A nil Proxies trusts nobody.
func (p *Proxies) Trusts(addr netip.Addr) bool {
	if p == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Empty reports whether no proxy is trusted.
func (p *Proxies) Empty() bool {
	return p == nil || len(p.prefixes) == 0
}

// Resolve returns the client address a trusted peer reports for r.
// CF-Connecting-IP wins, then the right-most X-Forwarded-For hop that is not
// itself a trusted proxy, then X-Real-IP. ok is false when r did not come
// from a trusted peer or carries no usable header.
func (p *Proxies) Resolve(r *http.Request) (client netip.Addr, ok bool) {
	peer, valid := PeerAddr(r.RemoteAddr)
	if !valid || !p.Trusts(peer) {
		return netip.Addr{}, false
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("CF-Connecting-IP"))); err == nil {
		return addr.Unmap(), true
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !p.Trusts(addr) {
			return addr.Unmap(), true
		}
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap(), true
	}
	return netip.Addr{}, false
}

// PeerAddr parses the socket peer out of http.Request.RemoteAddr.
func PeerAddr(remoteAddr string) (netip.Addr, bool) {
	if addrPort, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return addrPort.Addr().Unmap(), true
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr.Unmap(), true
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.Unmap(), true
		}
	}
	return netip.Addr{}, false
}

type proxiedKey struct{}

type proxied struct {
	client netip.Addr
}

// Middleware marks requests whose socket peer is a trusted proxy so that
// ClientIP, Scheme and the country lookup honor forwarding headers. Requests
// from any other peer pass through untouched and are judged by RemoteAddr.
func (p *Proxies) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peer, ok := PeerAddr(r.RemoteAddr)
		if !ok || !p.Trusts(peer) {
			next.ServeHTTP(w, r)
			return
		}
		client, _ := p.Resolve(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), proxiedKey{}, proxied{client: client})))
	})
}

// ViaTrustedProxy reports whether r arrived through a trusted proxy.
func ViaTrustedProxy(r *http.Request) bool {
	_, ok := r.Context().Value(proxiedKey{}).(proxied)
	return ok
}

func proxiedClient(r *http.Request) (netip.Addr, bool) {
	v, ok := r.Context().Value(proxiedKey{}).(proxied)
	return v.client, ok && v.client.IsValid()
}
