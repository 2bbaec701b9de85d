// Package meta derives per-connection sender metadata: the effective client
// IP under a trusted-proxy policy, the preferred language list from
// Accept-Language, and best-effort GeoIP enrichment of that IP into localized
// city/region/country names.
//
// The remote-IP policy is deliberately narrow. Forwarding headers are
// consulted only when the immediate peer is a trusted proxy, and only
// X-Forwarded-For is read; an arbitrary client on the open internet cannot
// spoof its origin by injecting Forwarded or similar headers.
package meta

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// ErrBadRemoteAddr reports that no usable client IP could be derived from the
// peer address and forwarding headers.
var ErrBadRemoteAddr = errors.New("meta: no usable remote address")

// SenderMeta is the metadata snapshot relayed to channel peers alongside each
// message. All fields are optional and omitted from JSON when empty. The
// snapshot is taken once, before the WebSocket upgrade, and never mutated.
//
// UA is retained for peers only; it is never written to logs.
type SenderMeta struct {
	UA      string `json:"ua,omitempty"`
	Remote  string `json:"remote,omitempty"`
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
}

// privateNets are trusted unconditionally: RFC1918 space belongs to the
// deployment's own load balancers, never to end users.
var privateNets = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// TrustedProxies is the set of networks permitted to speak for clients via
// X-Forwarded-For. It is built once at startup and immutable afterwards.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies builds the trusted set from the configured entries plus
// the RFC1918 private networks. Entries may be CIDR prefixes or bare IPs
// (treated as /32, or /128 for IPv6). Entries that parse as neither are
// logged at warn and skipped.
func NewTrustedProxies(entries []string, logger *slog.Logger) *TrustedProxies {
	prefixes := make([]netip.Prefix, 0, len(privateNets)+len(entries))
	prefixes = append(prefixes, privateNets...)

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		logger.Warn("ignoring unparsable trusted proxy entry", slog.String("entry", entry))
	}

	return &TrustedProxies{prefixes: prefixes}
}

// Contains reports whether addr falls inside any trusted network.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// RemoteIP derives the effective client IP.
//
//  1. An absent or unparsable peer address fails with ErrBadRemoteAddr.
//  2. A peer outside the trusted set is the client; forwarding headers are
//     ignored entirely.
//  3. A trusted peer is a proxy: the X-Forwarded-For list is walked from the
//     rightmost element leftwards and the first valid, non-loopback,
//     non-trusted IP wins. If every element is exhausted the derivation
//     fails with ErrBadRemoteAddr.
//
// peer is the socket address ("ip:port" or bare "ip"); xff holds the raw
// X-Forwarded-For header values in arrival order.
func RemoteIP(peer string, xff []string, trusted *TrustedProxies) (netip.Addr, error) {
	if peer == "" {
		return netip.Addr{}, ErrBadRemoteAddr
	}

	peerAddr, err := parseHost(peer)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: peer %q", ErrBadRemoteAddr, peer)
	}

	if !trusted.Contains(peerAddr) {
		return peerAddr, nil
	}

	// Proxies append themselves, so the client is the rightmost entry that
	// is not itself infrastructure.
	hops := strings.Split(strings.Join(xff, ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := parseHost(strings.TrimSpace(hops[i]))
		if err != nil {
			continue
		}
		if hop.IsLoopback() || trusted.Contains(hop) {
			continue
		}
		return hop, nil
	}

	return netip.Addr{}, fmt.Errorf("%w: trusted peer %q with no client in X-Forwarded-For", ErrBadRemoteAddr, peer)
}

// parseHost parses an "ip:port" or bare "ip" string into a normalized
// (unmapped) address.
func parseHost(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, errors.New("empty host")
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}

// Deriver assembles SenderMeta snapshots from inbound HTTP requests. All
// fields are set once at startup and shared by every connection.
type Deriver struct {
	Trusted     *TrustedProxies
	Geo         *DB // nil skips enrichment (the server refuses to start without a database in production)
	DefaultLang string
	Logger      *slog.Logger
}

// Derive builds the metadata snapshot for one upgrade request. A failed
// remote-IP derivation leaves Remote empty and the session proceeds; every
// other field is best-effort.
func (d *Deriver) Derive(r *http.Request) SenderMeta {
	m := SenderMeta{UA: r.UserAgent()}

	addr, err := RemoteIP(r.RemoteAddr, r.Header.Values("X-Forwarded-For"), d.Trusted)
	if err != nil {
		d.Logger.Warn("could not derive remote address", slog.Any("err", err))
	} else {
		m.Remote = addr.String()
	}

	langs := PreferredLanguages(r.Header.Get("Accept-Language"), d.DefaultLang)
	if err == nil && d.Geo != nil {
		m.City, m.Region, m.Country = d.Geo.Locate(addr, langs)
	}

	// GCP front-ends annotate requests with a coarse location; use it only
	// when the database produced nothing.
	if m.City == "" {
		if region, city, ok := strings.Cut(r.Header.Get("X-Client-Geo-Location"), ","); ok {
			m.Region = strings.TrimSpace(region)
			m.City = strings.TrimSpace(city)
		}
	}

	return m
}
