// Package headerpipe resolves the real client IP behind trusted reverse
// proxies and builds the header set forwarded to an upstream.
package headerpipe

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// hopByHopHeaders are stripped before forwarding a request upstream, per
// RFC 7230 §6.1 — they describe the client-to-relay hop only.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(name)]
	return ok
}

// IsHopByHop reports whether name is a hop-by-hop header that must never be
// forwarded across a proxy boundary in either direction.
func IsHopByHop(name string) bool {
	return isHopByHop(name)
}

// IsTrustedIP reports whether ip falls inside any of the trusted CIDR blocks.
func IsTrustedIP(ip net.IP, cidrs []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseForwardedHeader extracts the "for=" parameter from an RFC 7239
// Forwarded header, returning the bare IP with brackets/port/quotes
// stripped. It reads only the first element (the client hop is always
// leftmost for a single reverse proxy chain).
func ParseForwardedHeader(forwarded string) string {
	if forwarded == "" {
		return ""
	}
	firstElement := strings.Split(forwarded, ",")[0]
	for _, param := range strings.Split(firstElement, ";") {
		param = strings.TrimSpace(param)
		name, value, found := strings.Cut(param, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "for") {
			continue
		}
		return stripIPDecoration(strings.TrimSpace(value))
	}
	return ""
}

// ParseXForwardedFor returns the leftmost (original client) address from an
// X-Forwarded-For header.
func ParseXForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	first := strings.Split(xff, ",")[0]
	return stripIPDecoration(strings.TrimSpace(first))
}

// stripIPDecoration removes surrounding quotes, an IPv6 bracket pair, and a
// trailing :port, leaving a bare IP.
func stripIPDecoration(v string) string {
	v = strings.Trim(v, `"`)
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end != -1 {
			return v[1:end]
		}
		return v
	}
	// IPv6 without brackets has multiple colons; a v4 address or bracketed
	// v6 has at most one, which is the port separator.
	if strings.Count(v, ":") == 1 {
		host, _, err := net.SplitHostPort(v)
		if err == nil {
			return host
		}
	}
	return v
}

// ResolveClientIP determines the real client IP for r. When trustProxy is
// false, or the request's direct peer is not in a trusted CIDR, the direct
// peer address is authoritative and forwarding headers are ignored — an
// untrusted client could forge them. Otherwise Forwarded is preferred over
// X-Forwarded-For, with the direct peer as a final fallback.
func ResolveClientIP(r *http.Request, trustProxy bool, trustedCIDRs []*net.IPNet) string {
	directIP := directPeerIP(r)

	if !trustProxy {
		return directIP
	}

	parsedDirect := net.ParseIP(directIP)
	if !IsTrustedIP(parsedDirect, trustedCIDRs) {
		return directIP
	}

	if fwd := ParseForwardedHeader(r.Header.Get("Forwarded")); fwd != "" {
		logrus.WithField("client_ip", fwd).Debug("resolved client IP from Forwarded header")
		return fwd
	}
	if xff := ParseXForwardedFor(r.Header.Get("X-Forwarded-For")); xff != "" {
		logrus.WithField("client_ip", xff).Debug("resolved client IP from X-Forwarded-For header")
		return xff
	}
	return directIP
}

func directPeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// BuildUpstreamHeaders copies r's headers, minus hop-by-hop and Host/
// Content-Length, then appends clientIP to the forwarding chain and fills
// any X-Forwarded-* headers the client didn't already set.
func BuildUpstreamHeaders(r *http.Request, upstreamHost, clientIP string) http.Header {
	connectionNamed := connectionNamedHeaders(r.Header.Get("Connection"))

	out := make(http.Header, len(r.Header)+4)
	for name, values := range r.Header {
		if isHopByHop(name) || connectionNamed[strings.ToLower(name)] || strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		out[name] = append([]string(nil), values...)
	}

	appendForwardedFor(out, clientIP)
	appendForwarded(out, clientIP, scheme(r), upstreamHost)
	out.Set("X-Real-IP", clientIP)

	if out.Get("X-Forwarded-Proto") == "" {
		out.Set("X-Forwarded-Proto", scheme(r))
	}
	if out.Get("X-Forwarded-Host") == "" {
		out.Set("X-Forwarded-Host", r.Host)
	}
	if out.Get("X-Forwarded-Port") == "" {
		if _, port, err := net.SplitHostPort(r.Host); err == nil {
			out.Set("X-Forwarded-Port", port)
		}
	}

	return out
}

// connectionNamedHeaders parses the inbound Connection header's comma-
// separated token list into a lowercased set, so headers it names (beyond
// the static hop-by-hop list) are also dropped before forwarding upstream.
func connectionNamedHeaders(connection string) map[string]bool {
	if connection == "" {
		return nil
	}
	named := make(map[string]bool)
	for _, tok := range strings.Split(connection, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			named[tok] = true
		}
	}
	return named
}

func appendForwardedFor(h http.Header, clientIP string) {
	if existing := h.Get("X-Forwarded-For"); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+clientIP)
		return
	}
	h.Set("X-Forwarded-For", clientIP)
}

func appendForwarded(h http.Header, clientIP, scheme, host string) {
	element := fmt.Sprintf("for=%s;proto=%s;host=%s", forwardedForValue(clientIP), scheme, host)
	if existing := h.Get("Forwarded"); existing != "" {
		h.Set("Forwarded", existing+", "+element)
		return
	}
	h.Set("Forwarded", element)
}

// forwardedForValue brackets an IPv6 address per RFC 7239's node-id ABNF.
func forwardedForValue(ip string) string {
	if strings.Contains(ip, ":") {
		return "\"[" + ip + "]\""
	}
	return ip
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
