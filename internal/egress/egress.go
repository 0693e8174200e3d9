// Package egress decides whether a caller-supplied URL may be contacted.
// It is the SSRF guard in front of every outbound request the registry makes
// on behalf of an operator: pure decision logic, no I/O, no DNS resolution.
package egress

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/sprintconnect/registry/internal/registry/model"
)

// Decision is the outcome of a validation. Reason is always set, for both
// allowed and denied outcomes, so denials can be logged verbatim.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

var allowedSchemes = map[string]bool{"http": true, "https": true, "ws": true, "wss": true}

// Conservative DNS label grammar: alphanumeric labels with interior hyphens,
// separated by dots.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

var internalSuffixes = []string{".local", ".internal", ".home", ".lan"}

// Reserved ranges not covered by the private/link-local/multicast/loopback
// predicates on netip.Addr.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Validate applies the egress rules in order; the first matching rule
// decides. It never panics: any failure while parsing is converted into a
// denial carrying the failure text.
func Validate(rawURL string, env model.Environment, allowList []string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = deny(fmt.Sprintf("URL validation failed: %v", r))
		}
	}()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return deny(fmt.Sprintf("URL validation failed: %v", err))
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !allowedSchemes[scheme] {
		return deny("invalid scheme: " + scheme)
	}
	if env == model.EnvProduction && (scheme == "http" || scheme == "ws") {
		return deny("HTTP/WS not allowed in production environment")
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return deny("no hostname found in URL")
	}

	for _, allowed := range allowList {
		if hostname == allowed {
			return allow("hostname in allowed list")
		}
	}

	if addr, err := netip.ParseAddr(hostname); err == nil {
		return validateIPLiteral(addr, hostname, env)
	}

	// DNS name branch: default-deny. Only allow-listed hostnames or the IP
	// literal branch above can produce an allow.
	if !hostnamePattern.MatchString(hostname) {
		return deny("invalid hostname format: " + hostname)
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" {
		return deny("localhost not allowed: " + hostname)
	}
	for _, suffix := range internalSuffixes {
		if strings.Contains(lower, suffix) {
			return deny("internal domain not allowed: " + hostname)
		}
	}
	return deny("hostname not in allowed list: " + hostname)
}

func validateIPLiteral(addr netip.Addr, hostname string, env model.Environment) Decision {
	addr = addr.Unmap()
	switch {
	case addr.IsPrivate():
		return deny("private IP address not allowed: " + hostname)
	case addr.IsLinkLocalUnicast():
		return deny("link-local IP address not allowed: " + hostname)
	case addr.IsMulticast():
		return deny("multicast IP address not allowed: " + hostname)
	case addr.IsLoopback():
		return deny("loopback IP address not allowed: " + hostname)
	case addr.IsUnspecified() || isReserved(addr):
		return deny("reserved IP address not allowed: " + hostname)
	}

	// Public IP literal. Production requires an explicit allow-list entry
	// even for public addresses.
	if env == model.EnvProduction {
		return deny("IP address not in allowed list: " + hostname)
	}
	return allow("IP address allowed in non-production environment")
}

func isReserved(addr netip.Addr) bool {
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// EffectiveAllowList returns the configured allow-list extended with the
// loopback/any-address names for development. Staging and production never
// receive the extension.
func EffectiveAllowList(env model.Environment, configured []string) []string {
	out := make([]string, len(configured))
	copy(out, configured)
	if env == model.EnvDevelopment {
		out = append(out, "localhost", "127.0.0.1", "::1", "0.0.0.0")
	}
	return out
}
