// Package security checks the endpoints a program talks to before any request is sent.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// EndpointPolicy decides which backend and telemetry URLs are accepted.
// The zero policy only allows plain http towards the local network.
type EndpointPolicy struct {
	// AllowInsecureRemote permits plain http to hosts outside the local network,
	// as is usual for self-hosted inference servers.
	AllowInsecureRemote bool
	// DenyLocal rejects loopback, private and link-local targets.
	DenyLocal bool
}

// ValidateEndpoint parses rawURL and checks it against p. IP literals are
// classified without DNS lookups.
func ValidateEndpoint(rawURL string, p EndpointPolicy) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "invalid endpoint %q", rawURL)
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return errors.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Errorf("endpoint %q has no host", rawURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsUnspecified() || addr.IsMulticast() {
			return errors.Errorf("endpoint address %q is not routable", host)
		}
	}

	local := IsLocalHost(host)
	if local && p.DenyLocal {
		return errors.Errorf("local endpoint %q is not allowed", host)
	}
	if parsed.Scheme == "http" && !local && !p.AllowInsecureRemote {
		return errors.Errorf("endpoint %q must use https", rawURL)
	}
	return nil
}

// IsLocalHost reports whether host names the local machine or a private network.
func IsLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	if addr.Zone() != "" {
		return true
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}
