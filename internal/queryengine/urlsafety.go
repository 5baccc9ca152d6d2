package queryengine

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/dnscache"
)

// validateURLSafety rejects dataset URLs that could be used to make the
// worker pool issue requests against internal infrastructure. file://
// URLs (uploaded datasets) are always allowed since they never leave the
// local filesystem. allowPrivate bypasses the private/loopback/reserved
// IP check, for local development and tests only.
func validateURLSafety(ctx context.Context, resolver *dnscache.Resolver, rawURL string, allowPrivate bool) error {
	if strings.HasPrefix(rawURL, "file://") {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return newValidationError(fmt.Sprintf("invalid URL: %v", err))
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return newValidationError(fmt.Sprintf("unsupported URL scheme %q: only http and https are supported", parsed.Scheme))
	}

	if parsed.Hostname() == "" {
		return newValidationError("invalid URL: no hostname specified")
	}

	if allowPrivate {
		return nil
	}

	ips, err := resolveHost(ctx, resolver, parsed.Hostname())
	if err != nil {
		// DNS resolution failure is left for the download step to surface
		// as a network error rather than treated as unsafe here.
		return nil
	}

	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return newValidationError("URLs pointing to internal/private networks are not allowed")
		}
	}
	return nil
}

func resolveHost(ctx context.Context, resolver *dnscache.Resolver, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	var addrs []string
	var err error
	if resolver != nil {
		addrs, err = resolver.LookupHost(ctx, host)
	} else {
		addrs, err = net.DefaultResolver.LookupHost(ctx, host)
	}
	if err != nil {
		return nil, err
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || isReservedIP(ip)
}

// isReservedIP covers blocks net.IP's helpers don't flag but which are
// still unsafe egress targets: IETF protocol assignments, benchmarking
// ranges, and documentation ranges.
func isReservedIP(ip net.IP) bool {
	reservedNets := []string{
		"192.0.0.0/24",
		"192.0.2.0/24",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"240.0.0.0/4",
	}
	for _, cidr := range reservedNets {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}
