// Package security guards outbound calls and untrusted input: URL policies
// for remote endpoints, per-host rate limits, circuit breakers and bounded
// YAML parsing.
package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLPolicy restricts which endpoints remote agents and toolsets may be
// reached at.
type URLPolicy struct {
	// AllowedHosts, when non-empty, is the exhaustive list of hostnames.
	AllowedHosts []string
	// AllowedSchemes defaults to http and https.
	AllowedSchemes []string
	// AllowLocalhost permits loopback addresses.
	AllowLocalhost bool
	// BlockPrivateIPs rejects RFC 1918 and ULA addresses.
	BlockPrivateIPs bool
	// BlockMetadata rejects link-local addresses, including 169.254.169.254.
	BlockMetadata bool
}

// DefaultURLPolicy allows loopback and public hosts and blocks cloud
// metadata endpoints.
func DefaultURLPolicy() URLPolicy {
	return URLPolicy{
		AllowedSchemes: []string{"http", "https"},
		AllowLocalhost: true,
		BlockMetadata:  true,
	}
}

// URLValidator checks outbound URLs against a URLPolicy.
type URLValidator struct {
	policy  URLPolicy
	allowed map[string]bool
	lookup  func(host string) ([]net.IP, error)
}

// NewURLValidator creates a validator for policy.
func NewURLValidator(policy URLPolicy) *URLValidator {
	if len(policy.AllowedSchemes) == 0 {
		policy.AllowedSchemes = []string{"http", "https"}
	}
	allowed := make(map[string]bool, len(policy.AllowedHosts))
	for _, h := range policy.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	return &URLValidator{policy: policy, allowed: allowed, lookup: net.LookupIP}
}

// ValidateURL checks the scheme, the host allowlist and every address the
// host resolves to.
func (v *URLValidator) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	schemeOK := false
	for _, s := range v.policy.AllowedSchemes {
		if strings.EqualFold(u.Scheme, s) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return fmt.Errorf("invalid URL scheme: %q (only %v allowed)", u.Scheme, v.policy.AllowedSchemes)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL %q has no host", rawURL)
	}
	if len(v.allowed) > 0 && !v.allowed[host] {
		return fmt.Errorf("host not in allowlist: %s", host)
	}
	if host == "localhost" {
		if v.policy.AllowLocalhost {
			return nil
		}
		return fmt.Errorf("localhost not allowed")
	}

	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		ips, err = v.lookup(host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
	}
	for _, ip := range ips {
		if err := v.ValidateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// ValidateIP checks a single address.
func (v *URLValidator) ValidateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		if !v.policy.AllowLocalhost {
			return fmt.Errorf("loopback addresses not allowed: %s", ip)
		}
	case v.policy.BlockMetadata && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()):
		return fmt.Errorf("link-local addresses not allowed: %s", ip)
	case v.policy.BlockPrivateIPs && ip.IsPrivate():
		return fmt.Errorf("private IP addresses not allowed: %s", ip)
	case ip.IsMulticast():
		return fmt.Errorf("multicast addresses not allowed: %s", ip)
	}
	return nil
}
