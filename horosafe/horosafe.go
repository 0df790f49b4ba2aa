// CLAUDE:SUMMARY Input guards: instance id validation, SSRF-safe URL checks, bounded reads.
// Package horosafe provides the security primitives shared by the bundling
// pipeline: instance identifier validation (path traversal), URL safety
// checks for dependency fetches (SSRF prevention), and bounded I/O.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MaxInstanceIDLen bounds instance identifiers.
const MaxInstanceIDLen = 64

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrInvalidInstanceID is returned for identifiers outside [A-Za-z0-9._-]{1,64}
// or containing a traversal sequence.
var ErrInvalidInstanceID = errors.New("horosafe: invalid instance id")

// ErrSSRF is returned when a URL targets a private or loopback address.
var ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: response too large")

// ValidateInstanceID rejects identifiers that could not safely be used as a
// file name, cache key segment or URL path segment.
func ValidateInstanceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidInstanceID)
	}
	if len(id) > MaxInstanceIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidInstanceID, MaxInstanceIDLen)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: contains \"..\"", ErrInvalidInstanceID)
	}
	for _, r := range id {
		if !isIdentChar(r) {
			return fmt.Errorf("%w: invalid character %q", ErrInvalidInstanceID, r)
		}
	}
	return nil
}

// ValidateURL checks that rawURL is http/https with a host that does not
// resolve to a private or loopback address.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		// Unresolvable hosts fail later at dial time with a clearer error.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// AllowAll is a URL validator that only checks the scheme. Tests use it to
// point the resolver at an httptest server on loopback.
func AllowAll(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ErrUnsafeScheme
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

var privateRanges = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"fc00::/7",
)

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("horosafe: bad CIDR " + c)
		}
		out = append(out, n)
	}
	return out
}
