package domain

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

var validHostRegex = regexp.MustCompile(`\A[0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*\z`)

// ServerName is a validated "host[:port]" identifier of a homeserver.
// The zero value is not a valid server name.
type ServerName string

// ParseServerName validates raw and returns it as a ServerName.
//
// The host part is either a bracketed IPv6 literal, an IPv4 literal or a DNS
// name made of alphanumerics and hyphens separated by dots. An optional port
// must be a decimal number in the range 1-65535.
func ParseServerName(raw string) (ServerName, error) {
	if _, _, err := SplitServerName(raw); err != nil {
		return "", err
	}
	return ServerName(raw), nil
}

// SplitServerName validates raw and splits it into host and port. The port
// is zero when absent.
func SplitServerName(raw string) (string, int, error) {
	if raw == "" {
		return "", 0, fmt.Errorf("server name is empty")
	}

	host, portStr := raw, ""
	if !strings.HasSuffix(raw, "]") {
		if idx := strings.LastIndexByte(raw, ':'); idx >= 0 {
			host, portStr = raw[:idx], raw[idx+1:]
		}
	}

	port := 0
	if portStr != "" || strings.HasSuffix(raw, ":") {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 || strings.HasPrefix(portStr, "+") {
			return "", 0, fmt.Errorf("server name %q has an invalid port", raw)
		}
		port = p
	}

	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			return "", 0, fmt.Errorf("mismatched [...] in server name %q", raw)
		}
		addr, err := netip.ParseAddr(host[1 : len(host)-1])
		if err != nil || !addr.Is6() || addr.Zone() != "" {
			return "", 0, fmt.Errorf("server name %q is not a valid IPv6 address", raw)
		}
		return host, port, nil
	}

	if !validHostRegex.MatchString(host) {
		return "", 0, fmt.Errorf("server name %q has an invalid format", raw)
	}
	return host, port, nil
}

// String implements fmt.Stringer.
func (s ServerName) String() string {
	return string(s)
}

// Host returns the host part of the server name.
func (s ServerName) Host() string {
	host, _, _ := SplitServerName(string(s))
	return host
}
