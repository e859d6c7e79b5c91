package model

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

const maxHostnameLength = 253

var hostnameRegexp = regexp.MustCompile(
	`^([a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`,
)

// NormalizeHostname lowercases and trims a user-supplied hostname and strips
// any trailing dot.
func NormalizeHostname(hostname string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
}

// ValidateHostname checks an already-normalized hostname against RFC-1035
// style syntax. It must be called before any external call is made.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname must be provided")
	}
	if len(hostname) > maxHostnameLength {
		return fmt.Errorf("hostname exceeds %d characters", maxHostnameLength)
	}
	if strings.HasPrefix(hostname, "*.") {
		return fmt.Errorf("wildcard hostnames are not supported")
	}
	if net.ParseIP(hostname) != nil {
		return fmt.Errorf("hostname must be a domain name, not an IP address")
	}
	if !hostnameRegexp.MatchString(hostname) {
		return fmt.Errorf("invalid hostname: %v", hostname)
	}
	return nil
}
