package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that a webhook URL is safe to POST to from the
// server: http(s), a host, and no private, loopback, link-local or
// unspecified address either literally or after DNS resolution.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("URL scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return errors.New("loopback addresses are not allowed")
	case ip.IsPrivate():
		return errors.New("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return errors.New("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return errors.New("unspecified addresses are not allowed")
	}
	return nil
}
