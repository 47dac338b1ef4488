package config

import (
	"net"
	"strings"
)

// TrustedNetworks returns CIDR blocks from SMTP_TRUSTED_NETWORKS. Peers in
// these networks skip the inbound origin check.
func TrustedNetworks() []*net.IPNet {
	var result []*net.IPNet
	for _, part := range List("SMTP_TRUSTED_NETWORKS") {
		if !strings.Contains(part, "/") {
			if ip := net.ParseIP(part); ip != nil {
				if v4 := ip.To4(); v4 != nil {
					ip = v4
				}
				mask := net.CIDRMask(len(ip)*8, len(ip)*8)
				result = append(result, &net.IPNet{IP: ip, Mask: mask})
			}
			continue
		}
		if _, network, err := net.ParseCIDR(part); err == nil {
			result = append(result, network)
		}
	}
	return result
}

// InternalDomains returns the lower-cased domains from SMTP_INTERNAL_DOMAINS.
// Mail for these domains is handled locally and never relayed.
func InternalDomains() []string {
	var domains []string
	for _, part := range List("SMTP_INTERNAL_DOMAINS") {
		domains = append(domains, strings.ToLower(part))
	}
	return domains
}

// CheckOrigin reports whether SMTP_CHECK_ORIGIN is enabled.
func CheckOrigin() bool {
	return Bool("SMTP_CHECK_ORIGIN", true)
}
