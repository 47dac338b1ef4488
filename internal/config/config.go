// Package config reads relay settings from the environment.
package config

import (
	"net"
	"os"
	"strings"
)

const defaultHostname = "localhost"

// Hostname returns the name the relay advertises in EHLO and its greeting.
// Preference order: SMTP_HOSTNAME env var, system hostname, fallback.
func Hostname() string {
	if env := strings.TrimSpace(os.Getenv("SMTP_HOSTNAME")); env != "" {
		return env
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}

// HeloName returns SMTP_HOSTNAME for outbound EHLO, or "" when it is unset
// so the relay can introduce itself with the originator's domain.
func HeloName() string {
	return strings.TrimSpace(os.Getenv("SMTP_HOSTNAME"))
}

// ListenAddr is the inbound SMTP listener address, built from SMTP_PORT.
func ListenAddr() string {
	return ":" + lowerOr("SMTP_PORT", "2525")
}

// HealthAddr is the address of the health and metrics endpoint. An empty
// SMTP_HEALTH_ADDR keeps the default; "off" disables the endpoint.
func HealthAddr() string {
	addr := lowerOr("SMTP_HEALTH_ADDR", ":8080")
	if addr == "off" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
