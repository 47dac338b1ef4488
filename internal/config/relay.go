package config

import (
	"os"
	"strings"
	"time"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultIdleTimeout    = 20 * time.Second
)

// ConnectTimeout bounds TCP connection establishment to a remote MX.
func ConnectTimeout() time.Duration {
	return Duration("SMTP_CONNECT_TIMEOUT", defaultConnectTimeout)
}

// IdleTimeout bounds every read/write on an established session.
func IdleTimeout() time.Duration {
	return Duration("SMTP_IDLE_TIMEOUT", defaultIdleTimeout)
}

// RelayPort is the port used for host-to-host relay.
func RelayPort() int {
	return Int("SMTP_RELAY_PORT", 25)
}

// SecurePort is the port dialed when the secure transport is implicit TLS.
func SecurePort() int {
	return Int("SMTP_SECURE_PORT", 465)
}

// ProbeOrder returns SMTP_PROBE_ORDER lower-cased, "secure-first" when
// unset.
func ProbeOrder() string {
	return lowerOr("SMTP_PROBE_ORDER", "secure-first")
}

// SecureTransport returns SMTP_SECURE_TRANSPORT lower-cased, "starttls"
// when unset.
func SecureTransport() string {
	return lowerOr("SMTP_SECURE_TRANSPORT", "starttls")
}

func lowerOr(key, defaultValue string) string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return defaultValue
	}
	return v
}

// Workers is the number of concurrent forwarding workers.
func Workers() int {
	return Int("SMTP_WORKERS", 4)
}

// QueueDepth is the number of accepted messages that may wait for a worker.
func QueueDepth() int {
	return Int("SMTP_QUEUE_DEPTH", 100)
}
