package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"smtprelay/internal/email"
	"smtprelay/internal/metrics"
)

// ProbeOrder decides which mode is tried first against a host whose mode is
// not yet known.
type ProbeOrder int

const (
	// SecureFirst tries ModeSecure, then ModeInsecure.
	SecureFirst ProbeOrder = iota
	// PlaintextFirst tries ModeInsecure (opportunistic STARTTLS), then
	// ModeSecure.
	PlaintextFirst
)

// ParseProbeOrder parses "secure-first" or "plaintext-first".
func ParseProbeOrder(s string) (ProbeOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "secure-first":
		return SecureFirst, nil
	case "plaintext-first":
		return PlaintextFirst, nil
	default:
		return SecureFirst, fmt.Errorf("unknown probe order %q", s)
	}
}

// SecureTransport selects how a ModeSecure attempt encrypts the channel.
type SecureTransport int

const (
	// TransportSTARTTLS connects to the relay port and requires an in-band
	// STARTTLS upgrade.
	TransportSTARTTLS SecureTransport = iota
	// TransportImplicit connects to the secure port with TLS from the
	// first byte.
	TransportImplicit
)

// ParseSecureTransport parses "starttls" or "implicit".
func ParseSecureTransport(s string) (SecureTransport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "starttls":
		return TransportSTARTTLS, nil
	case "implicit", "implicit-tls", "tls":
		return TransportImplicit, nil
	default:
		return TransportSTARTTLS, fmt.Errorf("unknown secure transport %q", s)
	}
}

const (
	defaultRelayPort      = 25
	defaultSecurePort     = 465
	defaultConnectTimeout = 10 * time.Second
	defaultIdleTimeout    = 20 * time.Second
)

// Report describes what happened to one recipient.
type Report struct {
	Recipient string
	Domain    string
	Delivered bool
	// Host and Mode are set when Delivered is true.
	Host     string
	Mode     Mode
	Attempts []Outcome
	// Err is the reason delivery failed, nil when Delivered.
	Err error
}

// Forwarder relays messages for non-internal recipients to their MX hosts.
// Zero-valued fields are given defaults on first use. Once in use, a
// Forwarder is safe for concurrent use and its fields must not be changed.
type Forwarder struct {
	// Hostname is advertised in EHLO. When empty the originator's domain
	// is used instead.
	Hostname string
	// TLSConfig enables STARTTLS and secure attempts. Nil disables all
	// security negotiation.
	TLSConfig *tls.Config
	// InternalDomains are handled locally and never relayed.
	InternalDomains []string

	Resolver        *MXResolver
	Memo            *SecurityMemo
	ProbeOrder      ProbeOrder
	SecureTransport SecureTransport

	Dialer         func(ctx context.Context, network, addr string) (net.Conn, error)
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	RelayPort      int
	SecurePort     int

	// Formatter writes the message into the DATA stream.
	Formatter email.Formatter
	Log       *zap.Logger

	once     sync.Once
	internal map[string]struct{}
}

func (f *Forwarder) init() {
	f.once.Do(func() {
		if f.Log == nil {
			f.Log = zap.NewNop()
		}
		if f.Resolver == nil {
			f.Resolver = NewMXResolver(nil, f.Log)
		}
		if f.Memo == nil {
			f.Memo = NewSecurityMemo()
		}
		if f.Dialer == nil {
			f.Dialer = (&net.Dialer{}).DialContext
		}
		if f.ConnectTimeout <= 0 {
			f.ConnectTimeout = defaultConnectTimeout
		}
		if f.IdleTimeout <= 0 {
			f.IdleTimeout = defaultIdleTimeout
		}
		if f.RelayPort == 0 {
			f.RelayPort = defaultRelayPort
		}
		if f.SecurePort == 0 {
			f.SecurePort = defaultSecurePort
		}
		if f.Formatter == nil {
			f.Formatter = email.WriteMessage
		}
		f.internal = make(map[string]struct{}, len(f.InternalDomains))
		for _, d := range f.InternalDomains {
			f.internal[email.CanonicalDomain(d)] = struct{}{}
		}
	})
}

// heloName returns the name to advertise when relaying mail from from.
func (f *Forwarder) heloName(from string) string {
	if f.Hostname != "" {
		return f.Hostname
	}
	if domain, err := email.Domain(from); err == nil {
		if ascii, err := idna.ToASCII(domain); err == nil {
			return ascii
		}
	}
	return "localhost"
}

// IsInternal reports whether domain is handled locally.
func (f *Forwarder) IsInternal(domain string) bool {
	f.init()
	_, ok := f.internal[email.CanonicalDomain(domain)]
	return ok
}

// Handle relays msg to every recipient listed in its relay-control headers
// that is not internal. The relay-control headers are removed from msg
// before anything is sent, whatever the outcome.
func (f *Forwarder) Handle(ctx context.Context, msg *email.Message) []Report {
	f.init()

	froms := msg.Values(email.HeaderOriginalFrom)
	rcpts := msg.Values(email.HeaderOriginalTo)
	msg.StripRelayHeaders()

	if len(froms) == 0 {
		f.Log.Warn("no originator header, nothing to forward")
		return nil
	}
	from := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(froms[0]), "<"), ">")

	var reports []Report
	for _, rcpt := range rcpts {
		local, domain, err := email.Split(rcpt)
		if err != nil {
			f.Log.Warn("skipping malformed recipient", zap.String("rcpt", rcpt), zap.Error(err))
			metrics.Recipients.WithLabelValues("invalid").Inc()
			continue
		}
		if f.IsInternal(domain) {
			f.Log.Debug("recipient is internal, not forwarding", zap.String("rcpt", rcpt))
			metrics.Recipients.WithLabelValues("internal").Inc()
			continue
		}
		reports = append(reports, f.Forward(ctx, domain, msg, from, local+"@"+domain))
	}
	return reports
}

// Forward delivers msg for a single recipient of domain, failing over across
// the domain's MX hosts in ascending priority. It never panics or returns
// an error; the result and every failure cause are in the Report and the
// log.
func (f *Forwarder) Forward(ctx context.Context, domain string, msg *email.Message, from, to string) Report {
	f.init()

	rep := Report{Recipient: to, Domain: domain}
	log := f.Log.With(zap.String("domain", domain), zap.String("rcpt", to))

	candidates := f.Resolver.Resolve(ctx, domain)
	if len(candidates) == 0 {
		log.Error("could not resolve mail exchangers, giving up")
		rep.Err = ErrNoRoute
		metrics.Recipients.WithLabelValues("no_route").Inc()
		return rep
	}

	var lastErr error
nextHost:
	for _, c := range candidates {
		known := f.Memo.Get(c.Host)
		for _, mode := range f.modesFor(known) {
			out := attemptFunc(ctx, f, attempt{host: c.Host, mode: mode, from: from, to: to, msg: msg})
			rep.Attempts = append(rep.Attempts, out)
			metrics.DeliveryAttempts.WithLabelValues(mode.String(), out.Kind.String()).Inc()

			hostLog := log.With(zap.String("remote_server", c.Host), zap.Stringer("mode", mode))
			switch out.Kind {
			case Success:
				if known == ModeUnknown {
					if won := f.Memo.Settle(c.Host, mode); won != mode {
						hostLog.Info("host mode settled concurrently", zap.Stringer("memo", won))
					}
				}
				hostLog.Info("delivered")
				rep.Delivered = true
				rep.Host = c.Host
				rep.Mode = mode
				metrics.Recipients.WithLabelValues("delivered").Inc()
				return rep
			case Fatal:
				hostLog.Error("delivery aborted", zap.Stringer("state", out.State), zap.Error(out.Err))
				rep.Err = out.Err
				metrics.Recipients.WithLabelValues("failed").Inc()
				return rep
			case HostFatal:
				hostLog.Error("host unusable for this message, trying next", zap.Stringer("state", out.State), zap.Error(out.Err))
				lastErr = out.Err
				continue nextHost
			default:
				hostLog.Warn("attempt failed", zap.Stringer("state", out.State), zap.Error(out.Err))
				lastErr = out.Err
			}
		}
	}

	log.Error("all mail exchangers failed", zap.Int("candidates", len(candidates)), zap.Error(lastErr))
	rep.Err = fmt.Errorf("delivery failed: %w", lastErr)
	metrics.Recipients.WithLabelValues("failed").Inc()
	return rep
}

// modesFor returns the modes to try, in order, for a host in mode known.
func (f *Forwarder) modesFor(known Mode) []Mode {
	if known != ModeUnknown {
		return []Mode{known}
	}
	if f.TLSConfig == nil {
		return []Mode{ModeInsecure}
	}
	if f.ProbeOrder == PlaintextFirst {
		return []Mode{ModeInsecure, ModeSecure}
	}
	return []Mode{ModeSecure, ModeInsecure}
}
