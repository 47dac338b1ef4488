// Package origin checks that an inbound peer is who its HELO claims to be.
package origin

import (
	"context"
	"net"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"smtprelay/internal/metrics"
)

// IPLookuper is the part of net.Resolver used for forward lookups.
type IPLookuper interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator accepts a connection when the name the client claims resolves
// to the address it connects from. It is safe for concurrent use.
type Validator struct {
	Resolver IPLookuper
	Log      *zap.Logger
}

// New returns a validator using r, or net.DefaultResolver when r is nil.
func New(r IPLookuper, log *zap.Logger) *Validator {
	if r == nil {
		r = net.DefaultResolver
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{Resolver: r, Log: log}
}

// Accept reports whether claimedName resolves to the IP of peer. Address
// literals such as "[192.0.2.1]" are compared without DNS. Lookup failures
// and unusable peers are rejected.
func (v *Validator) Accept(ctx context.Context, claimedName string, peer net.Addr) bool {
	log := v.Log.With(zap.String("claimed", claimedName))

	ip := peerIP(peer)
	if ip == nil {
		log.Warn("rejecting connection, peer has no IP address", zap.Stringer("peer", stringer{peer}))
		return v.result(false, "error")
	}
	log = log.With(zap.String("peer", ip.String()))

	name := strings.TrimSpace(claimedName)
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		literal := strings.TrimPrefix(name[1:len(name)-1], "IPv6:")
		claimed := net.ParseIP(literal)
		if claimed == nil {
			log.Warn("rejecting connection, malformed address literal")
			return v.result(false, "error")
		}
		if !claimed.Equal(ip) {
			log.Warn("rejecting connection, address literal does not match peer")
			return v.result(false, "mismatch")
		}
		return v.result(true, "match")
	}

	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		log.Warn("rejecting connection, malformed hostname")
		return v.result(false, "error")
	}

	addrs, err := v.Resolver.LookupIPAddr(ctx, dns.Fqdn(name))
	if err != nil {
		log.Warn("rejecting connection, could not resolve claimed name", zap.Error(err))
		return v.result(false, "error")
	}
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			log.Debug("origin verified")
			return v.result(true, "match")
		}
	}
	log.Warn("rejecting connection, claimed name does not resolve to peer", zap.Int("addresses", len(addrs)))
	return v.result(false, "mismatch")
}

func (v *Validator) result(ok bool, label string) bool {
	metrics.OriginChecks.WithLabelValues(label).Inc()
	return ok
}

// peerIP extracts the IP of a network address, or nil.
func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case nil:
		return nil
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return net.ParseIP(host)
}

// stringer prints a possibly nil net.Addr.
type stringer struct{ addr net.Addr }

func (s stringer) String() string {
	if s.addr == nil {
		return "<nil>"
	}
	return s.addr.String()
}
