package delivery

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"smtprelay/internal/email"
)

// MXLookuper is the part of net.Resolver used to find mail exchangers.
type MXLookuper interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Candidate is one mail exchanger of a domain.
type Candidate struct {
	Host     string
	Priority uint16
}

// MXResolver returns the delivery candidates of a domain.
type MXResolver struct {
	Lookuper MXLookuper
	Log      *zap.Logger

	shuffle func(n int, swap func(i, j int))
}

// NewMXResolver returns a resolver using r, or net.DefaultResolver when r
// is nil.
func NewMXResolver(r MXLookuper, log *zap.Logger) *MXResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MXResolver{Lookuper: r, Log: log, shuffle: rand.Shuffle}
}

// Resolve returns the MX candidates of domain in ascending priority order.
// Hosts sharing a priority are shuffled to spread load, so their relative
// order carries no meaning. Lookup failures and malformed names are logged
// and yield no candidates.
func (r *MXResolver) Resolve(ctx context.Context, domain string) []Candidate {
	log := r.Log.With(zap.String("domain", domain))

	name, err := idna.ToASCII(email.CanonicalDomain(domain))
	if err != nil {
		log.Warn("malformed domain", zap.Error(err))
		return nil
	}
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		log.Warn("malformed domain")
		return nil
	}

	records, err := r.Lookuper.LookupMX(ctx, dns.Fqdn(name))
	if err != nil {
		log.Error("MX lookup failed", zap.Error(err))
		return nil
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	shuffle := r.shuffle
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	for i := 0; i < len(records); {
		j := i + 1
		for j < len(records) && records[j].Pref == records[i].Pref {
			j++
		}
		group := records[i:j]
		shuffle(len(group), func(a, b int) {
			group[a], group[b] = group[b], group[a]
		})
		i = j
	}

	candidates := make([]Candidate, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			// Null MX (RFC 7505) is only meaningful as the sole record.
			if len(records) == 1 {
				log.Warn("domain publishes null MX")
				return nil
			}
			log.Warn("ignoring null MX next to other records")
			continue
		}
		candidates = append(candidates, Candidate{Host: host, Priority: mx.Pref})
	}
	if len(candidates) == 0 {
		log.Warn("no MX records")
	}
	return candidates
}
