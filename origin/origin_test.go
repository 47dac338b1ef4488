package origin

import (
	"context"
	"net"
	"testing"

	"github.com/foxcpp/go-mockdns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"smtprelay/internal/metrics"
)

type strAddr string

func (a strAddr) Network() string { return "tcp" }
func (a strAddr) String() string  { return string(a) }

func testValidator(t *testing.T) *Validator {
	t.Helper()
	zones := map[string]mockdns.Zone{
		"mail.example.invalid.": {
			A:    []string{"192.0.2.10"},
			AAAA: []string{"2001:db8::10"},
		},
		"other.example.invalid.": {
			A: []string{"198.51.100.7"},
		},
	}
	return New(&mockdns.Resolver{Zones: zones}, zaptest.NewLogger(t))
}

func tcp(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

func TestAccept(t *testing.T) {
	tests := []struct {
		name    string
		claimed string
		peer    net.Addr
		want    bool
	}{
		{"ipv4 match", "mail.example.invalid", tcp("192.0.2.10"), true},
		{"ipv6 match", "mail.example.invalid", tcp("2001:db8::10"), true},
		{"ipv4-mapped peer", "mail.example.invalid", tcp("::ffff:192.0.2.10"), true},
		{"case and trailing dot", "MAIL.Example.Invalid.", tcp("192.0.2.10"), true},
		{"udp peer", "mail.example.invalid", &net.UDPAddr{IP: net.ParseIP("192.0.2.10")}, true},
		{"string peer", "mail.example.invalid", strAddr("192.0.2.10:25"), true},
		{"bracketed ipv6 string peer", "mail.example.invalid", strAddr("[2001:db8::10]:25"), true},
		{"different host", "other.example.invalid", tcp("192.0.2.10"), false},
		{"unknown name", "missing.example.invalid", tcp("192.0.2.10"), false},
		{"malformed name", "bad..example", tcp("192.0.2.10"), false},
		{"empty name", "", tcp("192.0.2.10"), false},
		{"address literal", "[192.0.2.10]", tcp("192.0.2.10"), true},
		{"ipv6 address literal", "[IPv6:2001:db8::10]", tcp("2001:db8::10"), true},
		{"address literal mismatch", "[192.0.2.11]", tcp("192.0.2.10"), false},
		{"malformed address literal", "[not-an-ip]", tcp("192.0.2.10"), false},
		{"nil peer", "mail.example.invalid", nil, false},
		{"unparseable peer", "mail.example.invalid", strAddr("somewhere"), false},
	}

	v := testValidator(t)
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := v.Accept(context.Background(), tc.claimed, tc.peer); got != tc.want {
				t.Fatalf("Accept(%q, %v) = %v, want %v", tc.claimed, tc.peer, got, tc.want)
			}
		})
	}
}

func TestAcceptCountsResults(t *testing.T) {
	metrics.ResetForTests()
	v := testValidator(t)
	ctx := context.Background()

	v.Accept(ctx, "mail.example.invalid", tcp("192.0.2.10"))
	v.Accept(ctx, "other.example.invalid", tcp("192.0.2.10"))
	v.Accept(ctx, "missing.example.invalid", tcp("192.0.2.10"))

	for label, want := range map[string]float64{"match": 1, "mismatch": 1, "error": 1} {
		if got := testutil.ToFloat64(metrics.OriginChecks.WithLabelValues(label)); got != want {
			t.Fatalf("origin checks %s: expected %v, got %v", label, want, got)
		}
	}
}
