package delivery

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMX is a scripted mail exchanger listening on loopback.
type fakeMX struct {
	addr string

	// offerSTARTTLS advertises STARTTLS in the EHLO reply. With tlsConfig
	// nil the upgrade is refused with 454.
	offerSTARTTLS bool
	tlsConfig     *tls.Config
	// implicit serves TLS from the first byte.
	implicit bool
	// rcptCode replaces the RCPT reply when non-zero.
	rcptCode int
	// stallData answers DATA with 354 and then stops reading.
	stallData bool
	stop      chan struct{}

	mu       sync.Mutex
	conns    int
	commands []string
	messages []received
}

type received struct {
	data   string
	secure bool
}

func newFakeMX(t *testing.T, configure func(m *fakeMX)) *fakeMX {
	t.Helper()
	m := &fakeMX{stop: make(chan struct{})}
	t.Cleanup(func() { close(m.stop) })
	if configure != nil {
		configure(m)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	m.addr = ln.Addr().String()
	if m.implicit {
		ln = tls.NewListener(ln, m.tlsConfig)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.handle(conn)
		}
	}()
	return m
}

func (m *fakeMX) handle(conn net.Conn) {
	defer func() { conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	m.mu.Lock()
	m.conns++
	m.mu.Unlock()

	secure := m.implicit
	tp := textproto.NewConn(conn)
	reply := func(format string, args ...any) {
		_ = tp.PrintfLine(format, args...)
	}

	reply("220 fake.test ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		m.record(line)

		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO "):
			if m.offerSTARTTLS && !secure {
				reply("250-fake.test")
				reply("250 STARTTLS")
			} else {
				reply("250 fake.test")
			}
		case strings.HasPrefix(cmd, "HELO "):
			reply("250 fake.test")
		case cmd == "STARTTLS":
			if m.tlsConfig == nil {
				reply("454 TLS not available")
				continue
			}
			reply("220 ready to start TLS")
			tlsConn := tls.Server(conn, m.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			tp = textproto.NewConn(conn)
			secure = true
		case strings.HasPrefix(cmd, "MAIL FROM:"):
			reply("250 sender ok")
		case strings.HasPrefix(cmd, "RCPT TO:"):
			if m.rcptCode != 0 {
				reply("%d mailbox unavailable", m.rcptCode)
				continue
			}
			reply("250 recipient ok")
		case cmd == "DATA":
			reply("354 end data with <CR><LF>.<CR><LF>")
			if m.stallData {
				<-m.stop
				return
			}
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			m.mu.Lock()
			m.messages = append(m.messages, received{data: string(data), secure: secure})
			m.mu.Unlock()
			reply("250 queued")
		case cmd == "RSET", cmd == "NOOP":
			reply("250 ok")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 command not implemented")
		}
	}
}

func (m *fakeMX) record(line string) {
	m.mu.Lock()
	m.commands = append(m.commands, line)
	m.mu.Unlock()
}

func (m *fakeMX) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *fakeMX) Messages() []received {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]received(nil), m.messages...)
}

func (m *fakeMX) Conns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}

func (m *fakeMX) sawPrefix(prefix string) bool {
	for _, c := range m.Commands() {
		if strings.HasPrefix(strings.ToUpper(c), prefix) {
			return true
		}
	}
	return false
}

// routeDialer maps "host:port" addresses onto loopback listeners. Unknown
// addresses are refused.
type routeDialer map[string]string

func (r routeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	target, ok := r[addr]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	var d net.Dialer
	return d.DialContext(ctx, network, target)
}

// selfSignedTLS returns a server config with a fresh certificate for hosts.
func selfSignedTLS(t *testing.T, hosts ...string) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: hosts[0]},
		DNSNames:              hosts,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func addrFor(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
