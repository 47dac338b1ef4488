package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"smtprelay/internal/email"
	"smtprelay/internal/metrics"
)

// State is a step of the SMTP conversation with one host.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateGreeted
	StateSecureUpgraded
	StateSenderSet
	StateRecipientSet
	StateDataSent
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateGreeted:
		return "greeted"
	case StateSecureUpgraded:
		return "secure_upgraded"
	case StateSenderSet:
		return "sender_set"
	case StateRecipientSet:
		return "recipient_set"
	case StateDataSent:
		return "data_sent"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// upgradeError is a STARTTLS that was offered but could not be completed.
type upgradeError struct {
	err error
}

func (e *upgradeError) Error() string {
	return "starttls: " + e.err.Error()
}

func (e *upgradeError) Unwrap() error {
	return e.err
}

// attempt is one delivery of a message to one recipient via one host.
type attempt struct {
	host     string
	mode     Mode
	from, to string
	msg      *email.Message
}

// attemptFunc runs a single attempt. Tests replace it to script outcomes.
var attemptFunc = deliverOnce

// session is a single SMTP conversation. It owns its connection and is
// never reused.
type session struct {
	f    *Forwarder
	host string
	mode Mode
	helo string
	log  *zap.Logger

	conn   net.Conn
	cl     *smtp.Client
	state  State
	secure bool
	// dirty is set when the connection is not at a command boundary and
	// QUIT must not be sent.
	dirty bool
}

func deliverOnce(ctx context.Context, f *Forwarder, a attempt) Outcome {
	s := &session{
		f:    f,
		host: a.host,
		mode: a.mode,
		helo: f.heloName(a.from),
		log:  f.Log.With(zap.String("remote_server", a.host), zap.Stringer("mode", a.mode)),
	}

	metrics.IncSessions()
	defer metrics.DecSessions()
	defer s.close()

	if err := s.connect(ctx); err != nil {
		return s.fail(Retriable, err)
	}
	if err := s.greet(); err != nil {
		return s.fail(Retriable, err)
	}
	if err := s.negotiateSecurity(); err != nil {
		var ue *upgradeError
		if errors.As(err, &ue) {
			return s.fail(HostFatal, err)
		}
		return s.fail(Retriable, err)
	}
	if err := s.setEnvelope(a.from, a.to); err != nil {
		return s.fail(Retriable, err)
	}
	if err := s.sendBody(a.msg); err != nil {
		if errors.Is(err, ErrSerialize) {
			return s.fail(Fatal, err)
		}
		return s.fail(Retriable, err)
	}
	return Outcome{Kind: Success, Host: s.host, Mode: s.mode, State: s.state}
}

func (s *session) fail(kind Kind, err error) Outcome {
	out := Outcome{Kind: kind, Host: s.host, Mode: s.mode, State: s.state, Err: err}
	s.state = StateAborted
	return out
}

// implicitTLS reports whether the connection is encrypted from the start.
func (s *session) implicitTLS() bool {
	return s.mode == ModeSecure && s.f.SecureTransport == TransportImplicit && s.f.TLSConfig != nil
}

func (s *session) tlsConfig() *tls.Config {
	cfg := s.f.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = s.host
	}
	return cfg
}

func (s *session) connect(ctx context.Context) error {
	port := s.f.RelayPort
	if s.implicitTLS() {
		port = s.f.SecurePort
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(port))
	s.log.Debug("connecting", zap.String("addr", addr))

	dialCtx, cancel := context.WithTimeout(ctx, s.f.ConnectTimeout)
	defer cancel()

	conn, err := s.f.Dialer(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if s.implicitTLS() {
		tlsConn := tls.Client(conn, s.tlsConfig())
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
		s.secure = true
	}
	if err := conn.SetDeadline(time.Now().Add(s.f.IdleTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("set deadline: %w", err)
	}

	s.conn = conn
	s.cl = s.newClient(conn)
	s.state = StateConnected
	return nil
}

func (s *session) newClient(conn net.Conn) *smtp.Client {
	cl := smtp.NewClient(conn)
	cl.CommandTimeout = s.f.IdleTimeout
	cl.SubmissionTimeout = s.f.IdleTimeout
	return cl
}

// greet reads the server greeting and sends EHLO (HELO as fallback).
func (s *session) greet() error {
	if err := s.cl.Hello(s.helo); err != nil {
		return fmt.Errorf("helo: %w", checkReply(err))
	}
	s.state = StateGreeted
	return nil
}

// negotiateSecurity upgrades the channel with STARTTLS when the server
// offers it and a TLS context is configured. Secure attempts fail when no
// encrypted channel results.
func (s *session) negotiateSecurity() error {
	if s.secure {
		return nil
	}
	if s.f.TLSConfig == nil {
		if s.mode == ModeSecure {
			return fmt.Errorf("%w: no TLS context configured", ErrTLSRequired)
		}
		return nil
	}
	if ok, _ := s.cl.Extension("STARTTLS"); !ok {
		if s.mode == ModeSecure {
			return fmt.Errorf("%w: STARTTLS not offered", ErrTLSRequired)
		}
		s.log.Debug("STARTTLS not offered, continuing in plaintext")
		return nil
	}

	s.log.Debug("executing STARTTLS")
	if err := s.startTLS(); err != nil {
		// The connection is in an unknown state now; nothing else may be
		// sent on it, not even QUIT.
		s.dirty = true
		return &upgradeError{err: err}
	}
	s.secure = true
	s.state = StateSecureUpgraded
	return nil
}

// startTLS upgrades the plaintext connection in place. go-smtp only offers
// STARTTLS as part of client construction, so the command is issued on the
// raw connection once the EHLO reply has been consumed, and a fresh client
// greets again over TLS.
func (s *session) startTLS() error {
	if err := s.conn.SetDeadline(time.Now().Add(s.f.IdleTimeout)); err != nil {
		return err
	}
	tp := textproto.NewConn(s.conn)
	id, err := tp.Cmd("STARTTLS")
	if err != nil {
		return err
	}
	tp.StartResponse(id)
	code, msg, err := tp.ReadResponse(220)
	tp.EndResponse(id)
	if err != nil {
		var te *textproto.Error
		if errors.As(err, &te) {
			return &ReplyError{Code: code, Message: msg, Err: err}
		}
		return err
	}

	tlsConn := tls.Client(s.conn, s.tlsConfig())
	ctx, cancel := context.WithTimeout(context.Background(), s.f.IdleTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	s.conn = tlsConn
	s.cl = s.newClient(&greetedConn{Conn: tlsConn, pending: []byte("220 " + s.host + "\r\n")})
	if err := s.cl.Hello(s.helo); err != nil {
		return fmt.Errorf("helo: %w", checkReply(err))
	}
	return nil
}

func (s *session) setEnvelope(from, to string) error {
	if err := s.cl.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", checkReply(err))
	}
	s.state = StateSenderSet
	if err := s.cl.Rcpt(to, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", checkReply(err))
	}
	s.state = StateRecipientSet
	return nil
}

func (s *session) sendBody(msg *email.Message) error {
	wc, err := s.cl.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", checkReply(err))
	}

	w := &trackingWriter{w: wc, conn: s.conn, timeout: s.f.IdleTimeout}
	if err := s.f.Formatter(w, msg); err != nil {
		// Never terminate a partial body; the remote would accept it.
		s.dirty = true
		if w.err != nil {
			return fmt.Errorf("data write: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	s.state = StateDataSent

	if err := s.conn.SetDeadline(time.Now().Add(s.f.IdleTimeout)); err != nil {
		s.dirty = true
		return fmt.Errorf("data close: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("data close: %w", checkReply(err))
	}
	s.state = StateCompleted
	return nil
}

// close tears the conversation down. It is safe to call in any state.
func (s *session) close() {
	if s.cl == nil {
		if s.conn != nil {
			s.conn.Close()
		}
		return
	}
	if !s.dirty {
		err := s.cl.Quit()
		if err == nil {
			return
		}
		s.log.Debug("QUIT failed", zap.Error(err))
	}
	s.cl.Close()
}

// writeChunk is the largest write issued under a single deadline.
const writeChunk = 64 << 10

// trackingWriter bounds every body write by timeout and remembers the first
// write error so transport failures can be told apart from formatter
// failures.
type trackingWriter struct {
	w       io.Writer
	conn    net.Conn
	timeout time.Duration
	err     error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 && t.err == nil {
		chunk := p
		if len(chunk) > writeChunk {
			chunk = chunk[:writeChunk]
		}
		if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
			t.err = err
			break
		}
		n, err := t.w.Write(chunk)
		written += n
		p = p[n:]
		if err != nil {
			t.err = err
		}
	}
	return written, t.err
}

// greetedConn replays a server greeting before reading from Conn. It lets a
// new go-smtp client take over a connection whose greeting was already
// consumed.
type greetedConn struct {
	net.Conn
	pending []byte
}

func (c *greetedConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
