package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"smtprelay/internal/email"
	"smtprelay/origin"
	"smtprelay/queue"
)

type enqueuer interface {
	Enqueue(msg *email.Message) error
}

// backend accepts inbound mail and queues it for forwarding.
type backend struct {
	validator   *origin.Validator
	checkOrigin bool
	trusted     []*net.IPNet
	queue       enqueuer
	log         *zap.Logger
}

var errOriginMismatch = &smtp.SMTPError{
	Code:         550,
	EnhancedCode: smtp.EnhancedCode{5, 7, 1},
	Message:      "HELO name does not resolve to your address",
}

// NewSession runs after HELO/EHLO, so the claimed name is known.
func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	peer := c.Conn().RemoteAddr()
	log := b.log.With(zap.String("peer", peer.String()), zap.String("helo", c.Hostname()))

	if b.checkOrigin && !b.isTrusted(peer) {
		ctx, cancel := context.WithTimeout(context.Background(), originCheckTimeout)
		defer cancel()
		if !b.validator.Accept(ctx, c.Hostname(), peer) {
			return nil, errOriginMismatch
		}
	}
	log.Debug("session started")
	return &session{b: b, log: log}, nil
}

func (b *backend) isTrusted(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, n := range b.trusted {
		if n.Contains(tcp.IP) {
			return true
		}
	}
	return false
}

type session struct {
	b    *backend
	log  *zap.Logger
	from string
	to   []string
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if from != "" {
		if _, _, err := email.Split(from); err != nil {
			return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 7}, Message: "Invalid sender address"}
		}
	}
	s.from = from
	s.to = nil
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if _, _, err := email.Split(to); err != nil {
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: "Invalid recipient address"}
	}
	s.to = append(s.to, to)
	return nil
}

// Data stamps the envelope into relay headers and queues the message.
// Relay headers supplied by the client are discarded first.
func (s *session) Data(r io.Reader) error {
	msg, err := email.ReadMessage(r)
	if err != nil {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "Malformed message"}
	}
	msg.StripRelayHeaders()
	msg.Header.Add(email.HeaderOriginalFrom, "<"+s.from+">")
	for _, rcpt := range s.to {
		msg.Header.Add(email.HeaderOriginalTo, rcpt)
	}

	if err := s.b.queue.Enqueue(msg); err != nil {
		s.log.Warn("could not queue message", zap.Error(err))
		if errors.Is(err, queue.ErrFull) {
			return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 1}, Message: "Too busy, try again later"}
		}
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: fmt.Sprintf("Not accepting mail: %v", err)}
	}
	s.log.Info("message queued", zap.String("from", s.from), zap.Int("recipients", len(s.to)))
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
