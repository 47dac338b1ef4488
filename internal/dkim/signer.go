// Package dkim signs relayed messages on their way out.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"smtprelay/internal/email"
)

var defaultHeaderKeys = []string{
	"from",
	"to",
	"subject",
	"date",
	"mime-version",
	"content-type",
	"message-id",
}

// Signer applies DKIM signatures to messages when configured. A nil Signer
// passes messages through unchanged.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// New returns a signer for selector. With domain empty the signing domain
// is taken from each message's From header.
func New(domain, selector string, key crypto.Signer) *Signer {
	return &Signer{
		domain:     strings.ToLower(strings.TrimSpace(domain)),
		selector:   selector,
		key:        key,
		headerKeys: defaultHeaderKeys,
	}
}

// Selector returns the configured DKIM selector string.
func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.selector
}

// Domain returns the configured DKIM signing domain, if any.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// LoadFromEnv initializes a Signer using environment variables. It returns
// nil, nil when DKIM is not configured.
// Required env vars:
//
//	SMTP_DKIM_SELECTOR – DKIM selector string
//	SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY – PEM encoded private key
//
// Optional:
//
//	SMTP_DKIM_DOMAIN – overrides the domain taken from the From header
func LoadFromEnv() (*Signer, error) {
	selector := strings.TrimSpace(os.Getenv("SMTP_DKIM_SELECTOR"))
	keyPath := strings.TrimSpace(os.Getenv("SMTP_DKIM_KEY_PATH"))
	inlineKey := os.Getenv("SMTP_DKIM_PRIVATE_KEY")
	domain := strings.TrimSpace(os.Getenv("SMTP_DKIM_DOMAIN"))

	if selector == "" && keyPath == "" && inlineKey == "" && domain == "" {
		return nil, nil
	}
	if selector == "" {
		return nil, fmt.Errorf("dkim: SMTP_DKIM_SELECTOR is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case inlineKey != "":
		pemData = []byte(inlineKey)
	case keyPath != "":
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("dkim: provide SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return New(domain, selector, key), nil
}

// Format serializes msg with email.WriteMessage, signs it and writes the
// result to w. It has the shape of email.Formatter.
func (s *Signer) Format(w io.Writer, msg *email.Message) error {
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}
	if s == nil || s.key == nil || msg.Header.Has("DKIM-Signature") {
		_, err = w.Write(raw)
		return err
	}

	domain := s.domain
	if domain == "" {
		domain = fromDomain(msg)
	}
	signed, err := s.Sign(raw, domain)
	if err != nil {
		return err
	}
	_, err = w.Write(signed)
	return err
}

// Sign ensures the message carries a DKIM signature for domain, or for the
// configured domain when one is set. A message that already includes a
// DKIM-Signature header is left untouched.
func (s *Signer) Sign(message []byte, domain string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}
	if hasSignature(message) {
		return message, nil
	}

	if s.domain != "" {
		domain = s.domain
	}
	if domain == "" {
		return nil, errors.New("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	reader := bytes.NewReader(normalizeLineEndings(message))
	if err := msgauthdkim.Sign(&signed, reader, opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

// fromDomain returns the domain of the first From address, or "".
func fromDomain(msg *email.Message) string {
	h := mail.Header{Header: message.Header{Header: msg.Header}}
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return ""
	}
	domain, err := email.Domain(addrs[0].Address)
	if err != nil {
		return ""
	}
	return domain
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, errors.New("no private key found in PEM data")
}

func hasSignature(message []byte) bool {
	upper := bytes.ToUpper(headerBlock(message))
	return bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:")) || bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:"))
}

// headerBlock returns the lines of message before the first empty line.
func headerBlock(message []byte) []byte {
	for i := 0; i < len(message); {
		j := bytes.IndexByte(message[i:], '\n')
		if j < 0 {
			break
		}
		if line := bytes.TrimSuffix(message[i:i+j], []byte("\r")); len(line) == 0 {
			return message[:i]
		}
		i += j + 1
	}
	return message
}

func normalizeLineEndings(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	lines := bytes.Split(data, []byte{'\n'})
	return bytes.Join(lines, []byte("\r\n"))
}
