// Package tlsconfig builds the TLS contexts used for outbound delivery and
// for the inbound listener.
package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"smtprelay/internal/config"
)

// ErrTLSDisabled is returned when SMTP_TLS_DISABLE is true.
var ErrTLSDisabled = errors.New("tls disabled")

func disabled() bool {
	return config.Bool("SMTP_TLS_DISABLE", false)
}

// LoadClientConfig returns the TLS context used for STARTTLS and secure
// attempts towards mail exchangers.
//
//	SMTP_TLS_CA_FILE – PEM bundle used instead of the system roots
//	SMTP_TLS_INSECURE_SKIP_VERIFY – accept any server certificate
//	SMTP_TLS_CERT / SMTP_TLS_KEY – client certificate, when both are set
func LoadClientConfig() (*tls.Config, error) {
	if disabled() {
		return nil, ErrTLSDisabled
	}

	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: config.Bool("SMTP_TLS_INSECURE_SKIP_VERIFY", false),
	}

	if caFile := strings.TrimSpace(os.Getenv("SMTP_TLS_CA_FILE")); caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("tlsconfig: no certificates in %s", caFile)
		}
		conf.RootCAs = pool
	}

	cert, ok, err := loadKeyPair()
	if err != nil {
		return nil, err
	}
	if ok {
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// LoadServerConfig returns the TLS context offered by the inbound listener.
// Without SMTP_TLS_CERT and SMTP_TLS_KEY an ephemeral self-signed
// certificate for the configured hostname is generated.
func LoadServerConfig() (*tls.Config, error) {
	if disabled() {
		return nil, ErrTLSDisabled
	}

	cert, ok, err := loadKeyPair()
	if err != nil {
		return nil, err
	}
	if !ok {
		cert, err = ephemeralCertificate(config.Hostname())
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: generate certificate: %w", err)
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadKeyPair() (tls.Certificate, bool, error) {
	certFile := strings.TrimSpace(os.Getenv("SMTP_TLS_CERT"))
	keyFile := strings.TrimSpace(os.Getenv("SMTP_TLS_KEY"))
	if certFile == "" || keyFile == "" {
		return tls.Certificate{}, false, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, false, fmt.Errorf("tlsconfig: load key pair: %w", err)
	}
	return cert, true, nil
}

func ephemeralCertificate(hostname string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		DNSNames:              []string{hostname},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
