package email

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidAddress indicates the address failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
)

// Split separates an address into local part and domain at the first '@'.
// Surrounding whitespace and angle brackets are removed first.
func Split(address string) (local, domain string, err error) {
	address = strings.TrimSpace(address)
	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")

	at := strings.IndexByte(address, '@')
	switch {
	case at == -1:
		return "", "", fmt.Errorf("%w: missing at-sign", ErrInvalidAddress)
	case at == 0:
		return "", "", fmt.Errorf("%w: empty local part", ErrInvalidAddress)
	case at == len(address)-1:
		return "", "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	local, domain = address[:at], address[at+1:]
	if strings.ContainsAny(domain, " \t") {
		return "", "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}
	return local, domain, nil
}

// Domain returns the canonical domain component of an address.
func Domain(address string) (string, error) {
	_, domain, err := Split(address)
	if err != nil {
		return "", err
	}
	domain = CanonicalDomain(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	return domain, nil
}

// CanonicalDomain converts a domain into the form used for comparisons:
// Unicode labels, NFC, lower case, no trailing dot. Invalid A-labels are
// only lower-cased.
func CanonicalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	u, err := idna.ToUnicode(domain)
	if err != nil {
		return strings.ToLower(domain)
	}
	// strings.ToLower does not do full case folding, NFC has to come first.
	return strings.ToLower(norm.NFC.String(u))
}

// EqualDomains reports whether both names refer to the same domain.
func EqualDomains(a, b string) bool {
	if a == b {
		return true
	}
	return CanonicalDomain(a) == CanonicalDomain(b)
}
