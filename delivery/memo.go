package delivery

import (
	"fmt"
	"strings"
	"sync"

	"smtprelay/internal/metrics"
)

// Mode is the transport security mode known to work with a host.
type Mode int

const (
	ModeUnknown Mode = iota
	// ModeSecure requires an encrypted channel before the envelope is sent.
	ModeSecure
	// ModeInsecure does not require encryption. STARTTLS is still used
	// when the host offers it.
	ModeInsecure
)

func (m Mode) String() string {
	switch m {
	case ModeUnknown:
		return "unknown"
	case ModeSecure:
		return "secure"
	case ModeInsecure:
		return "insecure"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// SecurityMemo remembers, for the process lifetime, which mode each host
// accepted mail in. The zero value is ready to use and safe for concurrent
// use.
//
// Two concurrent first deliveries to an unknown host both probe it. Settle
// is a single set-if-absent, so only the first successful probe is stored
// and every caller is told which mode won.
type SecurityMemo struct {
	modes sync.Map // canonical host -> Mode
}

// NewSecurityMemo returns an empty memo.
func NewSecurityMemo() *SecurityMemo {
	return &SecurityMemo{}
}

// Get returns the settled mode of host or ModeUnknown.
func (m *SecurityMemo) Get(host string) Mode {
	v, ok := m.modes.Load(memoKey(host))
	if !ok {
		return ModeUnknown
	}
	return v.(Mode)
}

// Settle records mode for host unless a mode is already stored, and returns
// the stored mode.
func (m *SecurityMemo) Settle(host string, mode Mode) Mode {
	if mode == ModeUnknown {
		return m.Get(host)
	}
	actual, loaded := m.modes.LoadOrStore(memoKey(host), mode)
	if !loaded {
		metrics.MemoizedHosts.WithLabelValues(mode.String()).Inc()
	}
	return actual.(Mode)
}

// Len returns the number of settled hosts.
func (m *SecurityMemo) Len() int {
	n := 0
	m.modes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns a copy of the settled hosts.
func (m *SecurityMemo) Snapshot() map[string]Mode {
	out := make(map[string]Mode)
	m.modes.Range(func(k, v any) bool {
		out[k.(string)] = v.(Mode)
		return true
	})
	return out
}

func memoKey(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
