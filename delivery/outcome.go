package delivery

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

var (
	// ErrNoRoute is reported when a domain has no usable MX candidates.
	ErrNoRoute = errors.New("no MX candidates")
	// ErrTLSRequired is reported when a secure attempt reaches a server
	// that cannot provide an encrypted channel.
	ErrTLSRequired = errors.New("TLS required but not available")
	// ErrSerialize marks a failure to produce the message bytes. It fails
	// the recipient on every host alike.
	ErrSerialize = errors.New("message serialization failed")
)

// Kind classifies how one session attempt ended.
type Kind int

const (
	// Success means the remote server accepted the message.
	Success Kind = iota
	// Retriable moves on to the next mode or candidate.
	Retriable
	// HostFatal rules the host out for this message in every mode, the
	// next candidate may still be tried.
	HostFatal
	// Fatal aborts delivery for the recipient.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retriable:
		return "retriable"
	case HostFatal:
		return "host_fatal"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of a single attempt against one host in one mode.
type Outcome struct {
	Kind Kind
	Host string
	Mode Mode
	// State is the last session state reached before the attempt ended.
	State State
	Err   error
}

func (o Outcome) String() string {
	if o.Err == nil {
		return fmt.Sprintf("%s %s: %s", o.Host, o.Mode, o.Kind)
	}
	return fmt.Sprintf("%s %s: %s at %s: %v", o.Host, o.Mode, o.Kind, o.State, o.Err)
}

// ReplyError is a negative reply from the remote server.
type ReplyError struct {
	Code    int
	Message string
	Err     error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the reply was a transient negative completion.
func (e *ReplyError) Temporary() bool {
	return e.Code/100 == 4
}

// checkReply turns a go-smtp reply failure into a ReplyError. go-smtp
// accepts only the positive completion code each command expects, so any
// reply it reports is a step failure.
func checkReply(err error) error {
	if err == nil {
		return nil
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &ReplyError{Code: se.Code, Message: se.Message, Err: err}
	}
	return err
}
