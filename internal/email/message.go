package email

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
)

// Relay-control headers set by the receiving side. They carry routing
// information to the forwarder and must never leave it.
const (
	HeaderOriginalFrom    = "X-Original-From"
	HeaderOriginalTo      = "X-Original-To"
	HeaderAuthorizationID = "X-Requested-Authorization-Id"
)

var relayHeaders = []string{HeaderOriginalFrom, HeaderOriginalTo, HeaderAuthorizationID}

// Message is a parsed message: header fields plus the raw body.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// Formatter serializes a message into its wire form.
type Formatter func(w io.Writer, msg *Message) error

// ReadMessage parses a message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Message{Header: hdr, Body: body}, nil
}

// WriteMessage is the default Formatter.
func WriteMessage(w io.Writer, msg *Message) error {
	if err := textproto.WriteHeader(w, msg.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(msg.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Bytes returns the message serialized with WriteMessage.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Values returns all values of the header field k in order.
func (m *Message) Values(k string) []string {
	var values []string
	fields := m.Header.FieldsByKey(k)
	for fields.Next() {
		values = append(values, fields.Value())
	}
	return values
}

// StripRelayHeaders removes every relay-control header from the message.
func (m *Message) StripRelayHeaders() {
	for _, k := range relayHeaders {
		m.Header.Del(k)
	}
}
