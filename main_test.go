package main

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zaptest"

	"smtprelay/delivery"
	"smtprelay/internal/email"
	"smtprelay/origin"
	"smtprelay/queue"
)

type captureQueue struct {
	mu   sync.Mutex
	msgs []*email.Message
	err  error
}

func (q *captureQueue) Enqueue(msg *email.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *captureQueue) messages() []*email.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*email.Message(nil), q.msgs...)
}

func testBackend(t *testing.T, q enqueuer) *backend {
	t.Helper()
	log := zaptest.NewLogger(t)
	zones := map[string]mockdns.Zone{
		"client.example.invalid.": {A: []string{"127.0.0.1"}},
		"other.example.invalid.":  {A: []string{"192.0.2.99"}},
	}
	return &backend{
		validator:   origin.New(&mockdns.Resolver{Zones: zones}, log),
		checkOrigin: true,
		queue:       q,
		log:         log,
	}
}

func startServer(t *testing.T, be *backend) string {
	t.Helper()
	s := smtp.NewServer(be)
	s.Domain = "relay.test"
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go s.Serve(ln)
	t.Cleanup(func() { s.Close() })
	return ln.Addr().String()
}

func submit(t *testing.T, addr, helo, raw string, rcpts ...string) error {
	t.Helper()
	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer c.Close()
	if err := c.Hello(helo); err != nil {
		return err
	}
	if err := c.Mail("sender@example.com", nil); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestBackendStampsRelayHeaders(t *testing.T) {
	q := &captureQueue{}
	addr := startServer(t, testBackend(t, q))

	raw := "X-Original-To: smuggled@example.invalid\r\nSubject: hi\r\n\r\nbody\r\n"
	if err := submit(t, addr, "client.example.invalid", raw, "a@example.invalid", "b@example.net"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	msgs := q.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one queued message, got %d", len(msgs))
	}
	msg := msgs[0]
	if got := msg.Values(email.HeaderOriginalFrom); len(got) != 1 || got[0] != "<sender@example.com>" {
		t.Fatalf("unexpected originator %v", got)
	}
	rcpts := msg.Values(email.HeaderOriginalTo)
	sort.Strings(rcpts)
	if strings.Join(rcpts, ",") != "a@example.invalid,b@example.net" {
		t.Fatalf("expected envelope recipients only, got %v", rcpts)
	}
	if msg.Header.Get("Subject") != "hi" {
		t.Fatalf("expected original headers kept")
	}
}

func TestBackendRejectsMismatchedOrigin(t *testing.T) {
	addr := startServer(t, testBackend(t, &captureQueue{}))

	err := submit(t, addr, "other.example.invalid", "Subject: hi\r\n\r\nbody\r\n", "a@example.invalid")
	var se *smtp.SMTPError
	if !errors.As(err, &se) || se.Code != 550 {
		t.Fatalf("expected 550 on HELO, got %v", err)
	}
}

func TestBackendTrustedNetworkSkipsOriginCheck(t *testing.T) {
	q := &captureQueue{}
	be := testBackend(t, q)
	_, loopback, _ := net.ParseCIDR("127.0.0.0/8")
	be.trusted = []*net.IPNet{loopback}
	addr := startServer(t, be)

	if err := submit(t, addr, "nowhere.invalid", "Subject: hi\r\n\r\nbody\r\n", "a@example.invalid"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(q.messages()) != 1 {
		t.Fatalf("expected message from trusted peer to be queued")
	}
}

func TestBackendQueueFull(t *testing.T) {
	q := &captureQueue{err: queue.ErrFull}
	addr := startServer(t, testBackend(t, q))

	err := submit(t, addr, "client.example.invalid", "Subject: hi\r\n\r\nbody\r\n", "a@example.invalid")
	var se *smtp.SMTPError
	if !errors.As(err, &se) || se.Code != 451 {
		t.Fatalf("expected 451 when the queue is full, got %v", err)
	}
}

func TestBackendRejectsInvalidRecipient(t *testing.T) {
	addr := startServer(t, testBackend(t, &captureQueue{}))

	err := submit(t, addr, "client.example.invalid", "Subject: hi\r\n\r\nbody\r\n", "no-at-sign")
	var se *smtp.SMTPError
	if !errors.As(err, &se) || se.Code/100 != 5 {
		t.Fatalf("expected permanent rejection of invalid recipient, got %v", err)
	}
}

func TestPrintReports(t *testing.T) {
	var buf bytes.Buffer
	failed := printReports(&buf, []delivery.Report{
		{Recipient: "a@example.invalid", Delivered: true, Host: "mx.example.invalid", Mode: delivery.ModeSecure},
		{Recipient: "b@example.invalid", Err: delivery.ErrNoRoute},
	})
	if failed != 1 {
		t.Fatalf("expected 1 failure, got %d", failed)
	}
	out := buf.String()
	if !strings.Contains(out, "a@example.invalid: delivered via mx.example.invalid (secure)") {
		t.Fatalf("unexpected output %q", out)
	}
	if !strings.Contains(out, "b@example.invalid: failed: no MX candidates") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSendInternalOnlyWithEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "relay.env")
	if err := os.WriteFile(envFile, []byte("SMTP_INTERNAL_DOMAINS=local.test\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	msgFile := filepath.Join(dir, "message.eml")
	raw := "X-Original-From: <sender@example.com>\r\nX-Original-To: alice@local.test\r\nSubject: hi\r\n\r\nbody\r\n"
	if err := os.WriteFile(msgFile, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SMTP_INTERNAL_DOMAINS", "")
	os.Unsetenv("SMTP_INTERNAL_DOMAINS")

	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	if err := app.Run([]string{"smtprelay", "--env-file", envFile, "send", msgFile}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no reports for internal recipients, got %q", out.String())
	}
}

func TestCommandUsageErrors(t *testing.T) {
	exiter := cli.OsExiter
	var codes []int
	cli.OsExiter = func(code int) { codes = append(codes, code) }
	t.Cleanup(func() { cli.OsExiter = exiter })

	for _, args := range [][]string{
		{"smtprelay", "send"},
		{"smtprelay", "check-origin", "mail.example.invalid"},
		{"smtprelay", "check-origin", "mail.example.invalid", "not-an-ip"},
	} {
		app := newApp()
		app.Writer = io.Discard
		app.ErrWriter = io.Discard
		if err := app.Run(args); err == nil {
			t.Fatalf("%v: expected usage error", args)
		}
	}
	for _, code := range codes {
		if code != 2 {
			t.Fatalf("expected exit code 2, got %v", codes)
		}
	}
}
