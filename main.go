package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"smtprelay/delivery"
	"smtprelay/health"
	"smtprelay/internal/config"
	"smtprelay/internal/dkim"
	"smtprelay/internal/email"
	relaylog "smtprelay/internal/log"
	"smtprelay/origin"
	"smtprelay/queue"
	"smtprelay/tlsconfig"
)

const originCheckTimeout = 10 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "smtprelay:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "smtprelay",
		Usage: "relay mail to the MX hosts of its recipients",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "load settings from `FILE` before reading the environment",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging (same as SMTP_DEBUG=1)",
			},
		},
		Before: func(c *cli.Context) error {
			return config.Load(c.StringSlice("env-file")...)
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "accept mail over SMTP and forward it",
				Action: serve,
			},
			{
				Name:      "send",
				Usage:     "forward a stored message carrying relay headers",
				ArgsUsage: "FILE",
				Action:    send,
			},
			{
				Name:      "check-origin",
				Usage:     "check whether NAME resolves to IP",
				ArgsUsage: "NAME IP",
				Action:    checkOrigin,
			},
		},
	}
}

func newLogger(c *cli.Context) *zap.Logger {
	return relaylog.Must(c.Bool("debug") || relaylog.DebugFromEnv())
}

// newForwarder builds the forwarder from the environment.
func newForwarder(log *zap.Logger) (*delivery.Forwarder, error) {
	tlsConf, err := tlsconfig.LoadClientConfig()
	switch {
	case errors.Is(err, tlsconfig.ErrTLSDisabled):
		log.Warn("outbound TLS disabled, only plaintext delivery will be attempted")
		tlsConf = nil
	case err != nil:
		return nil, err
	}

	order, err := delivery.ParseProbeOrder(config.ProbeOrder())
	if err != nil {
		return nil, err
	}
	transport, err := delivery.ParseSecureTransport(config.SecureTransport())
	if err != nil {
		return nil, err
	}
	signer, err := dkim.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	f := &delivery.Forwarder{
		Hostname:        config.HeloName(),
		TLSConfig:       tlsConf,
		InternalDomains: config.InternalDomains(),
		Resolver:        delivery.NewMXResolver(nil, log),
		ProbeOrder:      order,
		SecureTransport: transport,
		ConnectTimeout:  config.ConnectTimeout(),
		IdleTimeout:     config.IdleTimeout(),
		RelayPort:       config.RelayPort(),
		SecurePort:      config.SecurePort(),
		Log:             log,
	}
	if signer != nil {
		log.Info("DKIM signing enabled", zap.String("selector", signer.Selector()))
		f.Formatter = signer.Format
	}
	return f, nil
}

func serve(c *cli.Context) error {
	log := newLogger(c)
	defer log.Sync()

	f, err := newForwarder(log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := config.HealthAddr(); addr != "" {
		srv, _, err := health.StartHealthServer(addr, log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	q := queue.NewManager(f, config.QueueDepth(), log)
	q.Start(context.Background(), config.Workers())
	defer q.Stop()

	be := &backend{
		validator:   origin.New(nil, log),
		checkOrigin: config.CheckOrigin(),
		trusted:     config.TrustedNetworks(),
		queue:       q,
		log:         log,
	}
	s, err := newServer(be, config.ListenAddr(), log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("SMTP server listening", zap.String("addr", s.Addr), zap.Bool("starttls", s.TLSConfig != nil))
		errCh <- s.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return s.Close()
	case err := <-errCh:
		return err
	}
}

func newServer(be smtp.Backend, addr string, log *zap.Logger) (*smtp.Server, error) {
	tlsConf, err := tlsconfig.LoadServerConfig()
	switch {
	case errors.Is(err, tlsconfig.ErrTLSDisabled):
		tlsConf = nil
	case err != nil:
		return nil, err
	}

	s := smtp.NewServer(be)
	s.Addr = addr
	s.Domain = config.Hostname()
	s.ReadTimeout = 15 * time.Minute
	s.WriteTimeout = time.Minute
	s.MaxMessageBytes = 32 << 20
	s.MaxRecipients = 100
	s.TLSConfig = tlsConf
	s.ErrorLog = zap.NewStdLog(log.Named("smtp"))
	return s, nil
}

func send(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: smtprelay send FILE", 2)
	}
	log := newLogger(c)
	defer log.Sync()

	f, err := newForwarder(log)
	if err != nil {
		return err
	}

	file, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer file.Close()
	msg, err := email.ReadMessage(file)
	if err != nil {
		return err
	}

	failed := printReports(c.App.Writer, f.Handle(c.Context, msg))
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d recipient(s) failed", failed), 1)
	}
	return nil
}

func printReports(w io.Writer, reports []delivery.Report) (failed int) {
	for _, rep := range reports {
		if rep.Delivered {
			fmt.Fprintf(w, "%s: delivered via %s (%s)\n", rep.Recipient, rep.Host, rep.Mode)
			continue
		}
		failed++
		fmt.Fprintf(w, "%s: failed: %v\n", rep.Recipient, rep.Err)
	}
	return failed
}

func checkOrigin(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: smtprelay check-origin NAME IP", 2)
	}
	ip := net.ParseIP(c.Args().Get(1))
	if ip == nil {
		return cli.Exit("invalid IP address "+c.Args().Get(1), 2)
	}
	log := newLogger(c)
	defer log.Sync()

	ctx, cancel := context.WithTimeout(c.Context, originCheckTimeout)
	defer cancel()
	if !origin.New(nil, log).Accept(ctx, c.Args().First(), &net.IPAddr{IP: ip}) {
		fmt.Fprintln(c.App.Writer, "rejected")
		return cli.Exit("", 1)
	}
	fmt.Fprintln(c.App.Writer, "accepted")
	return nil
}
