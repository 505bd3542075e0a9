package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/ignite/transport-probe/internal/discovery"
)

// IMAPProber proves an IMAP endpoint is usable for receiving:
// connect, negotiate encryption for the requested mode, read the
// capability set, log in and log out cleanly.
type IMAPProber struct {
	log zerolog.Logger

	// InsecureTLS skips certificate verification. Only set when
	// probing endpoints with self-signed certificates.
	InsecureTLS bool
}

func NewIMAPProber(log zerolog.Logger) *IMAPProber {
	return &IMAPProber{log: log}
}

func (p *IMAPProber) tlsConfig(host string) *tls.Config {
	return &tls.Config{ServerName: host, InsecureSkipVerify: p.InsecureTLS}
}

// Probe runs one IMAP probe attempt. The client library has no
// per-command timeout knob, so each protocol phase arms a fresh
// deadline on the raw connection instead.
func (p *IMAPProber) Probe(ctx context.Context, req Request) Outcome {
	req = req.normalized()
	stage := StageConnecting
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	start := time.Now()

	dialer := &net.Dialer{Timeout: req.ConnectTimeout}

	var (
		conn net.Conn
		err  error
	)
	if req.Mode == discovery.ModeSSL {
		td := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig(req.Host)}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return p.report(req, failedErr(stage, err))
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	opts := &imapclient.Options{TLSConfig: p.tlsConfig(req.Host)}

	var cli *imapclient.Client
	if req.Mode == discovery.ModeSTARTTLS {
		stage = StageTLS
		conn.SetDeadline(time.Now().Add(req.CommandTimeout))
		cli, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			var imapErr *imap.Error
			if errors.As(err, &imapErr) {
				// The server answered the upgrade request with NO or
				// BAD. Credentials never crossed the wire.
				return p.report(req, failed(stage, KindTLSRequired, imapErr.Text))
			}
			return p.report(req, failedErr(stage, err))
		}
	} else {
		cli = imapclient.New(conn, opts)
	}
	defer cli.Close()

	if req.Mode != discovery.ModeSTARTTLS {
		conn.SetDeadline(time.Now().Add(req.CommandTimeout))
		if err := cli.WaitGreeting(); err != nil {
			return p.report(req, failedErr(stage, err))
		}
	}

	conn.SetDeadline(time.Now().Add(req.CommandTimeout))
	caps, err := cli.Capability().Wait()
	if err != nil {
		return p.report(req, failedErr(stage, err))
	}

	if req.Credentials.Username != "" {
		stage = StageAuth
		if caps.Has(imap.CapLoginDisabled) {
			// LOGINDISABLED on this connection means the server wants
			// TLS first.
			return p.report(req, failed(stage, KindTLSRequired, "server disables LOGIN on this connection"))
		}
		conn.SetDeadline(time.Now().Add(req.CommandTimeout))
		if err := cli.Login(req.Credentials.Username, req.Credentials.Password).Wait(); err != nil {
			var imapErr *imap.Error
			if errors.As(err, &imapErr) {
				return p.report(req, failed(stage, KindAuthFailed, imapErr.Text))
			}
			return p.report(req, failedErr(stage, err))
		}
	}

	conn.SetDeadline(time.Now().Add(req.CommandTimeout))
	if err := cli.Logout().Wait(); err != nil {
		return p.report(req, failedErr(stage, err))
	}
	return p.report(req, succeeded(start))
}

func (p *IMAPProber) report(req Request, out Outcome) Outcome {
	ev := p.log.Debug().
		Str("protocol", "imap").
		Str("host", req.Host).
		Int("port", req.Port).
		Str("mode", string(req.Mode)).
		Str("stage", string(out.Stage)).
		Bool("success", out.Success)
	if out.Success {
		ev.Dur("latency", out.Latency).Msg("probe succeeded")
	} else {
		ev.Str("kind", string(out.Kind)).Str("detail", out.Detail).Msg("probe failed")
	}
	return out
}
