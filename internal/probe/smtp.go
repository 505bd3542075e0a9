package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/ignite/transport-probe/internal/discovery"
)

// SMTPProber proves an SMTP endpoint is usable for sending: connect,
// negotiate encryption for the requested mode, authenticate, walk a
// MAIL/RCPT/RSET envelope sequence and quit. It never issues DATA, so
// no message can leave the probe.
type SMTPProber struct {
	log zerolog.Logger

	// InsecureTLS skips certificate verification. Only set when
	// probing endpoints with self-signed certificates.
	InsecureTLS bool
}

func NewSMTPProber(log zerolog.Logger) *SMTPProber {
	return &SMTPProber{log: log}
}

func (p *SMTPProber) tlsConfig(host string) *tls.Config {
	return &tls.Config{ServerName: host, InsecureSkipVerify: p.InsecureTLS}
}

// Probe runs one SMTP probe attempt. Every failure comes back
// classified inside the Outcome. The connection is released on every
// exit path, including cancellation.
func (p *SMTPProber) Probe(ctx context.Context, req Request) Outcome {
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
			// Unblock in-flight reads so the deferred close is not
			// stuck behind a slow server.
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	client := smtp.NewClient(conn)
	client.CommandTimeout = req.CommandTimeout
	client.SubmissionTimeout = req.CommandTimeout
	defer client.Close()

	if err := client.Hello(req.HelloDomain); err != nil {
		return p.report(req, failedErr(stage, err))
	}

	if req.Mode == discovery.ModeSTARTTLS {
		stage = StageTLS
		if ok, _ := client.Extension("STARTTLS"); !ok {
			// Never hand credentials to a submission server that
			// cannot upgrade the connection.
			return p.report(req, failed(stage, KindTLSRequired, "server does not advertise STARTTLS"))
		}
		if err := client.StartTLS(p.tlsConfig(req.Host)); err != nil {
			return p.report(req, failedErr(stage, err))
		}
	}

	if req.Credentials.Username != "" {
		stage = StageAuth
		ok, mechs := client.Extension("AUTH")
		if !ok {
			return p.report(req, failed(stage, KindAuthFailed, "server does not advertise AUTH"))
		}
		if err := client.Auth(saslClient(mechs, req.Credentials)); err != nil {
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) {
				return p.report(req, failed(stage, KindAuthFailed, smtpErr.Error()))
			}
			return p.report(req, failedErr(stage, err))
		}

		// Exercise the envelope far enough to prove the session can
		// actually send, then roll it back.
		sender := req.Credentials.Username
		if !strings.Contains(sender, "@") {
			sender = "postmaster@" + req.HelloDomain
		}
		if err := client.Mail(sender, nil); err != nil {
			return p.report(req, protocolFailure(stage, err))
		}
		if err := client.Rcpt(sender, nil); err != nil {
			return p.report(req, protocolFailure(stage, err))
		}
		if err := client.Reset(); err != nil {
			return p.report(req, protocolFailure(stage, err))
		}
	}

	if err := client.Quit(); err != nil {
		return p.report(req, failedErr(stage, err))
	}
	return p.report(req, succeeded(start))
}

// protocolFailure classifies a command rejection. A structured server
// reply is a generic protocol error; anything else is a transport
// fault.
func protocolFailure(stage Stage, err error) Outcome {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return failed(stage, KindUnknown, smtpErr.Error())
	}
	return failedErr(stage, err)
}

func saslClient(mechs string, creds Credentials) sasl.Client {
	upper := strings.ToUpper(mechs)
	if !strings.Contains(upper, sasl.Plain) && strings.Contains(upper, sasl.Login) {
		return sasl.NewLoginClient(creds.Username, creds.Password)
	}
	return sasl.NewPlainClient("", creds.Username, creds.Password)
}

func (p *SMTPProber) report(req Request, out Outcome) Outcome {
	ev := p.log.Debug().
		Str("protocol", "smtp").
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
