package discovery

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TLSDetector classifies how a host:port negotiates encryption.
type TLSDetector struct {
	timeout     time.Duration
	helloDomain string
	log         zerolog.Logger
}

// NewTLSDetector builds a detector. timeout bounds the TCP connect
// and every protocol read; helloDomain is used in the EHLO probe.
func NewTLSDetector(log zerolog.Logger, timeout time.Duration, helloDomain string) *TLSDetector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if helloDomain == "" {
		helloDomain = "localhost"
	}
	return &TLSDetector{timeout: timeout, helloDomain: helloDomain, log: log}
}

// Detect classifies host:port into ssl, starttls, none, or
// unreachable. Implicit-TLS ports (465, 993) are tried with a TLS
// handshake first; a failed handshake falls through to plaintext
// capability probing instead of failing outright. ModeNone means the
// port answered in plaintext without offering STARTTLS;
// ModeUnreachable means no TCP connection could be established.
func (d *TLSDetector) Detect(ctx context.Context, host string, port int) Mode {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	if port == 465 || port == 993 {
		if d.tryImplicitTLS(ctx, host, addr) {
			return ModeSSL
		}
		d.log.Debug().Str("host", host).Int("port", port).Msg("implicit TLS handshake failed, probing plaintext")
	}

	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ModeUnreachable
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(d.timeout))

	var advertised bool
	if port == 143 || port == 993 {
		advertised, err = imapAdvertisesStartTLS(conn)
	} else {
		advertised, err = smtpAdvertisesStartTLS(conn, d.helloDomain)
	}
	if err != nil {
		d.log.Debug().Err(err).Str("host", host).Int("port", port).Msg("plaintext capability probe failed")
		return ModeNone
	}
	if advertised {
		return ModeSTARTTLS
	}
	return ModeNone
}

// tryImplicitTLS reports whether addr completes a TLS handshake from
// the first byte.
func (d *TLSDetector) tryImplicitTLS(ctx context.Context, host, addr string) bool {
	tlsDialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.timeout},
		// Detection asks whether the port speaks TLS, not whether the
		// certificate chain is valid. No credentials cross this
		// connection.
		Config: &tls.Config{ServerName: host, InsecureSkipVerify: true},
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// smtpAdvertisesStartTLS reads the banner, sends EHLO and scans the
// extension list for STARTTLS.
func smtpAdvertisesStartTLS(conn net.Conn, helloDomain string) (bool, error) {
	text := textproto.NewConn(conn)
	if _, _, err := text.ReadResponse(220); err != nil {
		return false, err
	}
	if err := text.PrintfLine("EHLO %s", helloDomain); err != nil {
		return false, err
	}
	_, msg, err := text.ReadResponse(250)
	if err != nil {
		return false, err
	}
	advertised := strings.Contains(strings.ToUpper(msg), "STARTTLS")

	// Session teardown is best effort.
	_ = text.PrintfLine("QUIT")
	return advertised, nil
}

// imapAdvertisesStartTLS reads the greeting (which often carries a
// CAPABILITY list) and falls back to an explicit CAPABILITY command.
func imapAdvertisesStartTLS(conn net.Conn) (bool, error) {
	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	if err != nil {
		return false, err
	}
	up := strings.ToUpper(greeting)
	if !strings.HasPrefix(up, "* OK") && !strings.HasPrefix(up, "* PREAUTH") {
		return false, fmt.Errorf("unexpected IMAP greeting: %s", strings.TrimSpace(greeting))
	}
	if strings.Contains(up, "STARTTLS") {
		return true, nil
	}

	if _, err := fmt.Fprintf(conn, "A1 CAPABILITY\r\n"); err != nil {
		return false, err
	}
	var advertised bool
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return false, err
		}
		u := strings.ToUpper(line)
		if strings.HasPrefix(u, "* CAPABILITY") && strings.Contains(u, "STARTTLS") {
			advertised = true
		}
		if strings.HasPrefix(u, "A1 ") {
			_, _ = fmt.Fprintf(conn, "A2 LOGOUT\r\n")
			return advertised, nil
		}
	}
}
