package probe

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/transport-probe/internal/discovery"
)

// fakeSMTP speaks just enough ESMTP for one probe session and
// records every client command.
type fakeSMTP struct {
	ln   net.Listener
	done chan struct{}

	advertiseStartTLS bool
	advertiseAuth     bool
	acceptAuth        bool
	upgrade           *tls.Config

	mu    sync.Mutex
	lines []string
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	return f
}

func newFakeSMTPTLS(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", testTLSConfig(t))
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeSMTP) serve(t *testing.T) {
	t.Helper()
	go func() {
		defer close(f.done)
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.handle(conn)
	}()
}

func (f *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 fake.test ESMTP ready\r\n")
	secured := false

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		f.record(line)
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "EHLO", "HELO":
			exts := []string{"fake.test greets you", "8BITMIME"}
			if f.advertiseStartTLS && !secured {
				exts = append(exts, "STARTTLS")
			}
			if f.advertiseAuth {
				exts = append(exts, "AUTH PLAIN LOGIN")
			}
			for i, ext := range exts {
				sep := "-"
				if i == len(exts)-1 {
					sep = " "
				}
				fmt.Fprintf(conn, "250%s%s\r\n", sep, ext)
			}
		case "STARTTLS":
			if f.upgrade == nil {
				fmt.Fprintf(conn, "454 4.7.0 TLS not available\r\n")
				continue
			}
			fmt.Fprintf(conn, "220 2.0.0 ready to start TLS\r\n")
			tconn := tls.Server(conn, f.upgrade)
			if err := tconn.Handshake(); err != nil {
				return
			}
			tconn.SetDeadline(time.Now().Add(5 * time.Second))
			conn = tconn
			br = bufio.NewReader(conn)
			secured = true
		case "AUTH":
			if f.acceptAuth {
				fmt.Fprintf(conn, "235 2.7.0 authentication successful\r\n")
			} else {
				fmt.Fprintf(conn, "535 5.7.8 authentication credentials invalid\r\n")
			}
		case "MAIL":
			fmt.Fprintf(conn, "250 2.1.0 sender ok\r\n")
		case "RCPT":
			fmt.Fprintf(conn, "250 2.1.5 recipient ok\r\n")
		case "RSET":
			fmt.Fprintf(conn, "250 2.0.0 flushed\r\n")
		case "NOOP":
			fmt.Fprintf(conn, "250 2.0.0 ok\r\n")
		case "QUIT":
			fmt.Fprintf(conn, "221 2.0.0 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "502 5.5.2 command not recognized\r\n")
		}
	}
}

func (f *fakeSMTP) record(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, strings.TrimSpace(line))
}

func (f *fakeSMTP) sawVerb(verb string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.lines {
		if strings.HasPrefix(strings.ToUpper(l), verb) {
			return true
		}
	}
	return false
}

func smtpRequest(t *testing.T, addr string, mode discovery.Mode) Request {
	host, port := hostPort(t, addr)
	return Request{
		Host:           host,
		Port:           port,
		Mode:           mode,
		Credentials:    Credentials{Username: "user@fake.test", Password: "secret"},
		HelloDomain:    "probe.test",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	}
}

func TestSMTPProbePlainSession(t *testing.T) {
	f := newFakeSMTP(t)
	f.advertiseAuth = true
	f.acceptAuth = true
	f.serve(t)

	p := NewSMTPProber(zerolog.Nop())
	out := p.Probe(context.Background(), smtpRequest(t, f.ln.Addr().String(), discovery.ModePlain))
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
	assert.Equal(t, StageDone, out.Stage)
	assert.Greater(t, out.Latency, time.Duration(0))

	assert.True(t, f.sawVerb("AUTH"))
	assert.True(t, f.sawVerb("MAIL"))
	assert.True(t, f.sawVerb("RCPT"))
	assert.True(t, f.sawVerb("RSET"))
	assert.True(t, f.sawVerb("QUIT"))
	assert.False(t, f.sawVerb("DATA"))
}

func TestSMTPProbeStartTLSNotAdvertised(t *testing.T) {
	f := newFakeSMTP(t)
	f.advertiseAuth = true
	f.acceptAuth = true
	f.serve(t)

	p := NewSMTPProber(zerolog.Nop())
	out := p.Probe(context.Background(), smtpRequest(t, f.ln.Addr().String(), discovery.ModeSTARTTLS))
	waitDone(t, f.done)

	require.False(t, out.Success)
	assert.Equal(t, KindTLSRequired, out.Kind)
	assert.Equal(t, StageTLS, out.Stage)
	assert.False(t, out.Kind.Transient())

	// Credentials must never travel over a connection that cannot be
	// upgraded.
	assert.False(t, f.sawVerb("AUTH"))
}

func TestSMTPProbeStartTLSUpgrade(t *testing.T) {
	f := newFakeSMTP(t)
	f.advertiseStartTLS = true
	f.advertiseAuth = true
	f.acceptAuth = true
	f.upgrade = testTLSConfig(t)
	f.serve(t)

	p := NewSMTPProber(zerolog.Nop())
	p.InsecureTLS = true
	out := p.Probe(context.Background(), smtpRequest(t, f.ln.Addr().String(), discovery.ModeSTARTTLS))
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
	assert.True(t, f.sawVerb("STARTTLS"))
	assert.True(t, f.sawVerb("AUTH"))
}

func TestSMTPProbeImplicitTLS(t *testing.T) {
	f := newFakeSMTPTLS(t)
	f.advertiseAuth = true
	f.acceptAuth = true
	f.serve(t)

	p := NewSMTPProber(zerolog.Nop())
	p.InsecureTLS = true
	out := p.Probe(context.Background(), smtpRequest(t, f.ln.Addr().String(), discovery.ModeSSL))
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
	assert.Equal(t, StageDone, out.Stage)
}

func TestSMTPProbeAuthRejected(t *testing.T) {
	f := newFakeSMTP(t)
	f.advertiseAuth = true
	f.acceptAuth = false
	f.serve(t)

	p := NewSMTPProber(zerolog.Nop())
	out := p.Probe(context.Background(), smtpRequest(t, f.ln.Addr().String(), discovery.ModePlain))
	waitDone(t, f.done)

	require.False(t, out.Success)
	assert.Equal(t, KindAuthFailed, out.Kind)
	assert.Equal(t, StageAuth, out.Stage)
	assert.False(t, out.Kind.Transient())
	assert.Contains(t, out.Detail, "535")
}

func TestSMTPProbeNoAuthAdvertised(t *testing.T) {
	f := newFakeSMTP(t)
	f.serve(t)

	p := NewSMTPProber(zerolog.Nop())
	out := p.Probe(context.Background(), smtpRequest(t, f.ln.Addr().String(), discovery.ModePlain))
	waitDone(t, f.done)

	require.False(t, out.Success)
	assert.Equal(t, KindAuthFailed, out.Kind)
	assert.False(t, f.sawVerb("AUTH"))
}

func TestSMTPProbeUnauthenticatedReachability(t *testing.T) {
	f := newFakeSMTP(t)
	f.serve(t)

	req := smtpRequest(t, f.ln.Addr().String(), discovery.ModePlain)
	req.Credentials = Credentials{}

	p := NewSMTPProber(zerolog.Nop())
	out := p.Probe(context.Background(), req)
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
	assert.False(t, f.sawVerb("AUTH"))
	assert.False(t, f.sawVerb("MAIL"))
	assert.True(t, f.sawVerb("QUIT"))
}

func TestSMTPProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewSMTPProber(zerolog.Nop())
	out := p.Probe(context.Background(), smtpRequest(t, addr, discovery.ModePlain))

	require.False(t, out.Success)
	assert.Equal(t, KindConnectionFailed, out.Kind)
	assert.Equal(t, StageConnecting, out.Stage)
	assert.True(t, out.Kind.Transient())
}

func TestSMTPProbeCancelledContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	// Accept the connection but never send a greeting.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(3 * time.Second)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	req := smtpRequest(t, ln.Addr().String(), discovery.ModePlain)
	req.CommandTimeout = 10 * time.Second

	p := NewSMTPProber(zerolog.Nop())
	startAt := time.Now()
	out := p.Probe(ctx, req)

	require.False(t, out.Success)
	assert.Less(t, time.Since(startAt), 2*time.Second, "cancellation should interrupt the probe")
}
