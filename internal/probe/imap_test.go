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

// fakeIMAP answers one probe session, echoing the tag of each
// command, and records every client line.
type fakeIMAP struct {
	ln   net.Listener
	done chan struct{}

	caps    string
	loginOK bool
	upgrade *tls.Config

	mu    sync.Mutex
	lines []string
}

func newFakeIMAP(t *testing.T) *fakeIMAP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeIMAP{ln: ln, done: make(chan struct{}), caps: "IMAP4rev1 AUTH=PLAIN"}
	t.Cleanup(func() { ln.Close() })
	return f
}

func newFakeIMAPTLS(t *testing.T) *fakeIMAP {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", testTLSConfig(t))
	require.NoError(t, err)
	f := &fakeIMAP{ln: ln, done: make(chan struct{}), caps: "IMAP4rev1 AUTH=PLAIN"}
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeIMAP) serve(t *testing.T) {
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

func (f *fakeIMAP) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	fmt.Fprintf(conn, "* OK fake IMAP ready\r\n")

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		f.record(line)
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 {
			continue
		}
		tag := fields[0]

		switch strings.ToUpper(fields[1]) {
		case "CAPABILITY":
			fmt.Fprintf(conn, "* CAPABILITY %s\r\n%s OK CAPABILITY completed\r\n", f.caps, tag)
		case "STARTTLS":
			if f.upgrade == nil {
				fmt.Fprintf(conn, "%s NO STARTTLS not supported\r\n", tag)
				continue
			}
			fmt.Fprintf(conn, "%s OK begin TLS negotiation\r\n", tag)
			tconn := tls.Server(conn, f.upgrade)
			if err := tconn.Handshake(); err != nil {
				return
			}
			tconn.SetDeadline(time.Now().Add(5 * time.Second))
			conn = tconn
			br = bufio.NewReader(conn)
		case "LOGIN":
			if f.loginOK {
				fmt.Fprintf(conn, "%s OK LOGIN completed\r\n", tag)
			} else {
				fmt.Fprintf(conn, "%s NO [AUTHENTICATIONFAILED] invalid credentials\r\n", tag)
			}
		case "LOGOUT":
			fmt.Fprintf(conn, "* BYE logging out\r\n%s OK LOGOUT completed\r\n", tag)
			return
		default:
			fmt.Fprintf(conn, "%s BAD unknown command\r\n", tag)
		}
	}
}

func (f *fakeIMAP) record(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, strings.TrimSpace(line))
}

func (f *fakeIMAP) sawCommand(verb string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.lines {
		fields := strings.Fields(l)
		if len(fields) >= 2 && strings.EqualFold(fields[1], verb) {
			return true
		}
	}
	return false
}

func imapRequest(t *testing.T, addr string, mode discovery.Mode) Request {
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

func TestIMAPProbeLoginSession(t *testing.T) {
	f := newFakeIMAP(t)
	f.loginOK = true
	f.serve(t)

	p := NewIMAPProber(zerolog.Nop())
	out := p.Probe(context.Background(), imapRequest(t, f.ln.Addr().String(), discovery.ModePlain))
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
	assert.Equal(t, StageDone, out.Stage)
	assert.Greater(t, out.Latency, time.Duration(0))
	assert.True(t, f.sawCommand("LOGIN"))
	assert.True(t, f.sawCommand("LOGOUT"))
}

func TestIMAPProbeAuthRejected(t *testing.T) {
	f := newFakeIMAP(t)
	f.loginOK = false
	f.serve(t)

	p := NewIMAPProber(zerolog.Nop())
	out := p.Probe(context.Background(), imapRequest(t, f.ln.Addr().String(), discovery.ModePlain))
	waitDone(t, f.done)

	require.False(t, out.Success)
	assert.Equal(t, KindAuthFailed, out.Kind)
	assert.Equal(t, StageAuth, out.Stage)
	assert.Contains(t, out.Detail, "invalid credentials")
}

func TestIMAPProbeStartTLSRefused(t *testing.T) {
	f := newFakeIMAP(t)
	f.loginOK = true
	f.serve(t)

	p := NewIMAPProber(zerolog.Nop())
	out := p.Probe(context.Background(), imapRequest(t, f.ln.Addr().String(), discovery.ModeSTARTTLS))
	waitDone(t, f.done)

	require.False(t, out.Success)
	assert.Equal(t, KindTLSRequired, out.Kind)
	assert.Equal(t, StageTLS, out.Stage)
	assert.False(t, f.sawCommand("LOGIN"))
}

func TestIMAPProbeStartTLSUpgrade(t *testing.T) {
	f := newFakeIMAP(t)
	f.loginOK = true
	f.upgrade = testTLSConfig(t)
	f.serve(t)

	p := NewIMAPProber(zerolog.Nop())
	p.InsecureTLS = true
	out := p.Probe(context.Background(), imapRequest(t, f.ln.Addr().String(), discovery.ModeSTARTTLS))
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
	assert.True(t, f.sawCommand("STARTTLS"))
	assert.True(t, f.sawCommand("LOGIN"))
}

func TestIMAPProbeImplicitTLS(t *testing.T) {
	f := newFakeIMAPTLS(t)
	f.loginOK = true
	f.serve(t)

	p := NewIMAPProber(zerolog.Nop())
	p.InsecureTLS = true
	out := p.Probe(context.Background(), imapRequest(t, f.ln.Addr().String(), discovery.ModeSSL))
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
}

func TestIMAPProbeLoginDisabled(t *testing.T) {
	f := newFakeIMAP(t)
	f.caps = "IMAP4rev1 LOGINDISABLED"
	f.serve(t)

	p := NewIMAPProber(zerolog.Nop())
	out := p.Probe(context.Background(), imapRequest(t, f.ln.Addr().String(), discovery.ModePlain))
	waitDone(t, f.done)

	require.False(t, out.Success)
	assert.Equal(t, KindTLSRequired, out.Kind)
	assert.False(t, f.sawCommand("LOGIN"))
}

func TestIMAPProbeUnauthenticatedReachability(t *testing.T) {
	f := newFakeIMAP(t)
	f.serve(t)

	req := imapRequest(t, f.ln.Addr().String(), discovery.ModePlain)
	req.Credentials = Credentials{}

	p := NewIMAPProber(zerolog.Nop())
	out := p.Probe(context.Background(), req)
	waitDone(t, f.done)

	require.True(t, out.Success, "detail: %s", out.Detail)
	assert.False(t, f.sawCommand("LOGIN"))
	assert.True(t, f.sawCommand("LOGOUT"))
}

func TestIMAPProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewIMAPProber(zerolog.Nop())
	out := p.Probe(context.Background(), imapRequest(t, addr, discovery.ModePlain))

	require.False(t, out.Success)
	assert.Equal(t, KindConnectionFailed, out.Kind)
	assert.True(t, out.Kind.Transient())
}
