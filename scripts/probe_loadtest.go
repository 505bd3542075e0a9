//go:build ignore
// +build ignore

// Probe Load Test - Validates transport validation throughput
//
// Runs the full validation pipeline (rate limiter, pool executor,
// retry, SMTP probe) against an in-process SMTP endpoint so no real
// mail server is touched.
//
// Test Scenarios:
// 1. Sustained Load Test - Run validations at a steady rate
// 2. Burst Test - Fire a batch of concurrent validations at once.
//    The burst must fit the pool's intake (workers + executor queue),
//    or submissions are rejected by design and the phase fails.
//
// Usage:
//
//	go run scripts/probe_loadtest.go \
//	  --jobs=2000 \
//	  --workers=16 \
//	  --duration=30s \
//	  --burst=64
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ignite/transport-probe/internal/config"
	"github.com/ignite/transport-probe/internal/discovery"
	"github.com/ignite/transport-probe/internal/engine"
	"github.com/ignite/transport-probe/internal/pkg/logger"
	"github.com/ignite/transport-probe/internal/probe"
)

// LoadTestConfig defines the test configuration
type LoadTestConfig struct {
	Jobs     int64
	Workers  int
	Duration time.Duration
	Burst    int
	Username string
}

// LoadTestMetrics collects per-phase validation results
type LoadTestMetrics struct {
	Attempted int64
	Succeeded int64
	Failed    int64

	latencies []time.Duration
	mu        sync.Mutex
}

// Record stores one validation result
func (m *LoadTestMetrics) Record(latency time.Duration, ok bool) {
	atomic.AddInt64(&m.Attempted, 1)
	if ok {
		atomic.AddInt64(&m.Succeeded, 1)
	} else {
		atomic.AddInt64(&m.Failed, 1)
	}

	m.mu.Lock()
	if len(m.latencies) < 100000 {
		m.latencies = append(m.latencies, latency)
	}
	m.mu.Unlock()
}

// Percentile returns the p-th latency percentile
func (m *LoadTestMetrics) Percentile(p int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*float64(p)/100)]
}

// mockSMTPServer answers the probe's EHLO/AUTH/MAIL/RCPT/RSET/QUIT
// sequence on a loopback listener
type mockSMTPServer struct {
	listener net.Listener
	sessions int64
}

func newMockSMTPServer() (*mockSMTPServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &mockSMTPServer{listener: ln}
	go s.serve()
	return s, nil
}

func (s *mockSMTPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt64(&s.sessions, 1)
		go s.session(conn)
	}
}

func (s *mockSMTPServer) session(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	fmt.Fprintf(conn, "220 loadtest.local ESMTP ready\r\n")
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "EHLO", "HELO":
			fmt.Fprintf(conn, "250-loadtest.local\r\n250 AUTH PLAIN LOGIN\r\n")
		case "AUTH":
			fmt.Fprintf(conn, "235 2.7.0 accepted\r\n")
		case "MAIL", "RCPT", "RSET", "NOOP":
			fmt.Fprintf(conn, "250 2.0.0 ok\r\n")
		case "QUIT":
			fmt.Fprintf(conn, "221 2.0.0 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "502 5.5.2 not implemented\r\n")
		}
	}
}

func (s *mockSMTPServer) addr() (string, int) {
	tcp := s.listener.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func main() {
	cfg := &LoadTestConfig{}
	flag.Int64Var(&cfg.Jobs, "jobs", 2000, "total validations for the sustained phase")
	flag.IntVar(&cfg.Workers, "workers", 16, "concurrent submitters")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "sustained phase deadline")
	flag.IntVar(&cfg.Burst, "burst", 64, "concurrent validations in the burst phase")
	flag.StringVar(&cfg.Username, "username", "loadtest@loadtest.local", "account presented to the mock server")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := newMockSMTPServer()
	if err != nil {
		log.Fatalf("starting mock smtp server: %v", err)
	}
	defer server.listener.Close()
	host, port := server.addr()

	ecfg := config.Default()
	ecfg.Log.Level = "error"
	ecfg.Probe.AllowInsecure = true
	ecfg.Probe.MaxConcurrent = cfg.Workers
	ecfg.RateLimit.Rate = 100000
	ecfg.RateLimit.Capacity = 100000
	ecfg.DeadLetter.Path = filepath.Join(os.TempDir(), fmt.Sprintf("probe_loadtest_%d.json", os.Getpid()))
	defer os.Remove(ecfg.DeadLetter.Path)

	eng, err := engine.New(*ecfg, logger.New(ecfg.Log.Level, true))
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Shutdown()

	req := engine.Request{
		Target:      "loadtest.local",
		Protocol:    engine.ProtocolSMTP,
		Host:        host,
		Port:        port,
		Mode:        discovery.ModePlain,
		Credentials: probe.Credentials{Username: cfg.Username, Password: "loadtest"},
	}

	log.Println(strings.Repeat("=", 70))
	log.Println("                    PROBE LOAD TEST")
	log.Println(strings.Repeat("=", 70))
	log.Printf("Endpoint: %s:%d, Workers: %d, Jobs: %d", host, port, cfg.Workers, cfg.Jobs)

	sustainedPass := runSustained(ctx, eng, req, cfg)
	burstPass := runBurst(ctx, eng, req, cfg)

	log.Printf("Mock server sessions handled: %d", atomic.LoadInt64(&server.sessions))
	if !sustainedPass || !burstPass {
		os.Exit(1)
	}
}

// runSustained pushes cfg.Jobs validations through the engine with a
// fixed worker count and checks throughput and tail latency
func runSustained(ctx context.Context, eng *engine.Engine, req engine.Request, cfg *LoadTestConfig) bool {
	log.Println("\n[TEST 1] SUSTAINED LOAD")
	log.Println(strings.Repeat("-", 60))

	metrics := &LoadTestMetrics{}
	deadline := time.Now().Add(cfg.Duration)
	var issued int64
	var wg sync.WaitGroup

	start := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if atomic.AddInt64(&issued, 1) > cfg.Jobs {
					return
				}
				if ctx.Err() != nil {
					return
				}
				jobStart := time.Now()
				rep, err := eng.ValidateTransport(ctx, req)
				metrics.Record(time.Since(jobStart), err == nil && rep.Success)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	rate := float64(metrics.Succeeded) / elapsed.Seconds()
	p50, p99 := metrics.Percentile(50), metrics.Percentile(99)
	log.Printf("  %d/%d succeeded in %v (%.0f/sec)", metrics.Succeeded, metrics.Attempted, elapsed.Round(time.Millisecond), rate)
	log.Printf("  Latency p50=%v p99=%v", p50.Round(time.Microsecond), p99.Round(time.Microsecond))

	if metrics.Failed == 0 && p99 < 2*time.Second {
		log.Println("  PASS")
		return true
	}
	log.Printf("  FAIL: %d failures, p99=%v", metrics.Failed, p99)
	return false
}

// runBurst fires cfg.Burst validations at once; the pool executor must
// absorb the surge without dropping or failing any of them
func runBurst(ctx context.Context, eng *engine.Engine, req engine.Request, cfg *LoadTestConfig) bool {
	log.Println("\n[TEST 2] BURST")
	log.Println(strings.Repeat("-", 60))

	metrics := &LoadTestMetrics{}
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < cfg.Burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobStart := time.Now()
			rep, err := eng.ValidateTransport(ctx, req)
			metrics.Record(time.Since(jobStart), err == nil && rep.Success)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	log.Printf("  %d concurrent validations drained in %v (p99=%v)",
		cfg.Burst, elapsed.Round(time.Millisecond), metrics.Percentile(99).Round(time.Microsecond))

	if metrics.Failed == 0 {
		log.Println("  PASS")
		return true
	}
	log.Printf("  FAIL: %d failures", metrics.Failed)
	return false
}
