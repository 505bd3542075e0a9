package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/byorty/clitable"

	"github.com/ignite/transport-probe/internal/config"
	"github.com/ignite/transport-probe/internal/discovery"
	"github.com/ignite/transport-probe/internal/engine"
	"github.com/ignite/transport-probe/internal/pkg/logger"
	"github.com/ignite/transport-probe/internal/probe"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (defaults apply when empty)")
		target     = flag.String("target", "", "email address or domain to discover against")
		protocol   = flag.String("protocol", "smtp", "protocol to validate: smtp or imap")
		host       = flag.String("host", "", "probe this host instead of discovering candidates")
		port       = flag.Int("port", 0, "probe this port (requires -host)")
		mode       = flag.String("mode", "", "encryption mode for -host/-port: ssl, starttls or plain (detected when empty)")
		username   = flag.String("username", "", "account to authenticate as (password from PROBE_PASSWORD)")
		poolID     = flag.String("pool", "", "connection pool id (default pool when empty)")
		campaignID = flag.String("campaign", "", "campaign id for dead-letter attribution")
		insecure   = flag.Bool("insecure", false, "allow plaintext transports")
		timeout    = flag.Duration("timeout", 2*time.Minute, "overall validation deadline")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *target == "" && *host == "" {
		fmt.Fprintln(os.Stderr, "probectl: -target or -host is required")
		flag.Usage()
		os.Exit(2)
	}
	if *port != 0 && *host == "" {
		fmt.Fprintln(os.Stderr, "probectl: -port requires -host")
		os.Exit(2)
	}
	proto := engine.Protocol(*protocol)
	if proto != engine.ProtocolSMTP && proto != engine.ProtocolIMAP {
		fmt.Fprintf(os.Stderr, "probectl: unknown protocol %q\n", *protocol)
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probectl: loading config: %v\n", err)
		os.Exit(2)
	}
	if *insecure {
		cfg.Probe.AllowInsecure = true
	}

	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	log := logger.New(level, true)

	eng, err := engine.New(*cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("building engine")
	}
	defer eng.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	req := engine.Request{
		Target:     *target,
		Protocol:   proto,
		Host:       *host,
		Port:       *port,
		Mode:       discovery.Mode(*mode),
		PoolID:     *poolID,
		CampaignID: *campaignID,
	}
	if *username != "" {
		req.Credentials = probe.Credentials{
			Username: *username,
			Password: os.Getenv("PROBE_PASSWORD"),
		}
	}

	rep, err := eng.ValidateTransport(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("validation aborted")
	}

	printReport(rep)
	if !rep.Success {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFromEnv(path)
}

func printReport(rep *engine.Report) {
	table := clitable.NewTable("#", "Host", "Port", "Mode", "Result", "Latency", "Detail")
	for i, a := range rep.Attempts {
		result := "FAIL " + string(a.Kind)
		latency := "-"
		if a.Success {
			result = "OK"
			latency = fmt.Sprintf("%dms", a.LatencyMS)
		}
		table.AddRow(i+1, a.Host, a.Port, a.Mode, result, latency, logger.Redact(a.Detail))
	}
	table.Print()

	if rep.Success {
		fmt.Printf("transport validated: %s:%d (%s) in %d attempt(s)\n",
			rep.Endpoint.Host, rep.Endpoint.Port, rep.Endpoint.Mode, len(rep.Attempts))
		return
	}
	fmt.Printf("no working transport found: %s", rep.Outcome.Kind)
	if rep.Outcome.Detail != "" {
		fmt.Printf(" (%s)", logger.Redact(rep.Outcome.Detail))
	}
	fmt.Println()
}
