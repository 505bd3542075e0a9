// Package engine wires discovery, probing, retry, rate limiting,
// pooling and dead lettering into the transport validation pipeline.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ignite/transport-probe/internal/config"
	"github.com/ignite/transport-probe/internal/deadletter"
	"github.com/ignite/transport-probe/internal/discovery"
	"github.com/ignite/transport-probe/internal/pool"
	"github.com/ignite/transport-probe/internal/probe"
	"github.com/ignite/transport-probe/internal/ratelimit"
	"github.com/ignite/transport-probe/internal/retry"
)

// DefaultPoolID is the pool ValidateTransport uses when the request
// does not name one.
const DefaultPoolID = "default"

// Engine is the process-scoped validation service. Every dependency
// is explicit; nothing lives in package globals.
type Engine struct {
	cfg config.Config
	log zerolog.Logger

	resolver  *discovery.Resolver
	generator *discovery.CandidateGenerator
	detector  *discovery.TLSDetector

	smtp probe.Prober
	imap probe.Prober

	retry   *retry.Policy
	limiter ratelimit.Limiter
	pools   *pool.Registry
	letters *deadletter.Store
}

// New builds an engine from configuration, including a default pool
// sized to the configured probe concurrency.
func New(cfg config.Config, log zerolog.Logger) (*Engine, error) {
	letters, err := deadletter.NewStore(log, cfg.DeadLetter.Path)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = ratelimit.NewRedisBucket(client, log, "probe", cfg.RateLimit.Rate, cfg.RateLimit.Capacity)
	} else {
		limiter = ratelimit.NewBucket(cfg.RateLimit.Rate, cfg.RateLimit.Capacity)
	}

	e := &Engine{
		cfg: cfg,
		log: log,
		resolver: discovery.NewResolver(log, discovery.ResolverOptions{
			Timeout:    cfg.Discovery.DNSTimeout(),
			CacheTTL:   cfg.Discovery.CacheTTL(),
			MaxEntries: cfg.Discovery.CacheMaxEntries,
		}),
		generator: discovery.NewCandidateGenerator(cfg.Discovery.ExtraPrefixes...),
		detector:  discovery.NewTLSDetector(log, cfg.Probe.ConnectTimeout(), cfg.Probe.HelloDomain),
		smtp:      probe.NewSMTPProber(log),
		imap:      probe.NewIMAPProber(log),
		retry:     retry.NewPolicy(log, cfg.Retry.MaxAttempts, cfg.Retry.Base(), cfg.Retry.Cap()),
		limiter:   limiter,
		pools:     pool.NewRegistry(log),
		letters:   letters,
	}

	workers := cfg.Probe.MaxConcurrent
	if workers < 1 {
		workers = 1
	}
	if workers > 100 {
		workers = 100
	}
	err = e.pools.Update(pool.Config{
		ID:             DefaultPoolID,
		Name:           "default probe pool",
		Priority:       "normal",
		MaxConnections: workers,
		Enabled:        true,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetProbers replaces the protocol probers. Used by tests and by
// callers layering instrumentation.
func (e *Engine) SetProbers(smtp, imap probe.Prober) {
	if smtp != nil {
		e.smtp = smtp
	}
	if imap != nil {
		e.imap = imap
	}
}

// SetLimiter replaces the rate limiter.
func (e *Engine) SetLimiter(l ratelimit.Limiter) {
	if l != nil {
		e.limiter = l
	}
}

// SetResolver replaces the DNS resolver.
func (e *Engine) SetResolver(r *discovery.Resolver) {
	if r != nil {
		e.resolver = r
	}
}

// SetRetryPolicy replaces the retry policy.
func (e *Engine) SetRetryPolicy(p *retry.Policy) {
	if p != nil {
		e.retry = p
	}
}

// Pools exposes the pool registry for configuration management.
func (e *Engine) Pools() *pool.Registry { return e.pools }

// DeadLetters exposes the dead letter store.
func (e *Engine) DeadLetters() *deadletter.Store { return e.letters }

func (e *Engine) proberFor(p Protocol) probe.Prober {
	if p == ProtocolIMAP {
		return e.imap
	}
	return e.smtp
}

// Probe runs one direct probe against a known endpoint, without
// discovery or retries.
func (e *Engine) Probe(ctx context.Context, proto Protocol, req probe.Request) probe.Outcome {
	e.fillProbeDefaults(&req)
	return e.proberFor(proto).Probe(ctx, req)
}

func (e *Engine) fillProbeDefaults(req *probe.Request) {
	if req.HelloDomain == "" {
		req.HelloDomain = e.cfg.Probe.HelloDomain
	}
	if req.ConnectTimeout <= 0 {
		req.ConnectTimeout = e.cfg.Probe.ConnectTimeout()
	}
	if req.CommandTimeout <= 0 {
		req.CommandTimeout = e.cfg.Probe.CommandTimeout()
	}
}

// waitForToken polls the rate limiter until a token is granted or
// the context ends. Polling keeps the limiter free of blocking
// state.
func (e *Engine) waitForToken(ctx context.Context) error {
	if e.limiter.Consume(1) {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if e.limiter.Consume(1) {
				return nil
			}
		}
	}
}

// Shutdown drains pool executors and releases shared resources.
func (e *Engine) Shutdown() {
	e.pools.Shutdown()
	if c, ok := e.limiter.(io.Closer); ok {
		c.Close()
	}
}
