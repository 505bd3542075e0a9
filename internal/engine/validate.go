package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ignite/transport-probe/internal/deadletter"
	"github.com/ignite/transport-probe/internal/discovery"
	"github.com/ignite/transport-probe/internal/pkg/logger"
	"github.com/ignite/transport-probe/internal/probe"
)

// ValidateTransport runs the full pipeline for one request: rate
// limiting, pool admission, discovery, the negotiation matrix and
// retries. The returned error covers rejected or aborted jobs only;
// probe failures ride inside the report.
func (e *Engine) ValidateTransport(ctx context.Context, req Request) (*Report, error) {
	jobID := uuid.NewString()
	log := e.log.With().
		Str("job_id", jobID).
		Str("target", logger.Redact(req.Target)).
		Logger()

	if req.Protocol == "" {
		req.Protocol = ProtocolSMTP
	}
	poolID := req.PoolID
	if poolID == "" {
		poolID = DefaultPoolID
	}

	poolCfg, ok := e.pools.Get(poolID)
	if !ok {
		return nil, fmt.Errorf("unknown pool %q", poolID)
	}
	if !poolCfg.Enabled {
		return nil, fmt.Errorf("pool %q is disabled", poolID)
	}

	if err := e.waitForToken(ctx); err != nil {
		return nil, fmt.Errorf("waiting for probe token: %w", err)
	}

	ex, err := e.pools.GetExecutor(poolID, poolCfg.MaxConnections)
	if err != nil {
		return nil, err
	}

	resCh := make(chan *Report, 1)
	submitted := ex.Submit(func() {
		resCh <- e.runJob(ctx, log, jobID, req, poolCfg.Delay())
	})
	if !submitted {
		return nil, fmt.Errorf("pool %q is not accepting work", poolID)
	}

	select {
	case rep := <-resCh:
		if !rep.Success && req.CampaignID != "" {
			e.deadLetter(log, jobID, req, rep)
		}
		return rep, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hostPlan is the probe schedule for one candidate host.
type hostPlan struct {
	host     string
	attempts []discovery.SecurityAttempt
}

func (e *Engine) runJob(ctx context.Context, log zerolog.Logger, jobID string, req Request, delay time.Duration) *Report {
	plans, decided := e.jobPlans(ctx, jobID, req)
	if decided != nil {
		log.Debug().
			Str("kind", string(decided.Outcome.Kind)).
			Str("detail", decided.Outcome.Detail).
			Msg("job decided before probing")
		return decided
	}

	prober := e.proberFor(req.Protocol)
	rep := &Report{JobID: jobID, Attempts: []probe.Attempt{}}

	var last probe.Outcome
	probed := false
	for _, plan := range plans {
		for _, att := range plan.attempts {
			if ctx.Err() != nil {
				break
			}
			if probed {
				sleepCtx(ctx, delay)
			}

			preq := probe.Request{
				Host:        plan.host,
				Port:        att.Port,
				Mode:        att.Mode,
				Credentials: req.Credentials,
			}
			e.fillProbeDefaults(&preq)

			out := e.retry.Do(ctx, func(ctx context.Context) probe.Outcome {
				return prober.Probe(ctx, preq)
			})
			probed = true
			last = out
			rep.Attempts = append(rep.Attempts, attemptRecord(plan.host, att.Port, att.Mode, out))

			if out.Success {
				rep.Success = true
				rep.Endpoint = &Endpoint{Host: plan.host, Port: att.Port, Mode: att.Mode}
				rep.Outcome = out
				log.Info().
					Str("host", plan.host).
					Int("port", att.Port).
					Str("mode", string(att.Mode)).
					Dur("latency", out.Latency).
					Int("attempts", len(rep.Attempts)).
					Msg("transport validated")
				return rep
			}
			if out.Kind == probe.KindDNSFail {
				// the name will not resolve on another port either
				break
			}
		}
	}

	if !probed {
		last = probe.Outcome{Kind: probe.KindUnknown, Detail: "no endpoints to probe", Stage: probe.StageInit}
	}
	rep.Outcome = last
	log.Info().
		Str("kind", string(last.Kind)).
		Str("stage", string(last.Stage)).
		Int("attempts", len(rep.Attempts)).
		Msg("transport validation failed")
	return rep
}

// jobPlans turns the request into an ordered probe schedule. A
// non-nil report means the job was decided before any probe ran,
// either by discovery failing or by TLS detection ruling the
// endpoint out.
func (e *Engine) jobPlans(ctx context.Context, jobID string, req Request) ([]hostPlan, *Report) {
	switch {
	case req.Host != "" && req.Port > 0:
		mode := req.Mode
		if mode == "" {
			detected, rep := e.detectMode(ctx, jobID, req.Host, req.Port)
			if rep != nil {
				return nil, rep
			}
			mode = detected
		}
		return []hostPlan{{
			host:     req.Host,
			attempts: []discovery.SecurityAttempt{{Port: req.Port, Mode: mode}},
		}}, nil

	case req.Host != "":
		return []hostPlan{{host: req.Host, attempts: e.matrix(req.Protocol)}}, nil

	default:
		candidates, err := e.DiscoverTransport(ctx, req.Target, req.Protocol)
		if err != nil {
			return nil, &Report{
				JobID:    jobID,
				Outcome:  probe.Outcome{Kind: probe.KindDNSFail, Detail: err.Error(), Stage: probe.StageResolving},
				Attempts: []probe.Attempt{},
			}
		}
		attempts := e.matrix(req.Protocol)
		plans := make([]hostPlan, 0, len(candidates))
		for _, c := range candidates {
			plans = append(plans, hostPlan{host: c.Hostname, attempts: attempts})
		}
		return plans, nil
	}
}

// detectMode probes the endpoint's TLS posture when the caller
// pinned host and port but not the mode.
func (e *Engine) detectMode(ctx context.Context, jobID, host string, port int) (discovery.Mode, *Report) {
	switch mode := e.detector.Detect(ctx, host, port); mode {
	case discovery.ModeUnreachable:
		out := probe.Outcome{
			Kind:   probe.KindConnectionFailed,
			Detail: "endpoint unreachable during tls detection",
			Stage:  probe.StageConnecting,
		}
		return "", &Report{
			JobID:    jobID,
			Outcome:  out,
			Attempts: []probe.Attempt{attemptRecord(host, port, mode, out)},
		}
	case discovery.ModeNone:
		if !e.cfg.Probe.AllowInsecure {
			out := probe.Outcome{
				Kind:   probe.KindTLSRequired,
				Detail: "endpoint offers no tls and insecure transport is disallowed",
				Stage:  probe.StageTLS,
			}
			return "", &Report{
				JobID:    jobID,
				Outcome:  out,
				Attempts: []probe.Attempt{attemptRecord(host, port, mode, out)},
			}
		}
		return discovery.ModePlain, nil
	default:
		return mode, nil
	}
}

func (e *Engine) matrix(proto Protocol) []discovery.SecurityAttempt {
	if proto == ProtocolIMAP {
		return discovery.IMAPAttempts(e.cfg.Probe.AllowInsecure)
	}
	return discovery.SMTPAttempts(e.cfg.Probe.AllowInsecure)
}

func (e *Engine) deadLetter(log zerolog.Logger, jobID string, req Request, rep *Report) {
	errs := make([]string, 0, len(rep.Attempts)+1)
	for _, a := range rep.Attempts {
		if a.Success || a.Kind == "" {
			continue
		}
		msg := string(a.Kind)
		if a.Detail != "" {
			msg += ": " + a.Detail
		}
		errs = append(errs, msg)
	}
	if len(errs) == 0 && rep.Outcome.Kind != "" {
		msg := string(rep.Outcome.Kind)
		if rep.Outcome.Detail != "" {
			msg += ": " + rep.Outcome.Detail
		}
		errs = append(errs, msg)
	}

	entry := deadletter.Entry{
		ID:         jobID,
		CampaignID: req.CampaignID,
		Recipient:  req.Target,
		Errors:     errs,
		Attempts:   rep.Attempts,
	}
	if err := e.letters.Add(entry); err != nil {
		log.Error().Err(err).Msg("recording dead letter")
	}
}

func attemptRecord(host string, port int, mode discovery.Mode, out probe.Outcome) probe.Attempt {
	return probe.Attempt{
		Host:      host,
		Port:      port,
		Mode:      string(mode),
		Success:   out.Success,
		Kind:      out.Kind,
		Detail:    out.Detail,
		LatencyMS: out.Latency.Milliseconds(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
