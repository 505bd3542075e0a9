package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/transport-probe/internal/discovery"
)

// DiscoverTransport returns candidate hosts for a target in probe
// order: DNS-derived endpoints first, prefix permutations next, the
// bare domain last. Duplicates keep their earliest position.
func (e *Engine) DiscoverTransport(ctx context.Context, target string, proto Protocol) ([]discovery.CandidateHost, error) {
	domain, err := targetDomain(target)
	if err != nil {
		return nil, err
	}

	var candidates []discovery.CandidateHost
	switch proto {
	case ProtocolIMAP:
		candidates = e.srvCandidates(ctx, domain)
	default:
		candidates = e.mxCandidates(ctx, domain)
	}

	candidates = append(candidates, e.generator.Candidates(domain)...)
	return dedupeCandidates(candidates), nil
}

func (e *Engine) mxCandidates(ctx context.Context, domain string) []discovery.CandidateHost {
	hosts, err := e.resolver.ResolveMX(ctx, domain)
	if err != nil {
		e.log.Warn().Err(err).Str("domain", domain).Msg("mx discovery failed, probing permutations only")
		return nil
	}

	candidates := make([]discovery.CandidateHost, 0, len(hosts))
	for i, h := range hosts {
		candidates = append(candidates, discovery.CandidateHost{
			Hostname: h,
			Source:   discovery.SourceMX,
			Priority: i,
		})
	}
	return candidates
}

// srvCandidates walks the RFC 6186 service labels for the message
// store, preferring the TLS variant.
func (e *Engine) srvCandidates(ctx context.Context, domain string) []discovery.CandidateHost {
	for _, service := range []string{"imaps", "imap"} {
		hosts, err := e.resolver.ResolveSRV(ctx, service, domain)
		if err != nil {
			e.log.Warn().Err(err).Str("domain", domain).Str("service", service).Msg("srv discovery failed")
			continue
		}
		if len(hosts) == 0 {
			continue
		}

		candidates := make([]discovery.CandidateHost, 0, len(hosts))
		for i, h := range hosts {
			candidates = append(candidates, discovery.CandidateHost{
				Hostname: h,
				Source:   discovery.SourceSRV,
				Priority: i,
			})
		}
		return candidates
	}
	return nil
}

// targetDomain extracts the domain to discover against. An address
// keeps everything after the last @; a bare host passes through.
func targetDomain(target string) (string, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return "", fmt.Errorf("empty target")
	}

	i := strings.LastIndex(t, "@")
	if i < 0 {
		return t, nil
	}
	domain := t[i+1:]
	if i == 0 || domain == "" {
		return "", fmt.Errorf("malformed address %q", t)
	}
	return domain, nil
}

func dedupeCandidates(candidates []discovery.CandidateHost) []discovery.CandidateHost {
	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		key := strings.ToLower(c.Hostname)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}
