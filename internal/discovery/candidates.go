// Package discovery turns a target domain into an ordered list of
// transport endpoints to try: DNS-sourced hosts first, then hostname
// permutations, with the bare domain as the final fallback. It also
// owns the security-negotiation order and TLS mode detection.
package discovery

// Source identifies how a candidate hostname was produced.
type Source string

const (
	SourcePermutation Source = "permutation"
	SourceMX          Source = "mx"
	SourceSRV         Source = "srv"
	SourceFallback    Source = "fallback"
)

// CandidateHost is one hostname considered as a transport endpoint.
// DNS-authoritative sources (mx, srv) order before permutations;
// within a source, lower Priority first.
type CandidateHost struct {
	Hostname string
	Source   Source
	Priority int
}

// DefaultPrefixes are the hostname prefixes tried for every domain.
var DefaultPrefixes = []string{"smtp", "mail"}

// CandidateGenerator expands a domain into ordered candidate
// hostnames. Pure and deterministic: no I/O, no failure modes.
type CandidateGenerator struct {
	prefixes []string
}

// NewCandidateGenerator returns a generator using the default
// prefixes followed by any extra configured ones. Duplicates in
// extra are dropped.
func NewCandidateGenerator(extra ...string) *CandidateGenerator {
	prefixes := make([]string, 0, len(DefaultPrefixes)+len(extra))
	seen := make(map[string]bool, len(DefaultPrefixes)+len(extra))
	for _, p := range DefaultPrefixes {
		prefixes = append(prefixes, p)
		seen[p] = true
	}
	for _, p := range extra {
		if p == "" || seen[p] {
			continue
		}
		prefixes = append(prefixes, p)
		seen[p] = true
	}
	return &CandidateGenerator{prefixes: prefixes}
}

// Candidates expands domain into prefixed permutations in prefix
// order, with the bare domain appended last as the fallback.
func (g *CandidateGenerator) Candidates(domain string) []CandidateHost {
	out := make([]CandidateHost, 0, len(g.prefixes)+1)
	for i, prefix := range g.prefixes {
		out = append(out, CandidateHost{
			Hostname: prefix + "." + domain,
			Source:   SourcePermutation,
			Priority: i,
		})
	}
	out = append(out, CandidateHost{
		Hostname: domain,
		Source:   SourceFallback,
		Priority: len(g.prefixes),
	})
	return out
}
