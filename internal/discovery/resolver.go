package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LookupMXFunc resolves MX records for a domain.
type LookupMXFunc func(ctx context.Context, domain string) ([]*net.MX, error)

// LookupSRVFunc resolves SRV records for a service under a domain.
type LookupSRVFunc func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

// ResolverOptions configure NewResolver. Zero values get defaults.
type ResolverOptions struct {
	Timeout    time.Duration
	CacheTTL   time.Duration
	MaxEntries int

	// Lookup seams. Defaults use net.DefaultResolver for the primary
	// and a pure-Go resolver for the fallback.
	PrimaryMX   LookupMXFunc
	FallbackMX  LookupMXFunc
	PrimarySRV  LookupSRVFunc
	FallbackSRV LookupSRVFunc
}

// Resolver answers MX and SRV lookups with a bounded TTL cache.
// When the primary resolver errors, a fallback resolver is retried
// synchronously on a fresh background context so that a cancelled or
// near-deadline caller context cannot starve the second chance.
type Resolver struct {
	primaryMX   LookupMXFunc
	fallbackMX  LookupMXFunc
	primarySRV  LookupSRVFunc
	fallbackSRV LookupSRVFunc

	timeout    time.Duration
	ttl        time.Duration
	maxEntries int

	mu    sync.RWMutex
	cache map[string]cacheEntry

	log zerolog.Logger
}

type cacheEntry struct {
	hosts     []string
	expiresAt time.Time
}

// NewResolver builds a Resolver from opts.
func NewResolver(log zerolog.Logger, opts ResolverOptions) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 600 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1024
	}

	primary := net.DefaultResolver
	fallback := &net.Resolver{PreferGo: true}

	r := &Resolver{
		primaryMX:   opts.PrimaryMX,
		fallbackMX:  opts.FallbackMX,
		primarySRV:  opts.PrimarySRV,
		fallbackSRV: opts.FallbackSRV,
		timeout:     opts.Timeout,
		ttl:         opts.CacheTTL,
		maxEntries:  opts.MaxEntries,
		cache:       make(map[string]cacheEntry),
		log:         log,
	}
	if r.primaryMX == nil {
		r.primaryMX = primary.LookupMX
	}
	if r.fallbackMX == nil {
		r.fallbackMX = fallback.LookupMX
	}
	if r.primarySRV == nil {
		r.primarySRV = primary.LookupSRV
	}
	if r.fallbackSRV == nil {
		r.fallbackSRV = fallback.LookupSRV
	}
	return r
}

// ResolveMX returns MX hostnames for domain, ascending by priority,
// ties kept in original record order. A domain with no MX records
// resolves to an empty slice, not an error.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) ([]string, error) {
	key := "mx:" + domain
	if hosts, ok := r.cached(key); ok {
		return hosts, nil
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	records, err := r.primaryMX(lctx, domain)
	cancel()
	if err != nil {
		if isNotFound(err) {
			r.store(key, nil)
			return nil, nil
		}
		r.log.Warn().Err(err).Str("domain", domain).Msg("primary MX lookup failed, using fallback resolver")

		// The fallback runs detached from the caller's context.
		fctx, fcancel := context.WithTimeout(context.Background(), r.timeout)
		records, err = r.fallbackMX(fctx, domain)
		fcancel()
		if err != nil {
			if isNotFound(err) {
				r.store(key, nil)
				return nil, nil
			}
			return nil, err
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			// RFC 7505 null MX: the domain accepts no mail.
			continue
		}
		hosts = append(hosts, host)
	}

	r.store(key, hosts)
	return hosts, nil
}

// ResolveSRV returns SRV target hostnames for service (e.g. "imaps")
// under domain, ascending by priority with heavier weights first
// inside a priority band. No records resolve to an empty slice.
func (r *Resolver) ResolveSRV(ctx context.Context, service, domain string) ([]string, error) {
	key := "srv:" + service + ":" + domain
	if hosts, ok := r.cached(key); ok {
		return hosts, nil
	}

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	_, records, err := r.primarySRV(lctx, service, "tcp", domain)
	cancel()
	if err != nil {
		if isNotFound(err) {
			r.store(key, nil)
			return nil, nil
		}
		r.log.Warn().Err(err).Str("service", service).Str("domain", domain).Msg("primary SRV lookup failed, using fallback resolver")

		fctx, fcancel := context.WithTimeout(context.Background(), r.timeout)
		_, records, err = r.fallbackSRV(fctx, service, "tcp", domain)
		fcancel()
		if err != nil {
			if isNotFound(err) {
				r.store(key, nil)
				return nil, nil
			}
			return nil, err
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	hosts := make([]string, 0, len(records))
	for _, srv := range records {
		target := strings.TrimSuffix(srv.Target, ".")
		if target == "" {
			// RFC 2782: a "." target means the service is not available.
			continue
		}
		hosts = append(hosts, target)
	}

	r.store(key, hosts)
	return hosts, nil
}

func (r *Resolver) cached(key string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.hosts, true
}

func (r *Resolver) store(key string, hosts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.maxEntries {
		r.evictLocked()
	}
	r.cache[key] = cacheEntry{hosts: hosts, expiresAt: time.Now().Add(r.ttl)}
}

// evictLocked drops one expired entry, or an arbitrary one when
// nothing has expired yet.
func (r *Resolver) evictLocked() {
	now := time.Now()
	for k, e := range r.cache {
		if now.After(e.expiresAt) {
			delete(r.cache, k)
			return
		}
	}
	for k := range r.cache {
		delete(r.cache, k)
		return
	}
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
