// Package resolver performs forward and reverse DNS lookups for the scan
// engine. Lookups carry their own timeout and retry policy, share a small
// LRU cache with expiry, and collapse concurrent lookups of the same key
// into one query.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Mzack9999/gcache"
	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"recon/logging"
)

var (
	// ErrNotFound means the name or address has no records.
	ErrNotFound = errors.New("dns: no such record")
	// ErrTimeout means every attempt timed out.
	ErrTimeout = errors.New("dns: lookup timed out")
	// ErrFailure covers server failures and transport errors after retries.
	ErrFailure = errors.New("dns: lookup failed")
)

// Status summarizes a lookup.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusNotFound Status = "not-found"
	StatusTimeout  Status = "timeout"
	StatusFailure  Status = "failure"
)

// Record is the outcome of one forward or reverse lookup.
type Record struct {
	Key        string       `json:"key"`
	Reverse    bool         `json:"reverse"`
	Addresses  []netip.Addr `json:"addresses,omitempty"`
	Names      []string     `json:"names,omitempty"`
	Status     Status       `json:"status"`
	ResolvedAt time.Time    `json:"resolved_at"`
	Error      string       `json:"error,omitempty"`
}

// OK reports whether the lookup produced records.
func (r Record) OK() bool { return r.Status == StatusSuccess }

// Err maps the record status onto the package sentinels.
func (r Record) Err() error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusNotFound:
		return fmt.Errorf("%s: %w", r.Key, ErrNotFound)
	case StatusTimeout:
		return fmt.Errorf("%s: %w", r.Key, ErrTimeout)
	default:
		return fmt.Errorf("%s: %w: %s", r.Key, ErrFailure, r.Error)
	}
}

// Exchanger sends one DNS message. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Config tunes a Client. Zero values select defaults.
type Config struct {
	Servers     []string // host or host:port; empty reads /etc/resolv.conf
	Timeout     time.Duration
	Retries     int
	CacheSize   int
	CacheTTL    time.Duration
	FailureTTL  time.Duration // lifetime of cached timeouts and failures
	Concurrency int64
	Exchanger   Exchanger
	Logger      *slog.Logger
}

const (
	DefaultTimeout     = 2 * time.Second
	DefaultRetries     = 2
	DefaultCacheSize   = 4096
	DefaultCacheTTL    = 30 * time.Second
	DefaultFailureTTL  = 5 * time.Second
	DefaultConcurrency = 64

	resolvConf = "/etc/resolv.conf"
)

var fallbackServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// Client resolves names. It is safe for concurrent use.
type Client struct {
	servers []string
	timeout time.Duration
	retries int
	failTTL time.Duration
	limit   int
	ex      Exchanger
	log     *slog.Logger

	cache   gcache.Cache[string, Record]
	group   singleflight.Group
	sem     *semaphore.Weighted
	next    atomic.Uint32
	queries atomic.Int64
}

// New builds a client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("resolver: negative retry count %d", cfg.Retries)
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = min(DefaultFailureTTL, cfg.CacheTTL)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Logger()
	}
	if cfg.Exchanger == nil {
		cfg.Exchanger = &dns.Client{Net: "udp", Timeout: cfg.Timeout}
	}

	servers, err := normalizeServers(cfg.Servers)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers = systemServers(cfg.Logger)
	}

	return &Client{
		servers: servers,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		failTTL: cfg.FailureTTL,
		limit:   int(cfg.Concurrency),
		ex:      cfg.Exchanger,
		log:     cfg.Logger,
		cache:   gcache.New[string, Record](cfg.CacheSize).LRU().Expiration(cfg.CacheTTL).Build(),
		sem:     semaphore.NewWeighted(cfg.Concurrency),
	}, nil
}

func normalizeServers(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			if _, perr := netip.ParseAddr(s); perr != nil {
				return nil, fmt.Errorf("resolver: invalid server %q", s)
			}
			s = net.JoinHostPort(s, "53")
		}
		out = append(out, s)
	}
	return out, nil
}

func systemServers(log *slog.Logger) []string {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cc.Servers) == 0 {
		log.Warn("no system nameservers, using fallback", "error", err, "servers", fallbackServers)
		return fallbackServers
	}
	out := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		out = append(out, net.JoinHostPort(s, cc.Port))
	}
	return out
}

// Servers returns the nameservers queried, in rotation order.
func (c *Client) Servers() []string { return append([]string(nil), c.servers...) }

// Queries returns how many DNS messages have been sent.
func (c *Client) Queries() int64 { return c.queries.Load() }

// LookupHost resolves host to IPv4 addresses. An IP literal resolves to
// itself without a query.
func (c *Client) LookupHost(ctx context.Context, host string) Record {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if a, err := netip.ParseAddr(host); err == nil {
		return Record{
			Key:        host,
			Addresses:  []netip.Addr{a.Unmap()},
			Status:     StatusSuccess,
			ResolvedAt: time.Now().UTC(),
		}
	}
	return c.lookup(ctx, host, dns.Fqdn(host), dns.TypeA, false)
}

// LookupAddr resolves addr to host names through PTR records.
func (c *Client) LookupAddr(ctx context.Context, addr netip.Addr) Record {
	key := addr.String()
	arpa, err := dns.ReverseAddr(key)
	if err != nil {
		return Record{
			Key:        key,
			Reverse:    true,
			Status:     StatusFailure,
			ResolvedAt: time.Now().UTC(),
			Error:      err.Error(),
		}
	}
	return c.lookup(ctx, key, arpa, dns.TypePTR, true)
}

func (c *Client) lookup(ctx context.Context, key, qname string, qtype uint16, reverse bool) Record {
	cacheKey := dns.TypeToString[qtype] + ":" + strings.ToLower(key)
	if rec, err := c.cache.Get(cacheKey); err == nil {
		return rec
	}

	v, _, _ := c.group.Do(cacheKey, func() (any, error) {
		if rec, err := c.cache.Get(cacheKey); err == nil {
			return rec, nil
		}
		rec := c.resolve(ctx, key, qname, qtype, reverse)
		switch {
		case rec.Status == StatusSuccess || rec.Status == StatusNotFound:
			_ = c.cache.Set(cacheKey, rec)
		case ctx.Err() == nil:
			// A cancelled caller says nothing about the name itself.
			_ = c.cache.SetWithExpire(cacheKey, rec, c.failTTL)
		}
		return rec, nil
	})
	return v.(Record)
}

func (c *Client) resolve(ctx context.Context, key, qname string, qtype uint16, reverse bool) (rec Record) {
	rec = Record{Key: key, Reverse: reverse}
	defer func() { rec.ResolvedAt = time.Now().UTC() }()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		rec.Status = StatusFailure
		rec.Error = err.Error()
		return rec
	}
	defer c.sem.Release(1)

	start := int(c.next.Add(1))
	var lastErr error
	status := StatusFailure

	for attempt := 0; attempt <= c.retries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		server := c.servers[(start+attempt)%len(c.servers)]

		msg := new(dns.Msg)
		msg.SetQuestion(qname, qtype)
		msg.RecursionDesired = true

		qctx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, _, err := c.ex.ExchangeContext(qctx, msg, server)
		cancel()
		c.queries.Add(1)

		if err != nil {
			lastErr = err
			if isTimeout(err) {
				status = StatusTimeout
			} else {
				status = StatusFailure
			}
			c.log.Debug("dns attempt failed", "key", key, "server", server, "attempt", attempt+1, "error", err)
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			rec.Status = StatusNotFound
			return rec
		default:
			status = StatusFailure
			lastErr = fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
			continue
		}

		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A.To4()); ok {
					rec.Addresses = append(rec.Addresses, a)
				}
			case *dns.PTR:
				rec.Names = append(rec.Names, strings.TrimSuffix(v.Ptr, "."))
			}
		}
		if len(rec.Addresses) == 0 && len(rec.Names) == 0 {
			rec.Status = StatusNotFound
			return rec
		}
		rec.Status = StatusSuccess
		return rec
	}

	rec.Status = status
	if lastErr != nil {
		rec.Error = lastErr.Error()
	}
	return rec
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
