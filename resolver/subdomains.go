package resolver

import (
	"bufio"
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

//go:embed subdomains.txt
var builtinWords string

// Domain is a name found under an apex with its addresses.
type Domain struct {
	Name      string       `json:"name"`
	Addresses []netip.Addr `json:"addresses"`
}

// DomainScan is the outcome of resolving a wordlist under one apex domain.
// Domains are sorted by name.
type DomainScan struct {
	Apex      string        `json:"apex"`
	Domains   []Domain      `json:"domains"`
	Wildcard  []netip.Addr  `json:"wildcard,omitempty"`
	Tried     int           `json:"tried"`
	Failed    int           `json:"failed"`
	Cancelled bool          `json:"cancelled,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// DefaultWordlist returns the built-in subdomain labels.
func DefaultWordlist() []string {
	words, _ := ReadWordlist(strings.NewReader(builtinWords))
	return words
}

// ReadWordlist reads one label per line. Blank lines and # comments are
// skipped; labels are lowercased and deduplicated in order.
func ReadWordlist(r io.Reader) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		w := strings.ToLower(strings.TrimSpace(sc.Text()))
		if w == "" || strings.HasPrefix(w, "#") || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read wordlist: %w", err)
	}
	return out, nil
}

// ScanSubdomains resolves word.apex for every word. When the apex answers
// for any name, the wildcard addresses are learned first and names that
// resolve only to them are left out.
func (c *Client) ScanSubdomains(ctx context.Context, apex string, words []string) (*DomainScan, error) {
	apex = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(apex), "."))
	if _, ok := dns.IsDomainName(apex); !ok || !strings.Contains(apex, ".") {
		return nil, fmt.Errorf("resolver: invalid apex domain %q", apex)
	}
	scan := &DomainScan{Apex: apex, StartedAt: time.Now().UTC()}

	wildcard, err := c.wildcard(ctx, apex)
	if err != nil {
		return nil, err
	}
	scan.Wildcard = wildcard

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		name := strings.ToLower(w) + "." + apex
		if _, ok := dns.IsDomainName(name); !ok || w == "" {
			c.log.Debug("skipping invalid label", "label", w)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		g.Go(func() error {
			rec := c.LookupHost(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			scan.Tried++
			switch {
			case rec.Status == StatusTimeout || rec.Status == StatusFailure:
				scan.Failed++
			case rec.OK() && !within(rec.Addresses, wildcard):
				scan.Domains = append(scan.Domains, Domain{Name: name, Addresses: rec.Addresses})
			}
			return nil
		})
	}
	_ = g.Wait()

	scan.Cancelled = ctx.Err() != nil
	slices.SortFunc(scan.Domains, func(a, b Domain) int { return strings.Compare(a.Name, b.Name) })
	scan.EndedAt = time.Now().UTC()
	scan.Elapsed = scan.EndedAt.Sub(scan.StartedAt)
	c.log.Info("subdomain scan finished", "apex", apex, "tried", scan.Tried, "found", len(scan.Domains), "failed", scan.Failed, "wildcard", len(wildcard) > 0)
	return scan, nil
}

// wildcard resolves a random label under apex and returns what it answers.
func (c *Client) wildcard(ctx context.Context, apex string) ([]netip.Addr, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("resolver: random label: %w", err)
	}
	rec := c.LookupHost(ctx, "wc-"+hex.EncodeToString(b[:])+"."+apex)
	if !rec.OK() {
		return nil, nil
	}
	return rec.Addresses, nil
}

// within reports whether every address of got is in set.
func within(got, set []netip.Addr) bool {
	if len(set) == 0 {
		return false
	}
	for _, a := range got {
		if !slices.Contains(set, a) {
			return false
		}
	}
	return true
}
