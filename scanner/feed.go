package scanner

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"recon/codec"
	"recon/correlator"
)

// feed admits probes for every entry. Literal addresses are fed at once;
// hostnames join as their lookups complete. dispatchCh is closed when every
// probe has been handed to the owner or the session was cancelled.
func (s *Session) feed() {
	defer close(s.dispatchCh)

	items := make(chan correlator.Target)
	go s.produce(items)

	seen := make(map[probeKey]bool)
	for t := range items {
		if s.ctx.Err() != nil {
			continue
		}
		k := keyOf(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		if err := s.dispatch(t); err != nil {
			s.log.Debug("probe not dispatched", "probe", t, "error", err)
		}
	}
}

// dispatch waits for an outstanding slot and a correlation id, then hands
// the probe to the owner, which paces the write.
func (s *Session) dispatch(t correlator.Target) error {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return err
	}
	id, err := s.pool.Acquire(s.ctx)
	if err != nil {
		s.sem.Release(1)
		return err
	}

	p := &correlator.Probe{ID: id, Target: t}
	if t.Kind == codec.KindSYN {
		p.Seq = s.enc.Seq(t.Addr, t.Port, id)
	}
	select {
	case s.dispatchCh <- p:
		return nil
	case <-s.ctx.Done():
		_ = s.pool.Release(id)
		s.sem.Release(1)
		return s.ctx.Err()
	}
}

// produce emits probe targets and runs DNS lookups alongside. items is
// closed once every lookup has finished.
func (s *Session) produce(items chan<- correlator.Target) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.lookups(items)
	}()

	for _, en := range s.entries {
		if en.host != "" {
			continue
		}
		for _, t := range en.probes() {
			items <- t
		}
	}
	wg.Wait()
	close(items)
}

// lookups resolves hostname entries, and literal addresses too when reverse
// lookups are enabled, with at most DNSConcurrency queries in flight.
func (s *Session) lookups(items chan<- correlator.Target) {
	var g errgroup.Group
	g.SetLimit(s.opts.DNSConcurrency)
	for _, en := range s.entries {
		if en.host == "" {
			if s.opts.ReverseDNS {
				addr := en.addr
				g.Go(func() error {
					rec := s.resolver.LookupAddr(s.ctx, addr)
					if s.ctx.Err() == nil {
						s.aggCh <- resolutionMsg{rec: rec}
					}
					return nil
				})
			}
			continue
		}

		g.Go(func() error {
			rec := s.resolver.LookupHost(s.ctx, en.host)
			if s.ctx.Err() != nil {
				return nil
			}
			s.aggCh <- resolutionMsg{rec: rec}

			for _, a := range rec.Addresses {
				if a = a.Unmap(); a.Is4() {
					en.addr = a
					break
				}
			}
			if !rec.OK() || !en.addr.IsValid() {
				s.log.Warn("target unresolved", "host", en.host, "status", rec.Status, "error", rec.Error)
				s.aggCh <- unresolvedMsg{label: en.label}
				return nil
			}

			probes := en.probes()
			bind := bindMsg{label: en.label, addr: en.addr, links: make([]probeLink, 0, len(probes))}
			for _, t := range probes {
				bind.links = append(bind.links, probeLink{probe: keyOf(t), pair: pairKey{en.label, t.Port}})
			}
			s.aggCh <- bind
			for _, t := range probes {
				items <- t
			}

			if s.opts.ReverseDNS {
				s.aggCh <- resolutionMsg{rec: s.resolver.LookupAddr(s.ctx, en.addr)}
			}
			return nil
		})
	}
	_ = g.Wait()
}
