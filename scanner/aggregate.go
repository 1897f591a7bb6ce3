package scanner

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"recon/codec"
	"recon/resolver"
)

// Messages accepted by the aggregator.
type (
	outcomeMsg struct {
		key      probeKey
		kind     codec.Kind
		state    State
		rtt      time.Duration
		attempts int
		ttl      uint8
		mac      string
		matched  bool
	}

	probeLink struct {
		probe probeKey
		pair  pairKey
	}

	// bindMsg attaches the probes of a resolved hostname to its pairs.
	bindMsg struct {
		label string
		addr  netip.Addr
		links []probeLink
	}

	unresolvedMsg struct {
		label string
	}

	resolutionMsg struct {
		rec resolver.Record
	}

	finalizeMsg struct {
		stats     Stats
		err       error
		cancelled bool
		ended     time.Time
		reply     chan<- *FinalReport
	}
)

type pairState struct {
	finding   Finding
	pending   int // probe kinds still without an outcome
	cancelled bool
}

type rttStats struct {
	min, max, total time.Duration
	n               int64
}

func (r *rttStats) add(d time.Duration) {
	if r.n == 0 || d < r.min {
		r.min = d
	}
	if d > r.max {
		r.max = d
	}
	r.total += d
	r.n++
}

func (r *rttStats) fill(s *Stats) {
	s.RTTMin, s.RTTMax = r.min, r.max
	if r.n > 0 {
		s.RTTAvg = r.total / time.Duration(r.n)
	}
}

// aggregator owns the findings. Outcomes may arrive in any order; merging
// keeps the highest ranked state and never replaces open or closed.
type aggregator struct {
	id      string
	started time.Time
	labels  ServiceLabeler

	pairs   map[pairKey]*pairState
	byLabel map[string][]pairKey
	byProbe map[probeKey][]pairKey
	done    map[probeKey]outcomeMsg
	ptr     map[netip.Addr]string
	records []resolver.Record
	rtt     rttStats
}

func newAggregator(id string, started time.Time, entries []entry, labels ServiceLabeler) *aggregator {
	a := &aggregator{
		id:      id,
		started: started,
		labels:  labels,
		pairs:   make(map[pairKey]*pairState),
		byLabel: make(map[string][]pairKey),
		byProbe: make(map[probeKey][]pairKey),
		done:    make(map[probeKey]outcomeMsg),
		ptr:     make(map[netip.Addr]string),
	}
	for _, en := range entries {
		for key, kinds := range en.pairs() {
			f := Finding{
				Target:   en.label,
				Address:  en.addr,
				Hostname: en.host,
				Port:     key.port,
				State:    StatePending,
			}
			if len(kinds) == 1 {
				f.Kind = kinds[0]
			}
			if key.port != 0 && labels != nil {
				f.Service = labels.Lookup(key.port)
			}
			a.pairs[key] = &pairState{finding: f, pending: len(kinds)}
			a.byLabel[en.label] = append(a.byLabel[en.label], key)
		}
		if en.host == "" {
			for _, t := range en.probes() {
				k := keyOf(t)
				a.byProbe[k] = append(a.byProbe[k], pairKey{en.label, t.Port})
			}
		}
	}
	return a
}

func (a *aggregator) run(in <-chan any, interval time.Duration, publish func(*Snapshot)) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	dirty := false
	for {
		select {
		case msg := <-in:
			if fin, ok := msg.(finalizeMsg); ok {
				report := a.finalize(fin)
				snap := a.snapshot()
				snap.Done = true
				snap.Elapsed = report.Elapsed
				snap.Stats = report.Stats
				publish(snap)
				fin.reply <- report
				return
			}
			a.handle(msg)
			dirty = true
		case <-tick.C:
			if dirty {
				publish(a.snapshot())
				dirty = false
			}
		}
	}
}

func (a *aggregator) handle(msg any) {
	switch m := msg.(type) {
	case outcomeMsg:
		a.done[m.key] = m
		if m.matched {
			a.rtt.add(m.rtt)
		}
		for _, pk := range a.byProbe[m.key] {
			a.apply(pk, m)
		}
	case bindMsg:
		for _, pk := range a.byLabel[m.label] {
			a.pairs[pk].finding.Address = m.addr
		}
		for _, l := range m.links {
			a.byProbe[l.probe] = append(a.byProbe[l.probe], l.pair)
			if out, ok := a.done[l.probe]; ok {
				a.apply(l.pair, out)
			}
		}
	case unresolvedMsg:
		for _, pk := range a.byLabel[m.label] {
			ps := a.pairs[pk]
			ps.finding.State = StateUnresolved
			ps.pending = 0
		}
	case resolutionMsg:
		a.records = append(a.records, m.rec)
		if m.rec.Reverse && m.rec.OK() && len(m.rec.Names) > 0 {
			if addr, err := netip.ParseAddr(m.rec.Key); err == nil {
				a.ptr[addr] = m.rec.Names[0]
			}
		}
	}
}

// apply folds one probe outcome into a pair.
func (a *aggregator) apply(pk pairKey, out outcomeMsg) {
	ps, ok := a.pairs[pk]
	if !ok {
		return
	}
	if ps.pending > 0 {
		ps.pending--
	}
	if out.state == StateCancelled {
		ps.cancelled = true
		return
	}
	f := &ps.finding
	if f.State.Definitive() || out.state.rank() <= f.State.rank() {
		return
	}
	f.State = out.state
	f.Kind = out.kind
	f.RTT = out.rtt
	f.Attempts = out.attempts
	f.TTL, f.Hops, f.OSFamily = 0, 0, ""
	if out.state.Definitive() && out.ttl > 0 {
		f.TTL = out.ttl
		f.Hops = Hops(out.ttl)
		f.OSFamily = OSFamily(out.ttl)
	}
	if out.mac != "" {
		f.MAC = out.mac
	}
}

func (a *aggregator) snapshot() *Snapshot {
	snap := &Snapshot{
		SessionID: a.id,
		StartedAt: a.started,
		Elapsed:   time.Since(a.started),
		Pairs:     len(a.pairs),
		States:    make(map[State]int),
	}
	for _, ps := range a.pairs {
		snap.States[ps.finding.State]++
		if ps.pending == 0 {
			snap.Completed++
		}
	}
	a.rtt.fill(&snap.Stats)
	return snap
}

func (a *aggregator) finalize(m finalizeMsg) *FinalReport {
	findings := make([]Finding, 0, len(a.pairs))
	for _, ps := range a.pairs {
		f := ps.finding
		if (ps.pending > 0 || ps.cancelled) && !f.State.Definitive() {
			f.State = StateCancelled
		}
		if f.State == StatePending {
			f.State = StateCancelled
		}
		if f.Hostname == "" && f.Address.IsValid() {
			f.Hostname = a.ptr[f.Address]
		}
		findings = append(findings, f)
	}
	slices.SortFunc(findings, compareFindings)

	stats := m.stats
	a.rtt.fill(&stats)
	report := &FinalReport{
		SessionID:   a.id,
		StartedAt:   a.started,
		EndedAt:     m.ended,
		Elapsed:     m.ended.Sub(a.started),
		Cancelled:   m.cancelled,
		Findings:    findings,
		Resolutions: a.records,
		Stats:       stats,
	}
	if m.err != nil {
		report.Error = m.err.Error()
	}
	return report
}

// compareFindings orders addresses numerically before hostnames, then by
// port.
func compareFindings(x, y Finding) int {
	if x.Target != y.Target {
		xa, xerr := netip.ParseAddr(x.Target)
		ya, yerr := netip.ParseAddr(y.Target)
		switch {
		case xerr == nil && yerr == nil:
			return xa.Compare(ya)
		case xerr == nil:
			return -1
		case yerr == nil:
			return 1
		}
		return cmp.Compare(x.Target, y.Target)
	}
	return cmp.Compare(x.Port, y.Port)
}
