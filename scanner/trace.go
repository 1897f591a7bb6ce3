package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"recon/codec"
	"recon/transport"
)

const (
	DefaultMaxHops    = 30
	DefaultHopTimeout = time.Second
	DefaultTracePort  = 80

	// traceIDs bounds the source ports and echo sequences of a trace: hop n
	// uses id n.
	traceIDs = 256
)

// TraceOptions tunes a trace. Zero values select defaults.
type TraceOptions struct {
	Interface  string
	Kind       codec.Kind    // KindEcho (default) or KindSYN
	Port       uint16        // destination port of a SYN trace
	MaxHops    int           // highest TTL tried
	Timeout    time.Duration // wait for the answer to each hop
	Interval   time.Duration // pause between hops
	ReverseDNS bool          // name the hops through PTR lookups

	DNSServers []string
	DNSTimeout time.Duration
}

func (o TraceOptions) withDefaults() TraceOptions {
	if o.Kind == 0 {
		o.Kind = codec.KindEcho
	}
	if o.Kind == codec.KindSYN && o.Port == 0 {
		o.Port = DefaultTracePort
	}
	if o.MaxHops == 0 {
		o.MaxHops = DefaultMaxHops
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultHopTimeout
	}
	return o
}

func (o TraceOptions) validate() error {
	switch {
	case o.Kind != codec.KindEcho && o.Kind != codec.KindSYN:
		return fmt.Errorf("%w: cannot trace with %s", ErrInvalidOptions, o.Kind)
	case o.MaxHops < 1 || o.MaxHops >= traceIDs:
		return fmt.Errorf("%w: max hops %d outside 1..%d", ErrInvalidOptions, o.MaxHops, traceIDs-1)
	case o.Interval < 0:
		return fmt.Errorf("%w: negative hop interval", ErrInvalidOptions)
	}
	return nil
}

// TraceStatus tells how a trace ended.
type TraceStatus string

const (
	TraceReached     TraceStatus = "reached"     // the destination answered
	TraceUnreachable TraceStatus = "unreachable" // a router refused to forward
	TraceIncomplete  TraceStatus = "incomplete"  // MaxHops ran out first
	TraceCancelled   TraceStatus = "cancelled"
)

// Hop is the answer to the probe sent with one TTL. A silent hop has no
// address and outcome "timeout".
type Hop struct {
	TTL      uint8         `json:"ttl"`
	Address  netip.Addr    `json:"address,omitzero"`
	Hostname string        `json:"hostname,omitempty"`
	Outcome  string        `json:"outcome"`
	RTT      time.Duration `json:"rtt_ns,omitempty"`
}

// TraceReport is the path to one destination, one Hop per TTL tried.
type TraceReport struct {
	ID        string        `json:"id"`
	Target    string        `json:"target"`
	Address   netip.Addr    `json:"address"`
	Kind      codec.Kind    `json:"kind"`
	Port      uint16        `json:"port,omitempty"`
	Status    TraceStatus   `json:"status"`
	Hops      []Hop         `json:"hops"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

const hopTimeout = "timeout"

// Trace sends one probe per TTL from 1 to MaxHops towards host and records
// which router answers each, stopping once the destination itself answers.
func (e *Engine) Trace(ctx context.Context, host string, opts TraceOptions) (*TraceReport, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}

	base := Options{
		Interface:  opts.Interface,
		PoolSize:   traceIDs,
		DNSServers: opts.DNSServers,
		DNSTimeout: opts.DNSTimeout,
	}.withDefaults()
	l, err := e.prepare(base)
	if err != nil {
		return nil, err
	}
	addr, err := traceAddr(ctx, l, host)
	if err != nil {
		return nil, err
	}
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	handle, err := e.open(l)
	if err != nil {
		return nil, err
	}

	t := &tracer{
		link:   l,
		opts:   opts,
		addr:   addr,
		handle: handle,
		log:    l.log.With("trace", id, "target", host),
	}
	report := &TraceReport{
		ID:        id,
		Target:    host,
		Address:   addr,
		Kind:      opts.Kind,
		Port:      opts.Port,
		StartedAt: time.Now().UTC(),
	}
	t.log.Info("trace started", "address", addr, "kind", opts.Kind, "max_hops", opts.MaxHops)

	report.Status, err = t.run(ctx, report)
	_ = handle.Close()
	if err != nil {
		return nil, err
	}
	if opts.ReverseDNS {
		t.nameHops(ctx, report.Hops)
	}
	report.EndedAt = time.Now().UTC()
	report.Elapsed = report.EndedAt.Sub(report.StartedAt)
	t.log.Info("trace finished", "status", report.Status, "hops", len(report.Hops), "elapsed", report.Elapsed)
	return report, nil
}

func traceAddr(ctx context.Context, l *link, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		a = a.Unmap()
		if !a.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %s is not IPv4", ErrInvalidTarget, host)
		}
		return a, nil
	}
	rec := l.res.LookupHost(ctx, strings.ToLower(strings.TrimSuffix(host, ".")))
	for _, a := range rec.Addresses {
		if a.Is4() {
			return a, nil
		}
	}
	if err := rec.Err(); err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
	}
	return netip.Addr{}, fmt.Errorf("%w: %s has no IPv4 address", ErrUnresolved, host)
}

type tracer struct {
	*link
	opts   TraceOptions
	addr   netip.Addr
	handle transport.Handle
	log    *slog.Logger
}

func (t *tracer) run(ctx context.Context, report *TraceReport) (TraceStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies := make(chan inbound, 16)
	recvErr := make(chan error, 1)
	go t.receive(ctx, replies, recvErr)

	for ttl := 1; ttl <= t.opts.MaxHops; ttl++ {
		if ttl > 1 && t.opts.Interval > 0 {
			select {
			case <-time.After(t.opts.Interval):
			case <-ctx.Done():
				return TraceCancelled, nil
			}
		}

		hop, done, err := t.hop(ctx, uint8(ttl), replies, recvErr)
		if err != nil {
			return "", err
		}
		if ctx.Err() != nil {
			return TraceCancelled, nil
		}
		report.Hops = append(report.Hops, hop)
		t.log.Debug("hop", "ttl", ttl, "address", hop.Address, "outcome", hop.Outcome, "rtt", hop.RTT)
		if done {
			if hop.Outcome == codec.OutcomeUnreachable.String() {
				return TraceUnreachable, nil
			}
			return TraceReached, nil
		}
	}
	return TraceIncomplete, nil
}

// hop sends the probe for ttl and waits for its answer. done reports that
// the trace cannot go further.
func (t *tracer) hop(ctx context.Context, ttl uint8, replies <-chan inbound, recvErr <-chan error) (Hop, bool, error) {
	enc := *t.enc
	enc.TTL = ttl
	id := uint16(ttl)
	frame, err := enc.Encode(t.opts.Kind, t.addr, t.opts.Port, id)
	if err != nil {
		return Hop{}, false, fmt.Errorf("encode hop %d: %w", ttl, err)
	}
	sent := time.Now()
	if err := t.handle.WritePacketData(frame); err != nil {
		return Hop{}, false, fmt.Errorf("%w: send hop %d: %v", ErrSocket, ttl, err)
	}

	timer := time.NewTimer(t.opts.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Hop{TTL: ttl, Outcome: hopTimeout}, false, nil
		case err := <-recvErr:
			return Hop{}, false, fmt.Errorf("%w: receive: %v", ErrSocket, err)
		case <-timer.C:
			return Hop{TTL: ttl, Outcome: hopTimeout}, false, nil
		case in := <-replies:
			if !t.answers(in.reply, &enc, id) {
				continue
			}
			h := Hop{
				TTL:     ttl,
				Address: in.reply.From,
				Outcome: in.reply.Outcome.String(),
				RTT:     max(in.at.Sub(sent), 0),
			}
			return h, in.reply.Outcome != codec.OutcomeTimeExceeded, nil
		}
	}
}

// answers reports whether r replies to the probe for id. Late answers to
// earlier hops carry other ids and are dropped.
func (t *tracer) answers(r codec.Reply, enc *codec.Encoder, id uint16) bool {
	if r.Kind != t.opts.Kind || r.ID != id || r.Target != t.addr {
		return false
	}
	if r.Kind == codec.KindSYN {
		if r.Port != t.opts.Port {
			return false
		}
		if r.HasAck && r.Ack != enc.Seq(t.addr, t.opts.Port, id)+1 {
			return false
		}
	}
	return true
}

func (t *tracer) receive(ctx context.Context, out chan<- inbound, errc chan<- error) {
	dec := codec.NewDecoder(t.enc.PortBase, traceIDs, t.enc.EchoIdent, t.details.SrcIP)
	for ctx.Err() == nil {
		frame, err := t.handle.ReadPacketData()
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, transport.ErrClosed):
			return
		default:
			select {
			case errc <- err:
			default:
			}
			return
		}
		at := time.Now()
		reply, err := dec.Decode(frame)
		if err != nil {
			continue
		}
		select {
		case out <- inbound{reply: reply, at: at}:
		case <-ctx.Done():
			return
		}
	}
}

// nameHops fills in hop hostnames through reverse lookups.
func (t *tracer) nameHops(ctx context.Context, hops []Hop) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(t.opts.MaxHops/4, 1))
	for i := range hops {
		if !hops[i].Address.IsValid() {
			continue
		}
		g.Go(func() error {
			if rec := t.res.LookupAddr(gctx, hops[i].Address); rec.OK() && len(rec.Names) > 0 {
				hops[i].Hostname = rec.Names[0]
			}
			return nil
		})
	}
	_ = g.Wait()
}
