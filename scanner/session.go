package scanner

import (
	"context"
	"log/slog"
	"maps"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"recon/codec"
	"recon/correlator"
	"recon/transport"
)

const aggregateBuffer = 256

type sessionConfig struct {
	id       string
	opts     Options
	log      *slog.Logger
	handle   transport.Handle
	enc      *codec.Encoder
	local    netip.Addr
	resolver Resolver
	labels   ServiceLabeler
	entries  []entry
}

// counters are the session statistics updated outside the aggregator.
type counters struct {
	sent, received, matched, unmatched, malformed, retries, sendErrors atomic.Int64
}

func (c *counters) load() Stats {
	return Stats{
		Sent:       c.sent.Load(),
		Received:   c.received.Load(),
		Matched:    c.matched.Load(),
		Unmatched:  c.unmatched.Load(),
		Malformed:  c.malformed.Load(),
		Retries:    c.retries.Load(),
		SendErrors: c.sendErrors.Load(),
	}
}

// Session is one running scan. Its goroutines are:
//   - the feeder, which resolves targets and admits probes under the
//     outstanding limit;
//   - the owner, which alone touches the correlation table and paces every
//     send, retry and resend;
//   - the receiver, which decodes captured frames for the owner;
//   - the aggregator, which folds outcomes into findings.
type Session struct {
	id      string
	started time.Time
	opts    Options
	log     *slog.Logger

	handle   transport.Handle
	enc      *codec.Encoder
	local    netip.Addr
	resolver Resolver
	entries  []entry

	pool *correlator.Pool
	sem  *semaphore.Weighted
	agg  *aggregator

	dispatchCh chan *correlator.Probe
	replyCh    chan inbound
	aggCh      chan any
	recvErr    chan error

	stats       counters
	outstanding atomic.Int64
	snap        atomic.Pointer[Snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	report *FinalReport
	err    error
}

func newSession(parent context.Context, cfg sessionConfig) *Session {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if cfg.opts.SessionTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, cfg.opts.SessionTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	started := time.Now().UTC()
	s := &Session{
		id:         cfg.id,
		started:    started,
		opts:       cfg.opts,
		log:        cfg.log,
		handle:     cfg.handle,
		enc:        cfg.enc,
		local:      cfg.local,
		resolver:   cfg.resolver,
		entries:    cfg.entries,
		pool:       correlator.NewPool(cfg.opts.PoolSize),
		sem:        semaphore.NewWeighted(int64(cfg.opts.MaxOutstanding)),
		agg:        newAggregator(cfg.id, started, cfg.entries, cfg.labels),
		dispatchCh: make(chan *correlator.Probe),
		replyCh:    make(chan inbound, aggregateBuffer),
		aggCh:      make(chan any, aggregateBuffer),
		recvErr:    make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.snap.Store(s.agg.snapshot())
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the final report is ready.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel abandons outstanding probes. Wait still returns a report covering
// every pair.
func (s *Session) Cancel() { s.cancel() }

// Snapshot returns the latest progress without blocking the session.
func (s *Session) Snapshot() Snapshot {
	snap := *s.snap.Load()
	snap.States = maps.Clone(snap.States)
	if snap.Done {
		return snap
	}
	live := s.stats.load()
	live.RTTMin, live.RTTAvg, live.RTTMax = snap.Stats.RTTMin, snap.Stats.RTTAvg, snap.Stats.RTTMax
	snap.Stats = live
	snap.Outstanding = int(s.outstanding.Load())
	snap.Elapsed = time.Since(s.started)
	return snap
}

// Wait blocks until the session ends or ctx is done. The report is returned
// even when the session failed; the error is non-nil only for session-level
// failures such as a persistently broken socket.
func (s *Session) Wait(ctx context.Context) (*FinalReport, error) {
	select {
	case <-s.done:
		return s.report, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)

	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		s.agg.run(s.aggCh, s.opts.SnapshotInterval, s.snap.Store)
	}()

	recvCtx, stopRecv := context.WithCancel(s.ctx)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		s.receive(recvCtx)
	}()

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		s.feed()
	}()

	err := s.schedule()
	cancelled := err == nil && s.ctx.Err() != nil
	if err != nil {
		s.log.Error("session aborted", "error", err)
		s.cancel()
	}
	<-feedDone
	stopRecv()
	<-recvDone
	if cerr := s.handle.Close(); cerr != nil {
		s.log.Warn("closing link", "error", cerr)
	}

	reply := make(chan *FinalReport, 1)
	s.aggCh <- finalizeMsg{
		stats:     s.stats.load(),
		err:       err,
		cancelled: cancelled,
		ended:     time.Now().UTC(),
		reply:     reply,
	}
	s.report = <-reply
	<-aggDone
	s.err = err
	s.cancel()

	s.log.Info("session finished",
		"elapsed", s.report.Elapsed,
		"findings", len(s.report.Findings),
		"open", s.report.Count(StateOpen),
		"cancelled", s.report.Cancelled,
		"sent", s.report.Stats.Sent,
		"matched", s.report.Stats.Matched)
}
