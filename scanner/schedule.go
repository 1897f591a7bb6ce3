package scanner

import (
	"container/heap"
	"fmt"
	"time"

	"recon/codec"
	"recon/correlator"
)

// inbound is a decoded reply and its capture time.
type inbound struct {
	reply codec.Reply
	at    time.Time
}

// owner drives the correlation table. Only the owner goroutine touches it.
type owner struct {
	*Session
	tbl     *correlator.Table
	pace    *pacer
	resends resendHeap
	timer   *time.Timer
}

func (s *Session) schedule() error {
	o := &owner{
		Session: s,
		tbl:     correlator.NewTable(s.pool),
		pace:    newPacer(s.opts),
		timer:   time.NewTimer(time.Hour),
	}
	o.timer.Stop()
	defer o.timer.Stop()
	return o.loop()
}

func (o *owner) loop() error {
	dispatch := o.dispatchCh
	for dispatch != nil || o.tbl.Len() > 0 {
		select {
		case <-o.ctx.Done():
			o.abandon()
			return nil

		case err := <-o.recvErr:
			o.abandon()
			return fmt.Errorf("%w: receive: %v", ErrSocket, err)

		case p, ok := <-dispatch:
			if !ok {
				dispatch = nil
				continue
			}
			if err := o.admit(p); err != nil {
				o.abandon()
				return err
			}

		case in := <-o.replyCh:
			o.match(in)

		case <-o.wake():
			if err := o.tick(time.Now()); err != nil {
				o.abandon()
				return err
			}
		}
	}
	return nil
}

// wake arms the timer for the earliest deadline or resend. A nil channel
// blocks forever when nothing is pending.
func (o *owner) wake() <-chan time.Time {
	next, ok := o.tbl.NextDeadline()
	if len(o.resends) > 0 && (!ok || o.resends[0].at.Before(next)) {
		next, ok = o.resends[0].at, true
	}
	if !ok {
		o.timer.Stop()
		return nil
	}
	o.timer.Reset(max(time.Until(next), 0))
	return o.timer.C
}

func (o *owner) admit(p *correlator.Probe) error {
	if err := o.tbl.Insert(p); err != nil {
		o.log.Error("rejecting probe", "probe", p.Target, "error", err)
		_ = o.pool.Release(p.ID)
		o.sem.Release(1)
		return nil
	}
	o.outstanding.Add(1)
	return o.transmit(p, time.Now())
}

// transmit sends p at the first slot the pacer grants, holding it on the
// resend heap until then.
func (o *owner) transmit(p *correlator.Probe, now time.Time) error {
	if at := o.pace.book(p.Target.Addr, now); at.After(now) {
		heap.Push(&o.resends, resend{p: p, at: at, booked: true})
		return nil
	}
	return o.send(p, now)
}

// send writes p to the link and arms its deadline. A failed write is
// retried after a doubling backoff; past MaxSendRetries consecutive failures
// the session aborts.
func (o *owner) send(p *correlator.Probe, now time.Time) error {
	addr := p.Target.Addr
	if at, ok := o.pace.clear(addr, now); !ok {
		heap.Push(&o.resends, resend{p: p, at: at, booked: true})
		return nil
	}
	frame, err := o.enc.Encode(p.Target.Kind, addr, p.Target.Port, p.ID)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Target, err)
	}
	err = o.handle.WritePacketData(frame)
	o.pace.wrote(addr, time.Now())
	if err != nil {
		o.stats.sendErrors.Add(1)
		p.SendFailures++
		if p.SendFailures > o.opts.MaxSendRetries {
			return fmt.Errorf("%w: send %s: %v", ErrSocket, p.Target, err)
		}
		backoff := o.opts.SendBackoff << (p.SendFailures - 1)
		o.log.Warn("send failed", "probe", p.Target, "attempt", p.SendFailures, "backoff", backoff, "error", err)
		heap.Push(&o.resends, resend{p: p, at: now.Add(backoff)})
		return nil
	}
	p.SendFailures = 0
	o.stats.sent.Add(1)
	return o.tbl.Dispatch(p, now, o.opts.Timeout(p.Attempt+1))
}

func (o *owner) match(in inbound) {
	p, ok := o.tbl.Match(in.reply)
	if !ok {
		o.stats.unmatched.Add(1)
		return
	}
	o.stats.matched.Add(1)
	o.sem.Release(1)
	o.outstanding.Add(-1)

	out := outcomeMsg{
		key:      keyOf(p.Target),
		kind:     p.Target.Kind,
		state:    classify(in.reply.Outcome),
		rtt:      max(in.at.Sub(p.DispatchedAt), 0),
		attempts: p.Attempt,
		matched:  true,
	}
	if out.state.Definitive() {
		out.ttl = in.reply.TTL
	}
	if len(in.reply.HardwareAddr) > 0 {
		out.mac = in.reply.HardwareAddr.String()
		if in.reply.Kind == codec.KindARP && o.enc.Neighbours != nil {
			o.enc.Neighbours.Learn(in.reply.Target, in.reply.HardwareAddr)
		}
	}
	o.aggCh <- out
}

// tick retries or retires expired probes, then sends resends that are due.
// A resend that already holds a pacing slot goes straight to the link; a
// send failure books a new one.
func (o *owner) tick(now time.Time) error {
	for _, p := range o.tbl.Expire(now) {
		if p.Attempt < o.opts.MaxAttempts {
			if err := p.Apply(correlator.EventRetry); err != nil {
				return err
			}
			o.stats.retries.Add(1)
			if err := o.transmit(p, now); err != nil {
				return err
			}
			continue
		}
		o.retire(p, correlator.EventExpire)
	}
	for len(o.resends) > 0 && !o.resends[0].at.After(now) {
		r := heap.Pop(&o.resends).(resend)
		if r.p.State.Terminal() {
			continue
		}
		send := o.transmit
		if r.booked {
			send = o.send
		}
		if err := send(r.p, now); err != nil {
			return err
		}
	}
	return nil
}

func (o *owner) retire(p *correlator.Probe, ev correlator.Event) {
	if err := o.tbl.Release(p, ev); err != nil {
		o.log.Error("retiring probe", "probe", p.Target, "error", err)
		return
	}
	o.sem.Release(1)
	o.outstanding.Add(-1)
	o.aggCh <- outcomeMsg{
		key:      keyOf(p.Target),
		kind:     p.Target.Kind,
		state:    silentState(p.Target.Kind),
		attempts: p.Attempt,
	}
}

// abandon cancels every probe still in the table.
func (o *owner) abandon() {
	for _, p := range o.tbl.Drain() {
		o.sem.Release(1)
		o.outstanding.Add(-1)
		o.aggCh <- outcomeMsg{
			key:      keyOf(p.Target),
			kind:     p.Target.Kind,
			state:    StateCancelled,
			attempts: p.Attempt,
		}
	}
	o.resends = nil
}

// classify maps a reply onto the state of the pair it answers.
func classify(out codec.Outcome) State {
	switch out {
	case codec.OutcomeAck, codec.OutcomeEchoReply, codec.OutcomeLinkReply:
		return StateOpen
	case codec.OutcomeRefused:
		return StateClosed
	default:
		return StateUnreachable
	}
}

// silentState is the state of a probe that exhausted its attempts.
func silentState(k codec.Kind) State {
	if k == codec.KindARP {
		return StateUnresolved
	}
	return StateFiltered
}

func keyOf(t correlator.Target) probeKey {
	return probeKey{addr: t.Addr, port: t.Port, kind: t.Kind}
}

type resend struct {
	p      *correlator.Probe
	at     time.Time
	booked bool
}

type resendHeap []resend

func (h resendHeap) Len() int           { return len(h) }
func (h resendHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h resendHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resendHeap) Push(x any)        { *h = append(*h, x.(resend)) }
func (h *resendHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	*h = old[:n-1]
	return r
}
