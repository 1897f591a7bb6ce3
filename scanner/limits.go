package scanner

import (
	"net/netip"
	"time"

	"github.com/Mzack9999/gcache"
	"golang.org/x/time/rate"
)

const minPaceCache = 4096

// pacer spaces transmissions: at least MinInterval between two writes to the
// same destination, plus an optional global rate. Only the owner uses it.
type pacer struct {
	every  time.Duration
	dests  gcache.Cache[netip.Addr, *slot]
	global *rate.Limiter
}

// slot is the pacing state of one destination. booked is the next free
// transmission time; last is when the latest write to it returned.
type slot struct {
	booked time.Time
	last   time.Time
}

func newPacer(opts Options) *pacer {
	size := max(opts.MaxOutstanding*2, minPaceCache)
	p := &pacer{
		every: opts.MinInterval,
		dests: gcache.New[netip.Addr, *slot](size).LRU().Build(),
	}
	if opts.Rate > 0 {
		p.global = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return p
}

func (p *pacer) dest(addr netip.Addr) *slot {
	if p.every <= 0 {
		return nil
	}
	if s, err := p.dests.Get(addr); err == nil {
		return s
	}
	s := &slot{}
	_ = p.dests.Set(addr, s)
	return s
}

// book reserves the earliest transmission time to addr at or after now.
func (p *pacer) book(addr netip.Addr, now time.Time) time.Time {
	at := now
	s := p.dest(addr)
	if s != nil {
		if s.booked.After(at) {
			at = s.booked
		}
		if next := s.last.Add(p.every); !s.last.IsZero() && next.After(at) {
			at = next
		}
	}
	if p.global != nil {
		at = at.Add(p.global.ReserveN(at, 1).DelayFrom(at))
	}
	if s != nil {
		s.booked = at.Add(p.every)
	}
	return at
}

// clear reports whether a write to addr may leave at now. Otherwise it
// returns the earliest time one may.
func (p *pacer) clear(addr netip.Addr, now time.Time) (time.Time, bool) {
	s := p.dest(addr)
	if s == nil || s.last.IsZero() {
		return now, true
	}
	if next := s.last.Add(p.every); now.Before(next) {
		return next, false
	}
	return now, true
}

// wrote records that a write to addr returned at at, whether it succeeded
// or not.
func (p *pacer) wrote(addr netip.Addr, at time.Time) {
	if s := p.dest(addr); s != nil {
		s.last = at
	}
}
