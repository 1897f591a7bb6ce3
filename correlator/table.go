package correlator

import (
	"container/heap"
	"context"
	"fmt"
	"net/netip"
	"time"

	"recon/codec"
)

// Target identifies what a probe asks about. Port is 0 for host-level kinds.
type Target struct {
	Addr netip.Addr
	Port uint16
	Kind codec.Kind
	Host string // hostname the address came from, if any
}

func (t Target) String() string {
	if t.Kind.PortScoped() {
		return fmt.Sprintf("%s %s:%d", t.Kind, t.Addr, t.Port)
	}
	return fmt.Sprintf("%s %s", t.Kind, t.Addr)
}

// Probe is one outstanding request.
type Probe struct {
	ID     uint16
	Target Target
	Seq    uint32 // TCP sequence carried by the SYN

	Attempt      int // transmissions so far
	DispatchedAt time.Time
	Deadline     time.Time
	State        State
	SendFailures int

	index int // position in the deadline heap, -1 when absent
}

// Apply moves the probe along the state machine.
func (p *Probe) Apply(ev Event) error {
	next, err := Transition(p.State, ev)
	if err != nil {
		return fmt.Errorf("probe %d (%s): %w", p.ID, p.Target, err)
	}
	p.State = next
	return nil
}

// Table holds outstanding probes keyed by correlation id, with ARP probes
// also indexed by target address, and a min-heap of deadlines for the
// probes currently on the wire.
type Table struct {
	pool      *Pool
	byID      map[uint16]*Probe
	byAddr    map[netip.Addr]*Probe
	deadlines deadlineHeap
}

// NewTable returns an empty table drawing ids from pool.
func NewTable(pool *Pool) *Table {
	return &Table{
		pool:   pool,
		byID:   make(map[uint16]*Probe),
		byAddr: make(map[netip.Addr]*Probe),
	}
}

// Pool returns the id pool backing the table.
func (t *Table) Pool() *Pool { return t.pool }

// Register acquires an id for p, blocking while the pool is exhausted, and
// inserts it.
func (t *Table) Register(ctx context.Context, p *Probe) (uint16, error) {
	id, err := t.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	p.ID = id
	if err := t.Insert(p); err != nil {
		_ = t.pool.Release(id)
		return 0, err
	}
	return id, nil
}

// Insert adds a queued probe whose id was acquired from the pool.
func (t *Table) Insert(p *Probe) error {
	if _, ok := t.byID[p.ID]; ok {
		return fmt.Errorf("insert %d: %w", p.ID, ErrIDInUse)
	}
	if !t.pool.Held(p.ID) {
		return fmt.Errorf("insert %d: %w", p.ID, ErrNotHeld)
	}
	if p.Target.Kind == codec.KindARP {
		if _, ok := t.byAddr[p.Target.Addr]; ok {
			return fmt.Errorf("insert arp %s: %w", p.Target.Addr, ErrIDInUse)
		}
		t.byAddr[p.Target.Addr] = p
	}
	p.State = StateQueued
	p.index = -1
	t.byID[p.ID] = p
	return nil
}

// Dispatch records a transmission of p at now and arms its deadline.
func (t *Table) Dispatch(p *Probe, now time.Time, timeout time.Duration) error {
	if t.byID[p.ID] != p {
		return fmt.Errorf("dispatch %d: %w", p.ID, ErrNotHeld)
	}
	if err := p.Apply(EventDispatch); err != nil {
		return err
	}
	p.Attempt++
	p.DispatchedAt = now
	p.Deadline = now.Add(timeout)
	heap.Push(&t.deadlines, p)
	return nil
}

// Match finds the probe a reply answers. On a hit the probe is marked
// matched, removed and its id released. Late, duplicate and spoofed replies
// return false.
func (t *Table) Match(r codec.Reply) (*Probe, bool) {
	var p *Probe
	if r.Kind == codec.KindARP {
		p = t.byAddr[r.Target]
	} else {
		p = t.byID[r.ID]
	}
	if p == nil || !answers(p, r) {
		return nil, false
	}
	if p.State != StateDispatched && p.State != StateRetrying {
		return nil, false
	}
	if err := p.Apply(EventMatch); err != nil {
		return nil, false
	}
	t.remove(p)
	return p, true
}

func answers(p *Probe, r codec.Reply) bool {
	if p.Target.Kind != r.Kind || p.Target.Addr != r.Target {
		return false
	}
	if p.Target.Kind.PortScoped() && p.Target.Port != r.Port {
		return false
	}
	if p.Target.Kind == codec.KindSYN {
		return r.HasAck && r.Ack == p.Seq+1
	}
	return true
}

// Expire pops every dispatched probe whose deadline is at or before now.
// The probes stay in the table; the caller either retries them with
// Dispatch after EventRetry or retires them with Release.
func (t *Table) Expire(now time.Time) []*Probe {
	var out []*Probe
	for t.deadlines.Len() > 0 && !t.deadlines[0].Deadline.After(now) {
		p := heap.Pop(&t.deadlines).(*Probe)
		out = append(out, p)
	}
	return out
}

// Release applies a terminal event to p, removes it and frees its id.
func (t *Table) Release(p *Probe, ev Event) error {
	if t.byID[p.ID] != p {
		return fmt.Errorf("release %d: %w", p.ID, ErrNotHeld)
	}
	if err := p.Apply(ev); err != nil {
		return err
	}
	if !p.State.Terminal() {
		return fmt.Errorf("release %d: %w: %s is not terminal", p.ID, ErrInvalidTransition, p.State)
	}
	t.remove(p)
	return nil
}

// Drain cancels and removes every remaining probe.
func (t *Table) Drain() []*Probe {
	out := make([]*Probe, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	for _, p := range out {
		_ = p.Apply(EventCancel)
		t.remove(p)
	}
	return out
}

func (t *Table) remove(p *Probe) {
	if p.index >= 0 {
		heap.Remove(&t.deadlines, p.index)
	}
	delete(t.byID, p.ID)
	if p.Target.Kind == codec.KindARP && t.byAddr[p.Target.Addr] == p {
		delete(t.byAddr, p.Target.Addr)
	}
	_ = t.pool.Release(p.ID)
}

// Len returns the number of probes in the table.
func (t *Table) Len() int { return len(t.byID) }

// Armed returns the number of probes waiting on a deadline.
func (t *Table) Armed() int { return t.deadlines.Len() }

// NextDeadline returns the earliest armed deadline.
func (t *Table) NextDeadline() (time.Time, bool) {
	if t.deadlines.Len() == 0 {
		return time.Time{}, false
	}
	return t.deadlines[0].Deadline, true
}

// Lookup returns the outstanding probe holding id.
func (t *Table) Lookup(id uint16) (*Probe, bool) {
	p, ok := t.byID[id]
	return p, ok
}

type deadlineHeap []*Probe

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].Deadline.Before(h[j].Deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	p := x.(*Probe)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}
