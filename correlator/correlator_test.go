package correlator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"recon/codec"
)

var addr = netip.MustParseAddr("10.0.0.9")

func TestPoolUniqueUnderConcurrency(t *testing.T) {
	pool := NewPool(256)
	var (
		mu   sync.Mutex
		seen = make(map[uint16]bool)
		wg   sync.WaitGroup
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id, err := pool.Acquire(context.Background())
				if err != nil {
					t.Errorf("acquire failed: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					mu.Unlock()
					t.Errorf("id %d handed out twice", id)
					return
				}
				seen[id] = true
				mu.Unlock()

				mu.Lock()
				delete(seen, id)
				mu.Unlock()
				if err := pool.Release(id); err != nil {
					t.Errorf("release failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if pool.InUse() != 0 {
		t.Errorf("expected empty pool, %d still in use", pool.InUse())
	}
}

func TestPoolAcquireBlocksUntilRelease(t *testing.T) {
	pool := NewPool(1)
	id, ok := pool.TryAcquire()
	if !ok {
		t.Fatal("first TryAcquire should succeed")
	}
	if _, ok := pool.TryAcquire(); ok {
		t.Fatal("pool of one should be exhausted")
	}

	got := make(chan uint16)
	go func() {
		next, err := pool.Acquire(context.Background())
		if err != nil {
			t.Errorf("acquire failed: %v", err)
		}
		got <- next
	}()

	select {
	case <-got:
		t.Fatal("Acquire returned while pool exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	if err := pool.Release(id); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	select {
	case next := <-got:
		if next != id {
			t.Errorf("expected id %d back, got %d", id, next)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	pool := NewPool(1)
	pool.TryAcquire()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPoolDoubleRelease(t *testing.T) {
	pool := NewPool(4)
	id, _ := pool.TryAcquire()
	if err := pool.Release(id); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := pool.Release(id); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if err := pool.Release(999); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for out-of-range id, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
		ok   bool
	}{
		{StateQueued, EventDispatch, StateDispatched, true},
		{StateDispatched, EventMatch, StateMatched, true},
		{StateDispatched, EventRetry, StateRetrying, true},
		{StateRetrying, EventDispatch, StateDispatched, true},
		{StateRetrying, EventMatch, StateMatched, true},
		{StateDispatched, EventExpire, StateExpired, true},
		{StateQueued, EventCancel, StateCancelled, true},
		{StateRetrying, EventCancel, StateCancelled, true},
		{StateQueued, EventMatch, StateQueued, false},
		{StateMatched, EventCancel, StateMatched, false},
		{StateExpired, EventDispatch, StateExpired, false},
		{StateCancelled, EventMatch, StateCancelled, false},
		{StateDispatched, EventDispatch, StateDispatched, false},
	}
	for _, tt := range tests {
		got, err := Transition(tt.from, tt.ev)
		if tt.ok && err != nil {
			t.Errorf("%s on %s: unexpected error %v", tt.from, tt.ev, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on %s: expected ErrInvalidTransition, got %v", tt.from, tt.ev, err)
		}
		if got != tt.want {
			t.Errorf("%s on %s: got %s, want %s", tt.from, tt.ev, got, tt.want)
		}
	}
}

func synProbe(port uint16, seq uint32) *Probe {
	return &Probe{Target: Target{Addr: addr, Port: port, Kind: codec.KindSYN}, Seq: seq}
}

func TestTableMatchSYN(t *testing.T) {
	table := NewTable(NewPool(16))
	p := synProbe(80, 1000)
	id, err := table.Register(context.Background(), p)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	now := time.Now()
	if err := table.Dispatch(p, now, time.Second); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	// Wrong ack: spoofed or stale.
	bad := codec.Reply{Kind: codec.KindSYN, ID: id, Target: addr, Port: 80, Outcome: codec.OutcomeAck, Ack: 5, HasAck: true}
	if _, ok := table.Match(bad); ok {
		t.Fatal("reply with wrong ack should not match")
	}
	wrongPort := codec.Reply{Kind: codec.KindSYN, ID: id, Target: addr, Port: 81, Outcome: codec.OutcomeAck, Ack: 1001, HasAck: true}
	if _, ok := table.Match(wrongPort); ok {
		t.Fatal("reply from another port should not match")
	}

	good := codec.Reply{Kind: codec.KindSYN, ID: id, Target: addr, Port: 80, Outcome: codec.OutcomeAck, Ack: 1001, HasAck: true}
	got, ok := table.Match(good)
	if !ok || got != p {
		t.Fatal("expected a match")
	}
	if p.State != StateMatched {
		t.Errorf("expected matched, got %s", p.State)
	}
	if table.Len() != 0 || table.Armed() != 0 {
		t.Errorf("table not empty after match: len=%d armed=%d", table.Len(), table.Armed())
	}
	if table.Pool().InUse() != 0 {
		t.Errorf("id not released after match")
	}

	// Duplicate reply is discarded.
	if _, ok := table.Match(good); ok {
		t.Fatal("duplicate reply should not match")
	}
}

func TestTableMatchARPByAddress(t *testing.T) {
	table := NewTable(NewPool(16))
	p := &Probe{Target: Target{Addr: addr, Kind: codec.KindARP}}
	if _, err := table.Register(context.Background(), p); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := table.Dispatch(p, time.Now(), time.Second); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	dup := &Probe{Target: Target{Addr: addr, Kind: codec.KindARP}}
	if _, err := table.Register(context.Background(), dup); !errors.Is(err, ErrIDInUse) {
		t.Fatalf("expected ErrIDInUse for duplicate ARP target, got %v", err)
	}
	if table.Pool().InUse() != 1 {
		t.Fatalf("failed register must release its id, in use=%d", table.Pool().InUse())
	}

	r := codec.Reply{Kind: codec.KindARP, Target: addr, Outcome: codec.OutcomeLinkReply}
	if got, ok := table.Match(r); !ok || got != p {
		t.Fatal("expected ARP match by address")
	}
}

func TestTableExpireOrderAndRetry(t *testing.T) {
	table := NewTable(NewPool(16))
	base := time.Unix(1000, 0)

	probes := []*Probe{synProbe(1, 1), synProbe(2, 2), synProbe(3, 3)}
	timeouts := []time.Duration{3 * time.Second, time.Second, 2 * time.Second}
	for i, p := range probes {
		if _, err := table.Register(context.Background(), p); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if err := table.Dispatch(p, base, timeouts[i]); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
	}

	next, ok := table.NextDeadline()
	if !ok || !next.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected next deadline %v", next)
	}

	expired := table.Expire(base.Add(2 * time.Second))
	if len(expired) != 2 || expired[0] != probes[1] || expired[1] != probes[2] {
		t.Fatalf("expected probes 2 and 3 in deadline order, got %d", len(expired))
	}

	// Retry keeps the same id and a late reply still matches.
	retry := expired[0]
	id := retry.ID
	if err := retry.Apply(EventRetry); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	late := codec.Reply{Kind: codec.KindSYN, ID: id, Target: addr, Port: 2, Outcome: codec.OutcomeRefused, Ack: 3, HasAck: true}
	if _, ok := table.Match(late); !ok {
		t.Fatal("late reply should match a retrying probe")
	}

	if err := table.Release(expired[1], EventExpire); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if expired[1].State != StateExpired {
		t.Errorf("expected expired, got %s", expired[1].State)
	}
	if table.Len() != 1 {
		t.Errorf("expected one probe left, got %d", table.Len())
	}
}

func TestTableDispatchCountsAttempts(t *testing.T) {
	table := NewTable(NewPool(4))
	p := synProbe(22, 9)
	table.Register(context.Background(), p)
	now := time.Unix(0, 0)
	for i := 1; i <= 3; i++ {
		if err := table.Dispatch(p, now, time.Second); err != nil {
			t.Fatalf("attempt %d: dispatch failed: %v", i, err)
		}
		if p.Attempt != i {
			t.Fatalf("expected attempt %d, got %d", i, p.Attempt)
		}
		now = now.Add(time.Second)
		if got := table.Expire(now); len(got) != 1 {
			t.Fatalf("attempt %d: expected expiry", i)
		}
		if i < 3 {
			p.Apply(EventRetry)
		}
	}
	if err := table.Release(p, EventExpire); err != nil {
		t.Fatalf("release failed: %v", err)
	}
}

func TestTableDrain(t *testing.T) {
	table := NewTable(NewPool(8))
	for port := uint16(1); port <= 5; port++ {
		p := synProbe(port, uint32(port))
		table.Register(context.Background(), p)
		if port%2 == 0 {
			table.Dispatch(p, time.Now(), time.Minute)
		}
	}
	drained := table.Drain()
	if len(drained) != 5 {
		t.Fatalf("expected 5 drained, got %d", len(drained))
	}
	for _, p := range drained {
		if p.State != StateCancelled {
			t.Errorf("probe %d: expected cancelled, got %s", p.ID, p.State)
		}
	}
	if table.Len() != 0 || table.Armed() != 0 || table.Pool().InUse() != 0 {
		t.Errorf("table not empty after drain")
	}
}
