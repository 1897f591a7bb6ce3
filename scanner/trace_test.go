package scanner

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"recon/codec"
	"recon/logging"
	"recon/transport"
)

var (
	traceDst = netip.MustParseAddr("198.51.100.7")
	hop2IP   = netip.MustParseAddr("203.0.113.1")
)

// pathOf answers like a three hop path: the gateway, a silent router, then
// the destination. last builds the destination's own answer.
func pathOf(peer transport.Peer, last func([]byte) []byte) transport.Responder {
	return func(frame []byte) [][]byte {
		ttl, ok := transport.ProbeTTL(frame)
		if !ok {
			return nil
		}
		var out []byte
		switch {
		case ttl == 1:
			out = peer.TimeExceeded(frame, routerIP)
		case ttl == 2:
			return nil
		default:
			out = last(frame)
		}
		if out == nil {
			return nil
		}
		return [][]byte{out}
	}
}

func runTrace(t *testing.T, e *Engine, host string, opts TraceOptions) *TraceReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := e.Trace(ctx, host, opts)
	if err != nil {
		t.Fatalf("trace failed: %v", err)
	}
	return report
}

func TestTracePaths(t *testing.T) {
	peer := transport.Peer{}
	tests := []struct {
		name     string
		opts     TraceOptions
		last     func([]byte) []byte
		status   TraceStatus
		outcomes []string
		lastFrom netip.Addr
	}{
		{
			name:     "echo reaches destination",
			opts:     TraceOptions{},
			last:     peer.EchoReply,
			status:   TraceReached,
			outcomes: []string{"time-exceeded", "timeout", "echo-reply"},
			lastFrom: traceDst,
		},
		{
			name:     "syn reaches open port",
			opts:     TraceOptions{Kind: codec.KindSYN, Port: 443},
			last:     peer.SynAck,
			status:   TraceReached,
			outcomes: []string{"time-exceeded", "timeout", "ack"},
			lastFrom: traceDst,
		},
		{
			name:     "router refuses to forward",
			opts:     TraceOptions{},
			last:     func(f []byte) []byte { return peer.Unreachable(f, 1, hop2IP) },
			status:   TraceUnreachable,
			outcomes: []string{"time-exceeded", "timeout", "unreachable"},
			lastFrom: hop2IP,
		},
		{
			name:     "hops run out",
			opts:     TraceOptions{MaxHops: 2},
			last:     peer.EchoReply,
			status:   TraceIncomplete,
			outcomes: []string{"time-exceeded", "timeout"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := transport.NewSim(pathOf(peer, tt.last))
			opts := tt.opts
			opts.Timeout = 50 * time.Millisecond

			report := runTrace(t, testEngine(sim), traceDst.String(), opts)

			if report.Status != tt.status {
				t.Fatalf("expected status %s, got %s (%+v)", tt.status, report.Status, report.Hops)
			}
			if len(report.Hops) != len(tt.outcomes) {
				t.Fatalf("expected %d hops, got %+v", len(tt.outcomes), report.Hops)
			}
			for i, want := range tt.outcomes {
				h := report.Hops[i]
				if h.TTL != uint8(i+1) || h.Outcome != want {
					t.Errorf("hop %d: expected ttl %d %s, got %d %s", i, i+1, want, h.TTL, h.Outcome)
				}
			}
			if report.Hops[0].Address != routerIP {
				t.Errorf("expected first hop %s, got %s", routerIP, report.Hops[0].Address)
			}
			if report.Hops[1].Address.IsValid() || report.Hops[1].RTT != 0 {
				t.Errorf("silent hop should carry no address, got %+v", report.Hops[1])
			}
			if tt.lastFrom.IsValid() && report.Hops[len(report.Hops)-1].Address != tt.lastFrom {
				t.Errorf("expected last hop %s, got %s", tt.lastFrom, report.Hops[len(report.Hops)-1].Address)
			}
			if len(sim.Sent()) != len(tt.outcomes) {
				t.Errorf("expected one transmission per hop, got %d", len(sim.Sent()))
			}
			if !sim.Closed() {
				t.Error("link not closed after trace")
			}
		})
	}
}

func TestTraceNamesHops(t *testing.T) {
	peer := transport.Peer{}
	sim := transport.NewSim(pathOf(peer, peer.EchoReply))
	e := testEngine(sim)
	e.Resolver = fakeResolver{
		hosts: map[string]netip.Addr{"dst.example.test": traceDst},
		names: map[netip.Addr]string{
			routerIP: "gw.example.test",
			traceDst: "dst.example.test",
		},
	}

	report := runTrace(t, e, "DST.example.test.", TraceOptions{Timeout: 50 * time.Millisecond, ReverseDNS: true})

	if report.Address != traceDst {
		t.Fatalf("expected %s, got %s", traceDst, report.Address)
	}
	want := []string{"gw.example.test", "", "dst.example.test"}
	if len(report.Hops) != len(want) {
		t.Fatalf("expected %d hops, got %+v", len(want), report.Hops)
	}
	for i, name := range want {
		if report.Hops[i].Hostname != name {
			t.Errorf("hop %d: expected hostname %q, got %q", i+1, name, report.Hops[i].Hostname)
		}
	}
}

func TestTraceIgnoresStaleAnswers(t *testing.T) {
	peer := transport.Peer{}
	// The first hop answers twice, the second copy landing while hop 2
	// waits. It must not be taken for hop 2.
	sim := transport.NewSim(func(frame []byte) [][]byte {
		ttl, _ := transport.ProbeTTL(frame)
		switch ttl {
		case 1:
			te := peer.TimeExceeded(frame, routerIP)
			return [][]byte{te, te}
		case 2:
			return [][]byte{peer.EchoReply(frame)}
		}
		return nil
	})

	report := runTrace(t, testEngine(sim), traceDst.String(), TraceOptions{Timeout: 50 * time.Millisecond})

	if report.Status != TraceReached || len(report.Hops) != 2 {
		t.Fatalf("expected destination at hop 2, got %s %+v", report.Status, report.Hops)
	}
	if report.Hops[1].Address != traceDst || report.Hops[1].Outcome != "echo-reply" {
		t.Errorf("unexpected second hop %+v", report.Hops[1])
	}
}

func TestTraceErrors(t *testing.T) {
	tests := []struct {
		name   string
		engine func(*transport.Sim) *Engine
		host   string
		opts   TraceOptions
		want   error
	}{
		{"arp cannot trace", testEngine, "198.51.100.7", TraceOptions{Kind: codec.KindARP}, ErrInvalidOptions},
		{"too many hops", testEngine, "198.51.100.7", TraceOptions{MaxHops: 300}, ErrInvalidOptions},
		{"negative interval", testEngine, "198.51.100.7", TraceOptions{Interval: -time.Second}, ErrInvalidOptions},
		{"empty host", testEngine, " ", TraceOptions{}, ErrInvalidTarget},
		{"ipv6 host", testEngine, "2001:db8::1", TraceOptions{}, ErrInvalidTarget},
		{"unknown name", testEngine, "nowhere.example.test", TraceOptions{}, ErrUnresolved},
		{
			name: "no raw socket",
			engine: func(sim *transport.Sim) *Engine {
				e := testEngine(sim)
				e.Privileges = fakeSystem{allow: false}
				return e
			},
			host: "198.51.100.7",
			want: ErrInsufficientPrivilege,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := transport.NewSim(nil)
			e := tt.engine(sim)
			e.Logger = logging.Discard()

			_, err := e.Trace(context.Background(), tt.host, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(sim.Sent()) != 0 {
				t.Errorf("expected nothing sent, got %d frames", len(sim.Sent()))
			}
		})
	}
}

func TestTraceCancelled(t *testing.T) {
	sim := transport.NewSim(nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	report, err := testEngine(sim).Trace(ctx, traceDst.String(), TraceOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("trace failed: %v", err)
	}
	if report.Status != TraceCancelled {
		t.Errorf("expected cancelled, got %s", report.Status)
	}
	if len(report.Hops) != 0 {
		t.Errorf("expected no completed hops, got %+v", report.Hops)
	}
}
