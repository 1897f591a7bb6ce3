package scanner

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"recon/codec"
	"recon/logging"
	"recon/netinfo"
	"recon/resolver"
	"recon/services"
	"recon/transport"
)

var (
	localIP    = netip.MustParseAddr("10.0.0.1")
	routerIP   = netip.MustParseAddr("10.0.0.254")
	localMAC   = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	gatewayMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
)

type fakeSystem struct {
	allow      bool
	err        error
	neighbours map[netip.Addr]net.HardwareAddr
}

func (f fakeSystem) CanOpenRaw() (bool, error) { return f.allow, f.err }

func (f fakeSystem) Resolve(name string) (*netinfo.Details, error) {
	return &netinfo.Details{
		Interface:  "sim0",
		SrcIP:      localIP,
		SrcMAC:     localMAC,
		Network:    netip.MustParsePrefix("10.0.0.0/24"),
		GatewayIP:  routerIP,
		GatewayMAC: gatewayMAC,
		Neighbours: f.neighbours,
	}, nil
}

type fakeResolver struct {
	hosts map[string]netip.Addr
	names map[netip.Addr]string
}

func (f fakeResolver) LookupHost(_ context.Context, host string) resolver.Record {
	if a, ok := f.hosts[host]; ok {
		return resolver.Record{Key: host, Addresses: []netip.Addr{a}, Status: resolver.StatusSuccess}
	}
	return resolver.Record{Key: host, Status: resolver.StatusNotFound}
}

func (f fakeResolver) LookupAddr(_ context.Context, addr netip.Addr) resolver.Record {
	if n, ok := f.names[addr]; ok {
		return resolver.Record{Key: addr.String(), Reverse: true, Names: []string{n}, Status: resolver.StatusSuccess}
	}
	return resolver.Record{Key: addr.String(), Reverse: true, Status: resolver.StatusNotFound}
}

func testEngine(sim *transport.Sim) *Engine {
	return &Engine{
		Privileges: fakeSystem{allow: true},
		Interfaces: fakeSystem{allow: true},
		Services:   services.Default(),
		Resolver:   fakeResolver{},
		Open: func(iface, filter string) (transport.Handle, error) {
			return sim, nil
		},
		Logger: logging.Discard(),
	}
}

func fastOptions() Options {
	return Options{
		PoolSize:         1024,
		MaxAttempts:      3,
		BaseTimeout:      20 * time.Millisecond,
		BackoffFactor:    1.5,
		MinInterval:      time.Millisecond,
		SendBackoff:      time.Millisecond,
		SnapshotInterval: 5 * time.Millisecond,
	}
}

func runScan(t *testing.T, e *Engine, targets []Target, opts Options) *FinalReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := e.StartSession(ctx, targets, opts)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	report, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	return report
}

func synOnly(f func(frame []byte) []byte) transport.Responder {
	return func(frame []byte) [][]byte {
		if transport.Kind(frame) != "syn" {
			return nil
		}
		if out := f(frame); out != nil {
			return [][]byte{out}
		}
		return nil
	}
}

func TestSessionRefusedPortsAreClosed(t *testing.T) {
	peer := transport.Peer{TTL: 64}
	sim := transport.NewSim(synOnly(peer.Reset))

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}}, withPorts(fastOptions(), 22, 80, 443))

	if len(report.Findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(report.Findings))
	}
	for i, want := range []uint16{22, 80, 443} {
		f := report.Findings[i]
		if f.Port != want {
			t.Errorf("finding %d: expected port %d, got %d", i, want, f.Port)
		}
		if f.State != StateClosed {
			t.Errorf("port %d: expected closed, got %s", f.Port, f.State)
		}
		if f.Attempts != 1 {
			t.Errorf("port %d: expected 1 attempt, got %d", f.Port, f.Attempts)
		}
	}
	if report.Findings[1].Service != "http" {
		t.Errorf("expected port 80 labelled http, got %q", report.Findings[1].Service)
	}
	if report.Stats.Matched != 3 || report.Stats.Sent != 3 {
		t.Errorf("expected 3 sent and matched, got %+v", report.Stats)
	}
	if report.Cancelled {
		t.Error("completed session reported as cancelled")
	}
	if !sim.Closed() {
		t.Error("link not closed after session")
	}
}

func TestSessionRepeatedTargetMergesPorts(t *testing.T) {
	peer := transport.Peer{}
	sim := transport.NewSim(synOnly(peer.Reset))
	targets := []Target{
		{Host: "10.0.0.9", Ports: []uint16{22}},
		{Host: "10.0.0.9", Ports: []uint16{80}},
	}

	report := runScan(t, testEngine(sim), targets, fastOptions())

	if len(report.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", report.Findings)
	}
	for i, want := range []uint16{22, 80} {
		if f := report.Findings[i]; f.Port != want || f.State != StateClosed {
			t.Errorf("finding %d: expected port %d closed, got %d %s", i, want, f.Port, f.State)
		}
	}
	if len(sim.Sent()) != 2 {
		t.Errorf("expected 2 transmissions, got %d", len(sim.Sent()))
	}
}

func TestSessionSilentPeerIsFiltered(t *testing.T) {
	sim := transport.NewSim(nil)
	opts := withPorts(fastOptions(), 22, 80)

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}, {Host: "10.0.0.10"}}, opts)

	if len(report.Findings) != 4 {
		t.Fatalf("expected 4 findings, got %d", len(report.Findings))
	}
	for _, f := range report.Findings {
		if f.State != StateFiltered {
			t.Errorf("%s:%d: expected filtered, got %s", f.Target, f.Port, f.State)
		}
		if f.Attempts != opts.MaxAttempts {
			t.Errorf("%s:%d: expected %d attempts, got %d", f.Target, f.Port, opts.MaxAttempts, f.Attempts)
		}
	}
	if got, want := len(sim.Sent()), 4*opts.MaxAttempts; got != want {
		t.Errorf("expected %d transmissions, got %d", want, got)
	}
	if got, want := report.Stats.Retries, int64(4*(opts.MaxAttempts-1)); got != want {
		t.Errorf("expected %d retries, got %d", want, got)
	}
}

func TestSessionRetryBackoffSchedule(t *testing.T) {
	var stamps []time.Time
	sim := transport.NewSim(func(frame []byte) [][]byte {
		stamps = append(stamps, time.Now())
		return nil
	})
	opts := withPorts(fastOptions(), 22)
	opts.BaseTimeout = 40 * time.Millisecond
	opts.BackoffFactor = 2

	runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}}, opts)

	if len(stamps) != 3 {
		t.Fatalf("expected 3 transmissions, got %d", len(stamps))
	}
	// Gaps follow the deadlines of attempts 1 and 2.
	for i, want := range []time.Duration{40 * time.Millisecond, 80 * time.Millisecond} {
		if gap := stamps[i+1].Sub(stamps[i]); gap < want {
			t.Errorf("gap %d: expected at least %s, got %s", i, want, gap)
		}
	}
}

func TestSessionOpenPortRecordsTTL(t *testing.T) {
	peer := transport.Peer{TTL: 118}
	sim := transport.NewSim(synOnly(peer.SynAck))

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9", Ports: []uint16{443}}}, fastOptions())

	f := report.Findings[0]
	if f.State != StateOpen {
		t.Fatalf("expected open, got %s", f.State)
	}
	if f.TTL != 118 || f.Hops != 10 || f.OSFamily != "windows" {
		t.Errorf("unexpected fingerprint: ttl=%d hops=%d os=%q", f.TTL, f.Hops, f.OSFamily)
	}
	if f.Kind != codec.KindSYN {
		t.Errorf("expected syn kind, got %s", f.Kind)
	}
	if report.Stats.RTTMax < report.Stats.RTTMin {
		t.Errorf("inconsistent rtt stats: %+v", report.Stats)
	}
}

func TestSessionUnreachableIsAuthoritative(t *testing.T) {
	peer := transport.Peer{}
	sim := transport.NewSim(func(frame []byte) [][]byte {
		return [][]byte{peer.Unreachable(frame, 1, routerIP)}
	})
	opts := fastOptions()
	opts.Kinds = []codec.Kind{codec.KindEcho}

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}}, opts)

	if len(report.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(report.Findings))
	}
	f := report.Findings[0]
	if f.State != StateUnreachable || f.Port != 0 {
		t.Errorf("expected unreachable on port 0, got %s on %d", f.State, f.Port)
	}
	if f.TTL != 0 {
		t.Errorf("router ttl leaked into finding: %d", f.TTL)
	}
	if len(sim.Sent()) != 1 {
		t.Errorf("expected no retry after an explicit unreachable, got %d sends", len(sim.Sent()))
	}
}

func TestSessionARP(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}
	peer := transport.Peer{MAC: mac}
	present := netip.MustParseAddr("10.0.0.9")
	sim := transport.NewSim(func(frame []byte) [][]byte {
		if dst, _, ok := transport.Destination(frame); ok && dst == present {
			return [][]byte{peer.ARPReply(frame)}
		}
		return nil
	})
	opts := fastOptions()
	opts.Kinds = []codec.Kind{codec.KindARP}

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}, {Host: "10.0.0.10"}}, opts)

	if len(report.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(report.Findings))
	}
	if f := report.Findings[0]; f.State != StateOpen || f.MAC != mac.String() {
		t.Errorf("expected open with %s, got %s with %q", mac, f.State, f.MAC)
	}
	if f := report.Findings[1]; f.State != StateUnresolved {
		t.Errorf("expected unresolved for silent host, got %s", f.State)
	}
}

func TestSessionOnLinkTargetsSkipTheGateway(t *testing.T) {
	known := net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x09}
	learned := net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x0a}
	arpPeer := transport.Peer{MAC: learned}
	peer := transport.Peer{}
	sim := transport.NewSim(func(frame []byte) [][]byte {
		switch transport.Kind(frame) {
		case "arp":
			return [][]byte{arpPeer.ARPReply(frame)}
		case "syn":
			return [][]byte{peer.Reset(frame)}
		}
		return nil
	})
	e := testEngine(sim)
	e.Interfaces = fakeSystem{allow: true, neighbours: map[netip.Addr]net.HardwareAddr{
		netip.MustParseAddr("10.0.0.9"): known,
	}}
	opts := withPorts(fastOptions(), 22)
	opts.MinInterval = 50 * time.Millisecond
	targets := []Target{
		{Host: "10.0.0.9"},
		{Host: "10.0.0.10", Kinds: []codec.Kind{codec.KindARP, codec.KindSYN}},
		{Host: "192.0.2.5"},
	}

	report := runScan(t, e, targets, opts)

	if n := report.Count(StateClosed); n != 3 {
		t.Errorf("expected 3 closed ports, got %d", n)
	}
	want := map[string]net.HardwareAddr{
		"10.0.0.9":  known,
		"10.0.0.10": learned,
		"192.0.2.5": gatewayMAC,
	}
	syns := 0
	for _, frame := range sim.Sent() {
		if transport.Kind(frame) != "syn" {
			continue
		}
		syns++
		dst, _, _ := transport.Destination(frame)
		if got := net.HardwareAddr(frame[:6]); got.String() != want[dst.String()].String() {
			t.Errorf("SYN to %s sent to %s, expected %s", dst, got, want[dst.String()])
		}
	}
	if syns != 3 {
		t.Errorf("expected 3 SYNs, got %d", syns)
	}
}

func TestSessionHostnames(t *testing.T) {
	peer := transport.Peer{}
	sim := transport.NewSim(synOnly(peer.Reset))
	e := testEngine(sim)
	target := netip.MustParseAddr("10.0.0.9")
	e.Resolver = fakeResolver{
		hosts: map[string]netip.Addr{"router.lan": target},
		names: map[netip.Addr]string{target: "router.lan"},
	}
	opts := withPorts(fastOptions(), 22)
	opts.ReverseDNS = true

	report := runScan(t, e, []Target{{Host: "10.0.0.9"}, {Host: "Router.LAN."}, {Host: "missing.lan"}}, opts)

	if len(report.Findings) != 3 {
		t.Fatalf("expected 3 findings, got %+v", report.Findings)
	}
	byTarget := make(map[string]Finding)
	for _, f := range report.Findings {
		byTarget[f.Target] = f
	}
	if f := byTarget["10.0.0.9"]; f.State != StateClosed || f.Hostname != "router.lan" {
		t.Errorf("literal: got %s hostname %q", f.State, f.Hostname)
	}
	if f := byTarget["router.lan"]; f.State != StateClosed || f.Address != target {
		t.Errorf("hostname: got %s at %s", f.State, f.Address)
	}
	if f := byTarget["missing.lan"]; f.State != StateUnresolved {
		t.Errorf("missing host: got %s", f.State)
	}
	if got := len(sim.Sent()); got != 1 {
		t.Errorf("expected one SYN shared by both names of 10.0.0.9, got %d", got)
	}
	if report.Findings[0].Target != "10.0.0.9" {
		t.Errorf("expected addresses sorted before hostnames, got %s first", report.Findings[0].Target)
	}
	if len(report.Resolutions) == 0 {
		t.Error("expected resolution records in report")
	}
}

func TestSessionCancelCoversEveryPair(t *testing.T) {
	sim := transport.NewSim(nil)
	opts := withPorts(fastOptions(), 21, 22, 23, 25, 80, 443)
	opts.BaseTimeout = 10 * time.Second
	opts.MaxOutstanding = 2

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := testEngine(sim).StartSession(ctx, []Target{{Host: "10.0.0.9"}, {Host: "10.0.0.10"}}, opts)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, func() bool { return len(sim.Sent()) >= 2 })
	if snap := s.Snapshot(); snap.Pairs != 12 || snap.Done {
		t.Errorf("unexpected running snapshot: %+v", snap)
	}
	s.Cancel()

	report, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("cancelled session returned error: %v", err)
	}
	if !report.Cancelled {
		t.Error("report not marked cancelled")
	}
	if len(report.Findings) != 12 {
		t.Fatalf("expected 12 findings, got %d", len(report.Findings))
	}
	if n := report.Count(StateCancelled); n != 12 {
		t.Errorf("expected every pair cancelled, got %d", n)
	}
	snap := s.Snapshot()
	if !snap.Done || snap.Outstanding != 0 {
		t.Errorf("unexpected final snapshot: %+v", snap)
	}
}

func TestSessionTimeoutCancels(t *testing.T) {
	sim := transport.NewSim(nil)
	opts := withPorts(fastOptions(), 22)
	opts.BaseTimeout = 10 * time.Second
	opts.SessionTimeout = 50 * time.Millisecond

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}}, opts)

	if !report.Cancelled || report.Findings[0].State != StateCancelled {
		t.Errorf("expected a cancelled report, got cancelled=%v state=%s", report.Cancelled, report.Findings[0].State)
	}
}

func TestSessionPersistentSocketFailureIsFatal(t *testing.T) {
	sim := transport.NewSim(nil)
	sim.FailSends(-1, errors.New("no buffer space available"))
	opts := withPorts(fastOptions(), 22, 80)
	opts.MaxSendRetries = 2

	s, err := testEngine(sim).StartSession(context.Background(), []Target{{Host: "10.0.0.9"}}, opts)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := s.Wait(ctx)
	if !errors.Is(err, ErrSocket) {
		t.Fatalf("expected ErrSocket, got %v", err)
	}
	if report == nil || report.Error == "" {
		t.Fatalf("expected a report carrying the error, got %+v", report)
	}
	if report.Count(StateFiltered) != 0 {
		t.Error("broken socket produced filtered findings")
	}
	if len(report.Findings) != 2 {
		t.Errorf("expected 2 findings, got %d", len(report.Findings))
	}
}

func TestSessionTransientSendFailuresRecover(t *testing.T) {
	peer := transport.Peer{}
	sim := transport.NewSim(synOnly(peer.Reset))
	sim.FailSends(2, errors.New("no buffer space available"))

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9", Ports: []uint16{22}}}, fastOptions())

	if report.Findings[0].State != StateClosed {
		t.Errorf("expected closed, got %s", report.Findings[0].State)
	}
	if report.Stats.SendErrors != 2 {
		t.Errorf("expected 2 send errors, got %d", report.Stats.SendErrors)
	}
}

func TestSessionKeepsMinIntervalPerDestination(t *testing.T) {
	peer := transport.Peer{}
	sim := transport.NewSim(func(frame []byte) [][]byte {
		if _, port, ok := transport.Destination(frame); ok && port != 22 {
			return [][]byte{peer.Reset(frame)}
		}
		return nil
	})
	sim.FailSends(3, errors.New("no buffer space available"))
	opts := withPorts(fastOptions(), 21, 22, 23, 25, 80, 443)
	opts.MinInterval = 30 * time.Millisecond
	opts.MaxAttempts = 2

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}, {Host: "10.0.0.10", Ports: []uint16{80}}}, opts)

	if n := report.Count(StateClosed); n != 6 {
		t.Errorf("expected 6 closed, got %d", n)
	}
	if n := report.Count(StateFiltered); n != 1 {
		t.Errorf("expected port 22 filtered, got %d", n)
	}
	if report.Stats.SendErrors != 3 || report.Stats.Retries != 1 {
		t.Errorf("expected 3 send errors and 1 retry, got %+v", report.Stats)
	}

	last := make(map[netip.Addr]time.Time)
	for i, w := range sim.Writes() {
		dst, _, ok := transport.Destination(w.Frame)
		if !ok {
			t.Fatalf("write %d: no destination", i)
		}
		if prev, seen := last[dst]; seen {
			if gap := w.At.Sub(prev); gap < opts.MinInterval {
				t.Errorf("write %d to %s came %s after the previous one", i, dst, gap)
			}
		}
		last[dst] = w.At
	}
	if len(last) != 2 {
		t.Errorf("expected writes to 2 destinations, got %d", len(last))
	}
}

func TestSessionHonoursMaxOutstanding(t *testing.T) {
	var (
		sim      *transport.Sim
		inflight atomic.Int64
		peak     atomic.Int64
	)
	peer := transport.Peer{}
	sim = transport.NewSim(synOnly(func(frame []byte) []byte {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		go func() {
			time.Sleep(15 * time.Millisecond)
			inflight.Add(-1)
			sim.Inject(peer.Reset(frame))
		}()
		return nil
	}))
	opts := withPorts(fastOptions(), 22)
	opts.MaxOutstanding = 4
	opts.BaseTimeout = 5 * time.Second

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.1.0/27"}}, opts)

	if n := report.Count(StateClosed); n != 30 {
		t.Fatalf("expected 30 closed, got %d", n)
	}
	if report.Stats.Retries != 0 {
		t.Errorf("expected no retries, got %d", report.Stats.Retries)
	}
	if got := peak.Load(); got != int64(opts.MaxOutstanding) {
		t.Errorf("expected peak of %d unanswered frames, got %d", opts.MaxOutstanding, got)
	}
}

func TestSessionDropsMalformedReplies(t *testing.T) {
	peer := transport.Peer{}
	sim := transport.NewSim(synOnly(func(frame []byte) []byte {
		out := peer.Reset(frame)
		out[14+20+16] ^= 0xff // tcp checksum
		return out
	}))
	opts := withPorts(fastOptions(), 22)
	opts.MaxAttempts = 2

	report := runScan(t, testEngine(sim), []Target{{Host: "10.0.0.9"}}, opts)

	if report.Findings[0].State != StateFiltered {
		t.Errorf("expected filtered, got %s", report.Findings[0].State)
	}
	if report.Stats.Malformed != 2 {
		t.Errorf("expected 2 malformed frames, got %d", report.Stats.Malformed)
	}
}

func TestStartSessionRequiresPrivilege(t *testing.T) {
	opened := false
	e := testEngine(nil)
	e.Privileges = fakeSystem{allow: false}
	e.Open = func(string, string) (transport.Handle, error) {
		opened = true
		return transport.NewSim(nil), nil
	}

	_, err := e.StartSession(context.Background(), []Target{{Host: "10.0.0.9"}}, withPorts(fastOptions(), 22))
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("expected ErrInsufficientPrivilege, got %v", err)
	}
	if opened {
		t.Error("link opened without privilege")
	}
}

func TestStartSessionRejectsBadInput(t *testing.T) {
	e := testEngine(transport.NewSim(nil))
	tests := []struct {
		name    string
		targets []Target
		opts    Options
		want    error
	}{
		{"no targets", nil, fastOptions(), ErrNoTargets},
		{"syn without ports", []Target{{Host: "10.0.0.9"}}, fastOptions(), ErrNoTargets},
		{"ipv6", []Target{{Host: "::1"}}, withPorts(fastOptions(), 22), ErrInvalidTarget},
		{"bad backoff", []Target{{Host: "10.0.0.9"}}, Options{BackoffFactor: 0.5, Ports: []uint16{22}}, ErrInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.StartSession(context.Background(), tt.targets, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func withPorts(o Options, ports ...uint16) Options {
	o.Ports = ports
	return o
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
