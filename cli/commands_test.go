package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"recon/resolver"
	"recon/scanner"
	"recon/transport"
)

// twoHops answers TTL 1 from the gateway and anything higher from the
// destination.
func twoHops(frame []byte) [][]byte {
	peer := transport.Peer{}
	ttl, ok := transport.ProbeTTL(frame)
	if !ok {
		return nil
	}
	if ttl == 1 {
		return [][]byte{peer.TimeExceeded(frame, netip.MustParseAddr("10.0.0.254"))}
	}
	if transport.Kind(frame) == "syn" {
		return [][]byte{peer.SynAck(frame)}
	}
	return [][]byte{peer.EchoReply(frame)}
}

// zone answers A queries from a fixed table and NXDOMAIN otherwise.
type zone map[string]string

func (z zone) ExchangeContext(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	resp := new(dns.Msg)
	resp.SetReply(m)
	name := m.Question[0].Name
	ip, ok := z[name]
	if !ok {
		resp.Rcode = dns.RcodeNameError
		return resp, time.Millisecond, nil
	}
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP(ip),
	}}
	return resp, time.Millisecond, nil
}

func useZone(t *testing.T, z zone) {
	t.Helper()
	prev := newResolver
	newResolver = func(cfg resolver.Config) (*resolver.Client, error) {
		cfg.Servers = []string{"127.0.0.1"}
		cfg.Exchanger = z
		return resolver.New(cfg)
	}
	t.Cleanup(func() { newResolver = prev })
}

func TestRunTrace(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "echo",
			args: []string{"trace", "-timeout", "50ms", "198.51.100.7"},
			want: []string{"trace to 198.51.100.7 (198.51.100.7) with icmp", "  1  10.0.0.254", "time-exceeded", "  2  198.51.100.7", "echo-reply", "reached after 2 hops"},
		},
		{
			name: "syn",
			args: []string{"trace", "-kind", "syn", "-p", "443", "-timeout", "50ms", "198.51.100.7"},
			want: []string{"with syn", "  2  198.51.100.7", "ack", "reached"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useEngine(t, true, twoHops)
			var stdout, stderr bytes.Buffer

			if code := Run(context.Background(), tt.args, &stdout, &stderr); code != ExitOK {
				t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
			}
			for _, want := range tt.want {
				if !strings.Contains(stdout.String(), want) {
					t.Errorf("output missing %q:\n%s", want, stdout.String())
				}
			}
		})
	}
}

func TestRunTraceJSON(t *testing.T) {
	useEngine(t, true, twoHops)
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{"trace", "-json", "-timeout", "50ms", "198.51.100.7"}, &stdout, &stderr)
	if code != ExitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	var report scanner.TraceReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("output is not a trace: %v\n%s", err, stdout.String())
	}
	if report.Status != scanner.TraceReached || len(report.Hops) != 2 {
		t.Errorf("unexpected trace %+v", report)
	}
}

func TestRunSubdomain(t *testing.T) {
	useZone(t, zone{
		"www.example.test.": "192.0.2.10",
		"api.example.test.": "192.0.2.11",
	})
	words := filepath.Join(t.TempDir(), "words.txt")
	if err := os.WriteFile(words, []byte("# labels\nwww\napi\nvpn\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer

	code := Run(context.Background(), []string{"subdomain", "-w", words, "example.test"}, &stdout, &stderr)
	if code != ExitOK {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{
		"api.example.test 192.0.2.11\nwww.example.test 192.0.2.10\n",
		"2 of 3 names found under example.test, 0 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommandErrors(t *testing.T) {
	tests := []struct {
		name  string
		allow bool
		args  []string
		code  int
		msg   string
	}{
		{"trace without host", true, []string{"trace"}, ExitUsage, "Usage: recon trace"},
		{"trace bad kind", true, []string{"trace", "-kind", "udp", "198.51.100.7"}, ExitUsage, "unknown probe kind"},
		{"trace arp", true, []string{"trace", "-kind", "arp", "198.51.100.7"}, ExitUsage, "cannot trace"},
		{"trace no privilege", false, []string{"trace", "198.51.100.7"}, ExitError, "sudo recon trace"},
		{"subdomain without domain", true, []string{"subdomain"}, ExitUsage, "Usage: recon subdomain"},
		{"subdomain bad apex", true, []string{"subdomain", "localhost"}, ExitUsage, "invalid apex"},
		{"subdomain missing wordlist", true, []string{"subdomain", "-w", "/nonexistent/words", "example.test"}, ExitError, "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useEngine(t, tt.allow, nil)
			useZone(t, zone{})
			var stdout, stderr bytes.Buffer
			if code := Run(context.Background(), tt.args, &stdout, &stderr); code != tt.code {
				t.Fatalf("expected exit %d, got %d: %s", tt.code, code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tt.msg) {
				t.Errorf("stderr missing %q: %s", tt.msg, stderr.String())
			}
		})
	}
}
