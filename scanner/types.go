package scanner

import (
	"net/netip"
	"time"

	"recon/codec"
	"recon/resolver"
)

// Target is one scan input: an IPv4 address, an IPv4 prefix or a hostname,
// optionally with its own ports and probe kinds.
type Target struct {
	Host  string       `json:"host"`
	Ports []uint16     `json:"ports,omitempty"`
	Kinds []codec.Kind `json:"kinds,omitempty"`
}

// State is the classification of a (target, port) pair.
type State string

const (
	StatePending     State = "pending" // only seen in snapshots
	StateOpen        State = "open"
	StateClosed      State = "closed"
	StateFiltered    State = "filtered"
	StateUnreachable State = "unreachable"
	StateUnresolved  State = "unresolved"
	StateCancelled   State = "cancelled"
)

// rank orders states for merging. Higher ranks win; open and closed are
// definitive and never replaced.
func (s State) rank() int {
	switch s {
	case StateOpen:
		return 6
	case StateClosed:
		return 5
	case StateUnreachable:
		return 4
	case StateFiltered:
		return 3
	case StateUnresolved:
		return 2
	case StateCancelled:
		return 1
	default:
		return 0
	}
}

// Definitive reports whether the state came from an explicit answer of the
// target itself.
func (s State) Definitive() bool {
	return s == StateOpen || s == StateClosed
}

// Finding is the result for one (target, port) pair. Host-level probes
// (ARP, ICMP echo) report on port 0.
type Finding struct {
	Target   string        `json:"target"`
	Address  netip.Addr    `json:"address"`
	Hostname string        `json:"hostname,omitempty"`
	Port     uint16        `json:"port"`
	Kind     codec.Kind    `json:"kind,omitempty"`
	State    State         `json:"state"`
	Service  string        `json:"service,omitempty"`
	RTT      time.Duration `json:"rtt_ns,omitempty"`
	Attempts int           `json:"attempts"`
	TTL      uint8         `json:"ttl,omitempty"`
	Hops     int           `json:"hops,omitempty"`
	OSFamily string        `json:"os_family,omitempty"`
	MAC      string        `json:"mac,omitempty"`
}

// Stats are session counters.
type Stats struct {
	Sent       int64         `json:"sent"`
	Received   int64         `json:"received"`
	Matched    int64         `json:"matched"`
	Unmatched  int64         `json:"unmatched"`
	Malformed  int64         `json:"malformed"`
	Retries    int64         `json:"retries"`
	SendErrors int64         `json:"send_errors"`
	RTTMin     time.Duration `json:"rtt_min_ns"`
	RTTAvg     time.Duration `json:"rtt_avg_ns"`
	RTTMax     time.Duration `json:"rtt_max_ns"`
}

// Snapshot is a non-blocking view of a running session.
type Snapshot struct {
	SessionID   string        `json:"session_id"`
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Pairs       int           `json:"pairs"`
	Completed   int           `json:"completed"`
	Outstanding int           `json:"outstanding"`
	States      map[State]int `json:"states"`
	Stats       Stats         `json:"stats"`
	Done        bool          `json:"done"`
}

// FinalReport is the outcome of a session. Findings are sorted by target
// then port and hold exactly one entry per enqueued pair.
type FinalReport struct {
	SessionID   string            `json:"session_id"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Elapsed     time.Duration     `json:"elapsed_ns"`
	Cancelled   bool              `json:"cancelled"`
	Findings    []Finding         `json:"findings"`
	Resolutions []resolver.Record `json:"resolutions,omitempty"`
	Stats       Stats             `json:"stats"`
	Error       string            `json:"error,omitempty"`
}

// Count returns how many findings are in state s.
func (r *FinalReport) Count(s State) int {
	n := 0
	for _, f := range r.Findings {
		if f.State == s {
			n++
		}
	}
	return n
}
