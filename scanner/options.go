package scanner

import (
	"fmt"
	"math"
	"time"

	"recon/codec"
	"recon/correlator"
)

// Options configures one session. Zero values select the defaults below.
type Options struct {
	Kinds     []codec.Kind // probe kinds for targets that name none
	Ports     []uint16     // SYN ports for targets that name none
	Interface string       // capture interface; empty picks the default route

	MaxOutstanding int           // global bound on probes in flight
	MinInterval    time.Duration // per-destination gap between transmissions
	Rate           float64       // global transmissions per second, 0 = unlimited

	MaxAttempts    int           // transmissions per probe before giving up
	BaseTimeout    time.Duration // deadline of the first attempt
	BackoffFactor  float64       // deadline growth per attempt
	MaxSendRetries int           // consecutive socket failures tolerated per probe
	SendBackoff    time.Duration // first delay after a socket failure, doubled each time

	DNSTimeout     time.Duration
	DNSRetries     int
	DNSServers     []string
	DNSConcurrency int
	ReverseDNS     bool

	SessionTimeout   time.Duration // 0 = no deadline
	PoolSize         int           // correlation ids available
	PortBase         uint16        // first TCP source port; id i uses PortBase+i
	SnapshotInterval time.Duration
	TTL              uint8 // IPv4 TTL on outbound probes
}

const (
	DefaultMaxOutstanding   = 1024
	DefaultMinInterval      = 10 * time.Millisecond
	DefaultMaxAttempts      = 3
	DefaultBaseTimeout      = time.Second
	DefaultBackoffFactor    = 2.0
	DefaultMaxSendRetries   = 3
	DefaultSendBackoff      = 10 * time.Millisecond
	DefaultDNSTimeout       = 2 * time.Second
	DefaultDNSRetries       = 2
	DefaultDNSConcurrency   = 32
	DefaultPoolSize         = 32768
	DefaultSnapshotInterval = 250 * time.Millisecond
	DefaultTTL              = 64
)

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if len(o.Kinds) == 0 {
		o.Kinds = []codec.Kind{codec.KindSYN}
	}
	if o.PoolSize == 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.PortBase == 0 && o.PoolSize < correlator.MaxPoolSize {
		o.PortBase = uint16(correlator.MaxPoolSize - o.PoolSize)
	}
	if o.MaxOutstanding == 0 {
		o.MaxOutstanding = DefaultMaxOutstanding
	}
	if o.MaxOutstanding > o.PoolSize {
		o.MaxOutstanding = o.PoolSize
	}
	if o.MinInterval == 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseTimeout == 0 {
		o.BaseTimeout = DefaultBaseTimeout
	}
	if o.BackoffFactor == 0 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.MaxSendRetries == 0 {
		o.MaxSendRetries = DefaultMaxSendRetries
	}
	if o.SendBackoff == 0 {
		o.SendBackoff = DefaultSendBackoff
	}
	if o.DNSTimeout == 0 {
		o.DNSTimeout = DefaultDNSTimeout
	}
	if o.DNSRetries == 0 {
		o.DNSRetries = DefaultDNSRetries
	}
	if o.DNSConcurrency == 0 {
		o.DNSConcurrency = DefaultDNSConcurrency
	}
	if o.SnapshotInterval == 0 {
		o.SnapshotInterval = DefaultSnapshotInterval
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.PoolSize < 1 || o.PoolSize > correlator.MaxPoolSize:
		return fmt.Errorf("%w: pool size %d outside 1..%d", ErrInvalidOptions, o.PoolSize, correlator.MaxPoolSize)
	case o.PortBase == 0 || int(o.PortBase)+o.PoolSize > correlator.MaxPoolSize:
		return fmt.Errorf("%w: source ports %d..%d outside 1..65535", ErrInvalidOptions, o.PortBase, int(o.PortBase)+o.PoolSize-1)
	case o.MaxOutstanding < 1:
		return fmt.Errorf("%w: max outstanding must be positive", ErrInvalidOptions)
	case o.MinInterval < 0:
		return fmt.Errorf("%w: negative per-destination interval", ErrInvalidOptions)
	case o.Rate < 0:
		return fmt.Errorf("%w: negative rate", ErrInvalidOptions)
	case o.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidOptions)
	case o.BaseTimeout <= 0:
		return fmt.Errorf("%w: base timeout must be positive", ErrInvalidOptions)
	case o.BackoffFactor < 1:
		return fmt.Errorf("%w: backoff factor %.2f below 1", ErrInvalidOptions, o.BackoffFactor)
	case o.MaxSendRetries < 0 || o.SendBackoff < 0:
		return fmt.Errorf("%w: negative send retry policy", ErrInvalidOptions)
	case o.SessionTimeout < 0:
		return fmt.Errorf("%w: negative session timeout", ErrInvalidOptions)
	case o.SnapshotInterval < 0:
		return fmt.Errorf("%w: negative snapshot interval", ErrInvalidOptions)
	case o.DNSConcurrency < 1:
		return fmt.Errorf("%w: dns concurrency must be positive", ErrInvalidOptions)
	}
	for _, k := range o.Kinds {
		if k < codec.KindARP || k > codec.KindSYN {
			return fmt.Errorf("%w: unknown probe kind %d", ErrInvalidOptions, k)
		}
	}
	return nil
}

// Timeout returns the deadline applied to the given attempt (1-based):
// BaseTimeout × BackoffFactor^(attempt-1).
func (o Options) Timeout(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(o.BaseTimeout) * math.Pow(o.BackoffFactor, float64(attempt-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WorstCase bounds how long one probe can stay unresolved when the network
// stays silent: the sum of every attempt's deadline.
func (o Options) WorstCase() time.Duration {
	var total time.Duration
	for a := 1; a <= o.MaxAttempts; a++ {
		total += o.Timeout(a)
	}
	return total
}
