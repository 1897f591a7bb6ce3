// Package scanner runs probe sessions: it resolves targets, paces probes onto
// a raw link, correlates replies, retries silent probes and folds everything
// into one finding per (target, port) pair.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"recon/codec"
	"recon/logging"
	"recon/netinfo"
	"recon/resolver"
	"recon/services"
	"recon/transport"
)

// PrivilegeChecker reports whether raw frames may be sent and captured.
type PrivilegeChecker interface {
	CanOpenRaw() (bool, error)
}

// InterfaceResolver describes the capture interface.
type InterfaceResolver interface {
	Resolve(name string) (*netinfo.Details, error)
}

// ServiceLabeler names well-known TCP ports.
type ServiceLabeler interface {
	Lookup(port uint16) string
}

// Resolver performs forward and reverse lookups. Failures come back as
// records, never as errors.
type Resolver interface {
	LookupHost(ctx context.Context, host string) resolver.Record
	LookupAddr(ctx context.Context, addr netip.Addr) resolver.Record
}

// Engine starts sessions. Its collaborators can be swapped for tests; nil
// fields fall back to the system implementations.
type Engine struct {
	Privileges PrivilegeChecker
	Interfaces InterfaceResolver
	Services   ServiceLabeler
	Resolver   Resolver
	Open       transport.Opener
	Logger     *slog.Logger
}

// NewEngine returns an engine wired to the host system.
func NewEngine() *Engine {
	return &Engine{
		Privileges: netinfo.System{},
		Interfaces: netinfo.System{},
		Services:   services.Default(),
		Open:       transport.Open,
		Logger:     logging.Logger(),
	}
}

// StartSession validates its inputs, opens the link and starts probing in
// the background. Privilege and socket failures are returned here and the
// session never starts.
func (e *Engine) StartSession(ctx context.Context, targets []Target, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	entries, err := expandTargets(targets, opts)
	if err != nil {
		return nil, err
	}
	pairs := 0
	for _, en := range entries {
		pairs += len(en.pairs())
	}
	if pairs == 0 {
		return nil, ErrNoTargets
	}

	l, err := e.prepare(opts)
	if err != nil {
		return nil, err
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}

	handle, err := e.open(l)
	if err != nil {
		return nil, err
	}

	s := newSession(ctx, sessionConfig{
		id:       id,
		opts:     opts,
		log:      l.log.With("session", id),
		handle:   handle,
		enc:      l.enc,
		local:    l.details.SrcIP,
		resolver: l.res,
		labels:   l.labels,
		entries:  entries,
	})
	s.log.Info("session started",
		"interface", l.details.Interface,
		"source", l.details.SrcIP,
		"targets", len(entries),
		"pairs", pairs,
		"worst_case", opts.WorstCase())
	go s.run()
	return s, nil
}

// link is what a raw operation holds before it opens the capture handle.
type link struct {
	log     *slog.Logger
	details *netinfo.Details
	res     Resolver
	labels  ServiceLabeler
	enc     *codec.Encoder
}

// prepare checks privileges, describes the interface and builds the
// resolver and probe encoder.
func (e *Engine) prepare(opts Options) (*link, error) {
	log := e.Logger
	if log == nil {
		log = logging.Logger()
	}

	// 1. Privileges
	privs := e.Privileges
	if privs == nil {
		privs = netinfo.System{}
	}
	ok, err := privs.CanOpenRaw()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientPrivilege, err)
	}
	if !ok {
		return nil, ErrInsufficientPrivilege
	}

	// 2. Interface
	ifaces := e.Interfaces
	if ifaces == nil {
		ifaces = netinfo.System{}
	}
	details, err := ifaces.Resolve(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: interface: %v", ErrSocket, err)
	}

	// 3. Resolver
	res := e.Resolver
	if res == nil {
		res, err = resolver.New(resolver.Config{
			Servers:     opts.DNSServers,
			Timeout:     opts.DNSTimeout,
			Retries:     opts.DNSRetries,
			Concurrency: int64(opts.DNSConcurrency),
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
	}

	labels := e.Services
	if labels == nil {
		labels = services.Default()
	}

	enc := &codec.Encoder{
		SrcMAC:     details.SrcMAC,
		GatewayMAC: details.GatewayMAC,
		SrcIP:      details.SrcIP,
		Network:    details.Network,
		Neighbours: codec.NewNeighbours(details.Neighbours),
		PortBase:   opts.PortBase,
		EchoIdent:  uint16(randomKey()),
		SeqKey:     randomKey(),
		TTL:        opts.TTL,
	}
	if err := enc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	return &link{log: log, details: details, res: res, labels: labels, enc: enc}, nil
}

// open opens the capture handle with a filter for replies to l.
func (e *Engine) open(l *link) (transport.Handle, error) {
	open := e.Open
	if open == nil {
		open = transport.Open
	}
	handle, err := open(l.details.Interface, codec.Filter(l.details.SrcIP))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSocket, l.details.Interface, err)
	}
	return handle, nil
}

// Scan runs a session to completion.
func (e *Engine) Scan(ctx context.Context, targets []Target, opts Options) (*FinalReport, error) {
	s, err := e.StartSession(ctx, targets, opts)
	if err != nil {
		return nil, err
	}
	return s.Wait(context.Background())
}
