package scanner

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"recon/codec"
	"recon/correlator"
)

// maxPrefixBits caps prefix expansion at a /16.
const maxPrefixBits = 16

// entry is one concrete host to probe. Hostname entries learn their address
// from the resolver.
type entry struct {
	label string // identity of the target in findings
	host  string // hostname to resolve, empty for literal addresses
	addr  netip.Addr
	ports []uint16
	kinds []codec.Kind
}

type pairKey struct {
	target string
	port   uint16
}

type probeKey struct {
	addr netip.Addr
	port uint16
	kind codec.Kind
}

// pairs lists the (target, port) pairs of e and the kinds feeding each.
func (e entry) pairs() map[pairKey][]codec.Kind {
	out := make(map[pairKey][]codec.Kind)
	for _, k := range e.kinds {
		if !k.PortScoped() {
			key := pairKey{e.label, 0}
			out[key] = append(out[key], k)
			continue
		}
		for _, p := range e.ports {
			key := pairKey{e.label, p}
			out[key] = append(out[key], k)
		}
	}
	return out
}

// probes lists the probe targets of e once its address is known.
func (e entry) probes() []correlator.Target {
	var out []correlator.Target
	for _, k := range e.kinds {
		if !k.PortScoped() {
			out = append(out, correlator.Target{Addr: e.addr, Kind: k, Host: e.host})
			continue
		}
		for _, p := range e.ports {
			out = append(out, correlator.Target{Addr: e.addr, Port: p, Kind: k, Host: e.host})
		}
	}
	return out
}

// expandTargets turns user targets into entries. Prefixes expand to their
// host addresses. A label given more than once gets the union of its ports
// and kinds, in order of first appearance.
func expandTargets(targets []Target, opts Options) ([]entry, error) {
	var out []entry
	index := make(map[string]int)
	add := func(e entry) {
		i, ok := index[e.label]
		if !ok {
			index[e.label] = len(out)
			out = append(out, e)
			return
		}
		out[i].ports = union(out[i].ports, e.ports)
		out[i].kinds = union(out[i].kinds, e.kinds)
	}

	for _, t := range targets {
		host := strings.TrimSpace(t.Host)
		if host == "" {
			return nil, fmt.Errorf("%w: empty host", ErrInvalidTarget)
		}
		kinds := t.Kinds
		if len(kinds) == 0 {
			kinds = opts.Kinds
		}
		ports := t.Ports
		if len(ports) == 0 {
			ports = opts.Ports
		}
		for _, p := range ports {
			if p == 0 {
				return nil, fmt.Errorf("%w: %s: port 0", ErrInvalidTarget, host)
			}
		}

		switch {
		case strings.Contains(host, "/"):
			prefix, err := netip.ParsePrefix(host)
			if err != nil || !prefix.Addr().Is4() {
				return nil, fmt.Errorf("%w: %q is not an IPv4 prefix", ErrInvalidTarget, host)
			}
			if prefix.Bits() < maxPrefixBits {
				return nil, fmt.Errorf("%w: %s is larger than a /%d", ErrInvalidTarget, host, maxPrefixBits)
			}
			for _, a := range prefixHosts(prefix.Masked()) {
				add(entry{label: a.String(), addr: a, ports: ports, kinds: kinds})
			}
		default:
			if a, err := netip.ParseAddr(host); err == nil {
				a = a.Unmap()
				if !a.Is4() {
					return nil, fmt.Errorf("%w: %s is not IPv4", ErrInvalidTarget, host)
				}
				add(entry{label: a.String(), addr: a, ports: ports, kinds: kinds})
				continue
			}
			if strings.ContainsAny(host, " \t,") {
				return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, host)
			}
			name := strings.ToLower(strings.TrimSuffix(host, "."))
			add(entry{label: name, host: name, ports: ports, kinds: kinds})
		}
	}
	return out, nil
}

// union appends the members of b missing from a. a is copied first, since
// entries of one prefix share their port and kind slices.
func union[T comparable](a, b []T) []T {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// prefixHosts enumerates the usable addresses of p, skipping network and
// broadcast addresses for prefixes shorter than /31.
func prefixHosts(p netip.Prefix) []netip.Addr {
	var out []netip.Addr
	first := p.Addr()
	a := first
	for p.Contains(a) {
		out = append(out, a)
		a = a.Next()
		if !a.IsValid() {
			break
		}
	}
	if p.Bits() < 31 && len(out) > 2 {
		out = out[1 : len(out)-1]
	}
	return out
}
