package codec

import (
	"net"
	"net/netip"
	"sync"
)

// Neighbours maps on-link addresses to their hardware addresses. It is
// seeded from the host's neighbour table and grows with ARP replies seen
// during a session. Safe for concurrent use.
type Neighbours struct {
	mu sync.RWMutex
	m  map[netip.Addr]net.HardwareAddr
}

// NewNeighbours returns a table holding a copy of seed.
func NewNeighbours(seed map[netip.Addr]net.HardwareAddr) *Neighbours {
	n := &Neighbours{m: make(map[netip.Addr]net.HardwareAddr, len(seed))}
	for a, mac := range seed {
		n.Learn(a, mac)
	}
	return n
}

// Learn records mac as the hardware address of a. Malformed and all-zero
// addresses are ignored.
func (n *Neighbours) Learn(a netip.Addr, mac net.HardwareAddr) {
	if !a.Is4() || len(mac) != 6 || isZeroMAC(mac) {
		return
	}
	n.mu.Lock()
	n.m[a] = append(net.HardwareAddr(nil), mac...)
	n.mu.Unlock()
}

// Lookup returns the hardware address learned for a.
func (n *Neighbours) Lookup(a netip.Addr) (net.HardwareAddr, bool) {
	if n == nil {
		return nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	mac, ok := n.m[a]
	return mac, ok
}

// Len returns the number of known neighbours.
func (n *Neighbours) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.m)
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
