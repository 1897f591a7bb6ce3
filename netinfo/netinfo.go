// Package netinfo discovers what a session needs to source raw probes: the
// capture interface, its IPv4 address and MAC, and the next-hop MAC. It also
// answers whether the process may open raw sockets.
package netinfo

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
)

// BroadcastMAC is used as next hop when no gateway MAC can be learned.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Details describes a capture interface.
type Details struct {
	Interface  string
	SrcIP      netip.Addr
	SrcMAC     net.HardwareAddr
	Network    netip.Prefix
	GatewayIP  netip.Addr
	GatewayMAC net.HardwareAddr
	Neighbours map[netip.Addr]net.HardwareAddr // complete entries on Interface
}

// System implements the engine's privilege and interface collaborators
// against the running host.
type System struct{}

// CanOpenRaw reports whether raw frames can be sent and captured.
func (System) CanOpenRaw() (bool, error) { return canOpenRaw() }

// Resolve returns details for iface, or for the default-route interface
// when iface is empty.
func (System) Resolve(iface string) (*Details, error) { return Lookup(iface) }

// Lookup discovers details for the named interface.
func Lookup(name string) (*Details, error) {
	if name == "" {
		var err error
		if name, err = defaultInterface(); err != nil {
			return nil, err
		}
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("interface %s is down", name)
	}

	// 1. Source address and network.
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %s addresses: %w", name, err)
	}
	d := &Details{Interface: name, SrcMAC: iface.HardwareAddr}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
			continue
		}
		d.SrcIP = netip.AddrFrom4([4]byte(ipnet.IP.To4()))
		ones, _ := ipnet.Mask.Size()
		d.Network = netip.PrefixFrom(d.SrcIP, ones).Masked()
		break
	}
	if !d.SrcIP.IsValid() {
		return nil, fmt.Errorf("no IPv4 address on %s", name)
	}
	if len(d.SrcMAC) != 6 {
		return nil, fmt.Errorf("interface %s has no Ethernet address", name)
	}

	// 2. Neighbours and next hop. Without a gateway, off-link frames go to
	// broadcast and only on-link targets answer.
	d.Neighbours, _ = neighbours(name)
	d.GatewayMAC = BroadcastMAC
	if gw, err := gatewayIP(name); err == nil {
		d.GatewayIP = gw
		if mac, ok := d.Neighbours[gw]; ok {
			d.GatewayMAC = mac
		}
	}
	return d, nil
}

// firstUsable returns the first up, non-loopback interface with an IPv4
// address.
func firstUsable() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				return iface.Name, nil
			}
		}
	}
	return "", errors.New("no usable IPv4 interface found")
}

// parseRoutes reads /proc/net/route content and returns the interface and
// gateway of the default route, optionally restricted to one interface.
func parseRoutes(r io.Reader, iface string) (string, netip.Addr, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		if iface != "" && fields[0] != iface {
			continue
		}
		gw, err := hex.DecodeString(fields[2])
		if err != nil || len(gw) != 4 {
			continue
		}
		// Little-endian hex.
		return fields[0], netip.AddrFrom4([4]byte{gw[3], gw[2], gw[1], gw[0]}), nil
	}
	if err := sc.Err(); err != nil {
		return "", netip.Addr{}, err
	}
	return "", netip.Addr{}, errors.New("no default route found")
}

// parseNeighbours reads /proc/net/arp content and returns the complete
// entries, optionally restricted to one device.
func parseNeighbours(r io.Reader, iface string) (map[netip.Addr]net.HardwareAddr, error) {
	out := make(map[netip.Addr]net.HardwareAddr)
	sc := bufio.NewScanner(r)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		if iface != "" && fields[5] != iface {
			continue
		}
		ip, err := netip.ParseAddr(fields[0])
		if err != nil || !ip.Is4() {
			continue
		}
		mac, err := net.ParseMAC(fields[3])
		if err != nil || mac.String() == "00:00:00:00:00:00" {
			continue
		}
		out[ip] = mac
	}
	return out, sc.Err()
}
