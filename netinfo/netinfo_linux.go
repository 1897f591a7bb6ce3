//go:build linux

package netinfo

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

func defaultInterface() (string, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return firstUsable()
	}
	defer f.Close()
	name, _, err := parseRoutes(f, "")
	if err != nil {
		return firstUsable()
	}
	return name, nil
}

func gatewayIP(iface string) (netip.Addr, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return netip.Addr{}, err
	}
	defer f.Close()
	_, gw, err := parseRoutes(f, iface)
	return gw, err
}

func neighbours(iface string) (map[netip.Addr]net.HardwareAddr, error) {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseNeighbours(f, iface)
}

// canOpenRaw checks the effective CAP_NET_RAW capability, which root holds
// unless it was dropped.
func canOpenRaw() (bool, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return os.Geteuid() == 0, fmt.Errorf("capget: %w", err)
	}
	const bit = unix.CAP_NET_RAW
	return data[bit/32].Effective&(1<<(bit%32)) != 0, nil
}
