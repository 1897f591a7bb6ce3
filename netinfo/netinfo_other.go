//go:build !linux

package netinfo

import (
	"errors"
	"net"
	"net/netip"
	"os"
)

func defaultInterface() (string, error) { return firstUsable() }

func gatewayIP(string) (netip.Addr, error) {
	return netip.Addr{}, errors.New("gateway discovery not supported on this platform")
}

func neighbours(string) (map[netip.Addr]net.HardwareAddr, error) {
	return nil, errors.New("neighbour table not supported on this platform")
}

// canOpenRaw requires euid 0. Geteuid is -1 on windows, which never passes.
func canOpenRaw() (bool, error) {
	return os.Geteuid() == 0, nil
}
