//go:build !linux

package transport

// Open opens a libpcap handle; AF_PACKET is linux only.
func Open(iface, filter string) (Handle, error) {
	return OpenPcap(iface, filter)
}
