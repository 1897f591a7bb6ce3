package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
)

const (
	snapLen     = 1600
	pollTimeout = 50 * time.Millisecond
)

// pcapHandle wraps *pcap.Handle. Used on every platform and as the linux
// fallback when AF_PACKET is unavailable.
type pcapHandle struct {
	h *pcap.Handle
}

// OpenPcap opens a live capture on iface, installs filter and returns a
// handle that both captures and injects.
func OpenPcap(iface, filter string) (Handle, error) {
	// 1. Open device in non-promiscuous mode with a short read timeout so the
	// receive loop can observe cancellation.
	h, err := pcap.OpenLive(iface, snapLen, false, pollTimeout)
	if err != nil {
		return nil, fmt.Errorf("pcap open %s: %w", iface, err)
	}

	// 2. Restrict capture to replies addressed to us.
	if filter != "" {
		if err := h.SetBPFFilter(filter); err != nil {
			h.Close()
			return nil, fmt.Errorf("pcap filter %q: %w", filter, err)
		}
	}
	return &pcapHandle{h: h}, nil
}

func (p *pcapHandle) WritePacketData(frame []byte) error {
	return p.h.WritePacketData(frame)
}

func (p *pcapHandle) ReadPacketData() ([]byte, error) {
	data, _, err := p.h.ZeroCopyReadPacketData()
	switch {
	case err == nil:
		return copyFrame(data), nil
	case errors.Is(err, pcap.NextErrorTimeoutExpired):
		return nil, ErrTimeout
	case errors.Is(err, pcap.NextErrorNoMorePackets):
		return nil, ErrClosed
	default:
		return nil, err
	}
}

func (p *pcapHandle) Close() error {
	p.h.Close()
	return nil
}

// Devices lists capture-capable interface names. It fails when libpcap is
// missing or the process lacks capture rights.
func Devices() ([]string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("raw capture requires elevated privileges and libpcap: %w", err)
	}
	if len(devices) == 0 {
		return nil, errors.New("no network devices found for raw capture")
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	return names, nil
}
