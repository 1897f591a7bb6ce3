//go:build linux

package transport

import (
	"errors"
	"fmt"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// afpacketHandle wraps *afpacket.TPacket.
type afpacketHandle struct {
	tp *afpacket.TPacket
}

// OpenAFPacket opens a TPacket v2 ring on iface. The filter is compiled by
// libpcap and attached to the socket as a classic BPF program.
func OpenAFPacket(iface, filter string) (Handle, error) {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(2048),
		afpacket.OptBlockSize(1<<20),
		afpacket.OptNumBlocks(16),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion2),
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket open %s: %w", iface, err)
	}

	if filter != "" {
		insts, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
		if err != nil {
			tp.Close()
			return nil, fmt.Errorf("compile filter %q: %w", filter, err)
		}
		raw := make([]bpf.RawInstruction, len(insts))
		for i, ins := range insts {
			raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("attach filter: %w", err)
		}
	}
	return &afpacketHandle{tp: tp}, nil
}

func (a *afpacketHandle) WritePacketData(frame []byte) error {
	return a.tp.WritePacketData(frame)
}

func (a *afpacketHandle) ReadPacketData() ([]byte, error) {
	data, _, err := a.tp.ReadPacketData()
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, afpacket.ErrTimeout):
		return nil, ErrTimeout
	default:
		return nil, err
	}
}

func (a *afpacketHandle) Close() error {
	a.tp.Close()
	return nil
}

// Open prefers AF_PACKET and falls back to libpcap, which also covers
// interfaces AF_PACKET cannot inject on.
func Open(iface, filter string) (Handle, error) {
	h, err := OpenAFPacket(iface, filter)
	if err == nil {
		return h, nil
	}
	ph, perr := OpenPcap(iface, filter)
	if perr != nil {
		return nil, errors.Join(err, perr)
	}
	return ph, nil
}
