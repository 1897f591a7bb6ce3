package transport

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Peer synthesizes the frames a remote host would send in answer to a probe.
// It backs Sim responders in tests and in dry runs.
type Peer struct {
	MAC net.HardwareAddr
	TTL uint8
}

func (p Peer) ttl() uint8 {
	if p.TTL == 0 {
		return 64
	}
	return p.TTL
}

type probeFrame struct {
	eth  layers.Ethernet
	arp  layers.ARP
	ip4  layers.IPv4
	tcp  layers.TCP
	icmp layers.ICMPv4
	pay  gopacket.Payload
	has  map[gopacket.LayerType]bool
	raw  []byte
}

func parseProbe(frame []byte) *probeFrame {
	pf := &probeFrame{has: make(map[gopacket.LayerType]bool), raw: frame}
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&pf.eth, &pf.arp, &pf.ip4, &pf.tcp, &pf.icmp, &pf.pay)
	parser.IgnoreUnsupported = true
	var decoded []gopacket.LayerType
	if err := parser.DecodeLayers(frame, &decoded); err != nil {
		return nil
	}
	for _, lt := range decoded {
		pf.has[lt] = true
	}
	return pf
}

// Kind reports which probe protocol a frame carries: "arp", "icmp", "syn"
// or "" for anything else.
func Kind(frame []byte) string {
	pf := parseProbe(frame)
	switch {
	case pf == nil:
		return ""
	case pf.has[layers.LayerTypeARP]:
		return "arp"
	case pf.has[layers.LayerTypeTCP] && pf.tcp.SYN && !pf.tcp.ACK:
		return "syn"
	case pf.has[layers.LayerTypeICMPv4] && pf.icmp.TypeCode.Type() == layers.ICMPv4TypeEchoRequest:
		return "icmp"
	default:
		return ""
	}
}

// Destination returns the address a probe frame is aimed at and, for SYNs,
// the destination port.
func Destination(frame []byte) (netip.Addr, uint16, bool) {
	pf := parseProbe(frame)
	if pf == nil {
		return netip.Addr{}, 0, false
	}
	if pf.has[layers.LayerTypeARP] {
		a, ok := netip.AddrFromSlice(pf.arp.DstProtAddress)
		return a, 0, ok
	}
	if !pf.has[layers.LayerTypeIPv4] {
		return netip.Addr{}, 0, false
	}
	a, ok := netip.AddrFromSlice(pf.ip4.DstIP.To4())
	var port uint16
	if pf.has[layers.LayerTypeTCP] {
		port = uint16(pf.tcp.DstPort)
	}
	return a, port, ok
}

func (p Peer) ipReply(pf *probeFrame, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       p.mac(pf),
		DstMAC:       pf.eth.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      p.ttl(),
		Id:       pf.ip4.Id ^ 0x5a5a,
		Protocol: proto,
		SrcIP:    pf.ip4.DstIP,
		DstIP:    pf.ip4.SrcIP,
	}
	return eth, ip4
}

func (p Peer) mac(pf *probeFrame) net.HardwareAddr {
	if len(p.MAC) == 6 {
		return p.MAC
	}
	return pf.eth.DstMAC
}

func (p Peer) tcpReply(frame []byte, synAck bool) []byte {
	pf := parseProbe(frame)
	if pf == nil || !pf.has[layers.LayerTypeTCP] {
		return nil
	}
	eth, ip4 := p.ipReply(pf, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: pf.tcp.DstPort,
		DstPort: pf.tcp.SrcPort,
		Ack:     pf.tcp.Seq + 1,
		ACK:     true,
		Window:  65535,
	}
	if synAck {
		tcp.SYN = true
		tcp.Seq = 0x1000
	} else {
		tcp.RST = true
		tcp.Window = 0
	}
	_ = tcp.SetNetworkLayerForChecksum(ip4)
	return build(eth, ip4, tcp)
}

// SynAck answers a SYN as an open port would.
func (p Peer) SynAck(frame []byte) []byte { return p.tcpReply(frame, true) }

// Reset answers a SYN as a closed port would.
func (p Peer) Reset(frame []byte) []byte { return p.tcpReply(frame, false) }

// EchoReply answers an ICMP echo request.
func (p Peer) EchoReply(frame []byte) []byte {
	pf := parseProbe(frame)
	if pf == nil || !pf.has[layers.LayerTypeICMPv4] {
		return nil
	}
	eth, ip4 := p.ipReply(pf, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       pf.icmp.Id,
		Seq:      pf.icmp.Seq,
	}
	return build(eth, ip4, icmp, gopacket.Payload(pf.icmp.Payload))
}

// ARPReply answers an ARP request for the address being asked about.
func (p Peer) ARPReply(frame []byte) []byte {
	pf := parseProbe(frame)
	if pf == nil || !pf.has[layers.LayerTypeARP] || pf.arp.Operation != layers.ARPRequest {
		return nil
	}
	mac := p.MAC
	if len(mac) != 6 {
		mac = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	}
	eth := &layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       pf.eth.SrcMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   []byte(mac),
		SourceProtAddress: pf.arp.DstProtAddress,
		DstHwAddress:      pf.arp.SourceHwAddress,
		DstProtAddress:    pf.arp.SourceProtAddress,
	}
	return build(eth, arp)
}

// Unreachable answers an IP probe with an ICMP destination-unreachable from
// router, quoting the probe's IPv4 header and first eight payload bytes.
func (p Peer) Unreachable(frame []byte, code uint8, router netip.Addr) []byte {
	return p.quoteReply(frame, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, code), router)
}

// TimeExceeded answers an IP probe as router would when its TTL runs out.
func (p Peer) TimeExceeded(frame []byte, router netip.Addr) []byte {
	return p.quoteReply(frame, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded), router)
}

// ProbeTTL returns the IPv4 TTL a probe frame was sent with.
func ProbeTTL(frame []byte) (uint8, bool) {
	pf := parseProbe(frame)
	if pf == nil || !pf.has[layers.LayerTypeIPv4] {
		return 0, false
	}
	return pf.ip4.TTL, true
}

func (p Peer) quoteReply(frame []byte, tc layers.ICMPv4TypeCode, router netip.Addr) []byte {
	pf := parseProbe(frame)
	if pf == nil || !pf.has[layers.LayerTypeIPv4] {
		return nil
	}
	eth, ip4 := p.ipReply(pf, layers.IPProtocolICMPv4)
	if router.IsValid() {
		ip4.SrcIP = net.IP(router.AsSlice())
	}
	const ethLen = 14
	ihl := int(pf.ip4.IHL) * 4
	end := ethLen + ihl + 8
	if end > len(pf.raw) {
		return nil
	}
	quote := make([]byte, ihl+8)
	copy(quote, pf.raw[ethLen:end])
	icmp := &layers.ICMPv4{TypeCode: tc}
	return build(eth, ip4, icmp, gopacket.Payload(quote))
}

func build(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil
	}
	return copyFrame(buf.Bytes())
}
