package codec

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// echoPayload is the fixed pattern carried by every echo request.
var echoPayload = []byte("abcdefghijklmnopqrstuvwabcdefghi")

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Encoder builds probe frames from a static template. Its only mutable
// state is the neighbour table, which locks on its own, so it is safe for
// concurrent use.
type Encoder struct {
	SrcMAC     net.HardwareAddr
	GatewayMAC net.HardwareAddr // next hop for off-link and unknown destinations
	SrcIP      netip.Addr
	Network    netip.Prefix // on-link prefix; zero sends everything to the gateway
	Neighbours *Neighbours
	PortBase   uint16 // TCP source port = PortBase + id
	EchoIdent  uint16 // ICMP echo identifier shared by the session
	SeqKey     uint32 // keys the TCP initial sequence number
	TTL        uint8
}

// Validate checks that the template can produce frames.
func (e *Encoder) Validate() error {
	if len(e.SrcMAC) != 6 {
		return errors.New("codec: source MAC must be 6 bytes")
	}
	if len(e.GatewayMAC) != 6 {
		return errors.New("codec: gateway MAC must be 6 bytes")
	}
	if !e.SrcIP.Is4() {
		return errors.New("codec: source address must be IPv4")
	}
	return nil
}

// Seq returns the TCP sequence number a SYN for (dst, port, id) carries.
// A genuine SYN-ACK or RST acknowledges Seq+1.
func (e *Encoder) Seq(dst netip.Addr, port, id uint16) uint32 {
	const (
		offset = uint32(2166136261)
		prime  = uint32(16777619)
	)
	h := offset
	mix := func(b byte) {
		h ^= uint32(b)
		h *= prime
	}
	for _, b := range dst.As4() {
		mix(b)
	}
	mix(byte(port >> 8))
	mix(byte(port))
	mix(byte(id >> 8))
	mix(byte(id))
	for i := 0; i < 4; i++ {
		mix(byte(e.SeqKey >> (8 * i)))
	}
	return h
}

// Encode serializes one probe. Port is ignored for host-level kinds.
func (e *Encoder) Encode(kind Kind, dst netip.Addr, port, id uint16) ([]byte, error) {
	if !dst.Is4() {
		return nil, fmt.Errorf("codec: destination %s is not IPv4", dst)
	}

	switch kind {
	case KindARP:
		return e.encodeARP(dst)
	case KindEcho:
		return e.encodeEcho(dst, id)
	case KindSYN:
		return e.encodeSYN(dst, port, id)
	default:
		return nil, fmt.Errorf("codec: cannot encode %s", kind)
	}
}

// NextHop returns the destination MAC of an IP probe to dst: the neighbour's
// own address when dst is on-link and known, the gateway otherwise.
func (e *Encoder) NextHop(dst netip.Addr) net.HardwareAddr {
	if e.Network.IsValid() && e.Network.Contains(dst) {
		if mac, ok := e.Neighbours.Lookup(dst); ok {
			return mac
		}
	}
	return e.GatewayMAC
}

func (e *Encoder) ipv4(dst netip.Addr, id uint16, proto layers.IPProtocol) *layers.IPv4 {
	ttl := e.TTL
	if ttl == 0 {
		ttl = 64
	}
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Id:       id,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    net.IP(e.SrcIP.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func (e *Encoder) encodeSYN(dst netip.Addr, port, id uint16) ([]byte, error) {
	if port == 0 {
		return nil, errors.New("codec: SYN probe needs a destination port")
	}
	if uint32(e.PortBase)+uint32(id) > 0xffff {
		return nil, fmt.Errorf("codec: id %d overflows source port range from %d", id, e.PortBase)
	}

	eth := &layers.Ethernet{
		SrcMAC:       e.SrcMAC,
		DstMAC:       e.NextHop(dst),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := e.ipv4(dst, id, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(e.PortBase + id),
		DstPort: layers.TCPPort(port),
		Seq:     e.Seq(dst, port, id),
		SYN:     true,
		Window:  1024,
		Options: []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{0x05, 0xb4}, // 1460
		}},
	}
	if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, fmt.Errorf("codec: tcp checksum: %w", err)
	}
	return serialize(eth, ip4, tcp)
}

func (e *Encoder) encodeEcho(dst netip.Addr, id uint16) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       e.SrcMAC,
		DstMAC:       e.NextHop(dst),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := e.ipv4(dst, id, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       e.EchoIdent,
		Seq:      id,
	}
	return serialize(eth, ip4, icmp, gopacket.Payload(echoPayload))
}

func (e *Encoder) encodeARP(dst netip.Addr) ([]byte, error) {
	src4 := e.SrcIP.As4()
	dst4 := dst.As4()
	eth := &layers.Ethernet{
		SrcMAC:       e.SrcMAC,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte(e.SrcMAC),
		SourceProtAddress: src4[:],
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    dst4[:],
	}
	return serialize(eth, arp)
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("codec: serialize: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Filter returns the BPF expression that admits replies addressed to src.
func Filter(src netip.Addr) string {
	return fmt.Sprintf("arp or (ip and dst host %s and (tcp or icmp))", src)
}
