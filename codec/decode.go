package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrMalformedPacket is returned for frames whose headers or checksums
	// do not validate.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrNotReply is returned for well-formed frames that do not answer one
	// of our probes.
	ErrNotReply = errors.New("not a probe reply")
)

// Reply is a decoded inbound frame that answers a probe.
type Reply struct {
	Kind   Kind
	ID     uint16     // correlation id; unused for ARP, which is keyed by Target
	Target netip.Addr // the probed address
	Port   uint16     // the probed port, 0 for host-level kinds
	From   netip.Addr // sender of the frame; a router for unreachables

	Outcome      Outcome
	Ack          uint32 // acknowledgement, or quoted sequence + 1 for unreachables
	HasAck       bool
	HardwareAddr net.HardwareAddr
	TTL          uint8
	ICMPCode     uint8
}

// Decoder turns captured frames into replies. A Decoder reuses its layer
// buffers and must not be shared between goroutines.
type Decoder struct {
	portBase  uint16
	poolSize  int
	echoIdent uint16
	local     netip.Addr

	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	tcp     layers.TCP
	icmp    layers.ICMPv4
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder returns a decoder accepting replies to ids in [0, poolSize)
// mapped onto source ports from portBase. If local is valid, IP replies and
// ARP replies must be addressed to it.
func NewDecoder(portBase uint16, poolSize int, echoIdent uint16, local netip.Addr) *Decoder {
	d := &Decoder{
		portBase:  portBase,
		poolSize:  poolSize,
		echoIdent: echoIdent,
		local:     local,
		decoded:   make([]gopacket.LayerType, 0, 6),
	}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&d.eth, &d.arp, &d.ip4, &d.tcp, &d.icmp, &d.payload)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode parses one Ethernet frame.
func (d *Decoder) Decode(frame []byte) (r Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			r = Reply{}
			err = fmt.Errorf("%w: decoder panic: %v", ErrMalformedPacket, p)
		}
	}()

	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if d.parser.Truncated {
		return Reply{}, fmt.Errorf("%w: truncated", ErrMalformedPacket)
	}

	var haveIP, haveTCP, haveICMP bool
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeARP:
			return d.decodeARP()
		case layers.LayerTypeIPv4:
			haveIP = true
		case layers.LayerTypeTCP:
			haveTCP = true
		case layers.LayerTypeICMPv4:
			haveICMP = true
		}
	}
	if !haveIP {
		return Reply{}, ErrNotReply
	}
	if checksum(d.ip4.Contents) != 0 {
		return Reply{}, fmt.Errorf("%w: bad IPv4 header checksum", ErrMalformedPacket)
	}

	from, ok := addr4(d.ip4.SrcIP)
	if !ok {
		return Reply{}, fmt.Errorf("%w: bad IPv4 source", ErrMalformedPacket)
	}
	if d.local.IsValid() {
		dst, _ := addr4(d.ip4.DstIP)
		if dst != d.local {
			return Reply{}, ErrNotReply
		}
	}

	switch {
	case haveTCP:
		return d.decodeTCP(from)
	case haveICMP:
		return d.decodeICMP(from)
	default:
		return Reply{}, ErrNotReply
	}
}

func (d *Decoder) decodeTCP(from netip.Addr) (Reply, error) {
	seg := d.ip4.Payload
	if checksum(pseudoHeader(d.ip4.SrcIP.To4(), d.ip4.DstIP.To4(), uint8(layers.IPProtocolTCP), len(seg)), seg) != 0 {
		return Reply{}, fmt.Errorf("%w: bad TCP checksum", ErrMalformedPacket)
	}

	id, ok := d.idFromPort(uint16(d.tcp.DstPort))
	if !ok {
		return Reply{}, ErrNotReply
	}

	r := Reply{
		Kind:   KindSYN,
		ID:     id,
		Target: from,
		Port:   uint16(d.tcp.SrcPort),
		From:   from,
		Ack:    d.tcp.Ack,
		HasAck: d.tcp.ACK,
		TTL:    d.ip4.TTL,
	}
	switch {
	case d.tcp.RST:
		r.Outcome = OutcomeRefused
	case d.tcp.SYN && d.tcp.ACK:
		r.Outcome = OutcomeAck
	default:
		return Reply{}, ErrNotReply
	}
	return r, nil
}

func (d *Decoder) decodeICMP(from netip.Addr) (Reply, error) {
	if checksum(d.ip4.Payload) != 0 {
		return Reply{}, fmt.Errorf("%w: bad ICMP checksum", ErrMalformedPacket)
	}

	switch d.icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		if d.icmp.Id != d.echoIdent || int(d.icmp.Seq) >= d.poolSize {
			return Reply{}, ErrNotReply
		}
		return Reply{
			Kind:    KindEcho,
			ID:      d.icmp.Seq,
			Target:  from,
			From:    from,
			Outcome: OutcomeEchoReply,
			TTL:     d.ip4.TTL,
		}, nil
	case layers.ICMPv4TypeDestinationUnreachable:
		return d.decodeQuoted(from, d.icmp.Payload, OutcomeUnreachable)
	case layers.ICMPv4TypeTimeExceeded:
		if d.icmp.TypeCode.Code() != layers.ICMPv4CodeTTLExceeded {
			return Reply{}, ErrNotReply
		}
		return d.decodeQuoted(from, d.icmp.Payload, OutcomeTimeExceeded)
	default:
		return Reply{}, ErrNotReply
	}
}

// decodeQuoted reads the original IPv4 header and first eight payload bytes
// quoted by a destination-unreachable or time-exceeded message.
func (d *Decoder) decodeQuoted(from netip.Addr, quote []byte, outcome Outcome) (Reply, error) {
	if len(quote) < 20 || quote[0]>>4 != 4 {
		return Reply{}, fmt.Errorf("%w: short %s quote", ErrMalformedPacket, outcome)
	}
	ihl := int(quote[0]&0x0f) * 4
	if ihl < 20 || len(quote) < ihl+8 {
		return Reply{}, fmt.Errorf("%w: short %s quote", ErrMalformedPacket, outcome)
	}

	src, _ := netip.AddrFromSlice(quote[12:16])
	target, _ := netip.AddrFromSlice(quote[16:20])
	if d.local.IsValid() && src != d.local {
		return Reply{}, ErrNotReply
	}
	l4 := quote[ihl : ihl+8]

	r := Reply{
		Target:   target,
		From:     from,
		Outcome:  outcome,
		TTL:      d.ip4.TTL,
		ICMPCode: d.icmp.TypeCode.Code(),
	}
	switch layers.IPProtocol(quote[9]) {
	case layers.IPProtocolTCP:
		id, ok := d.idFromPort(binary.BigEndian.Uint16(l4[0:2]))
		if !ok {
			return Reply{}, ErrNotReply
		}
		r.Kind = KindSYN
		r.ID = id
		r.Port = binary.BigEndian.Uint16(l4[2:4])
		r.Ack = binary.BigEndian.Uint32(l4[4:8]) + 1
		r.HasAck = true
	case layers.IPProtocolICMPv4:
		if l4[0] != layers.ICMPv4TypeEchoRequest {
			return Reply{}, ErrNotReply
		}
		seq := binary.BigEndian.Uint16(l4[6:8])
		if binary.BigEndian.Uint16(l4[4:6]) != d.echoIdent || int(seq) >= d.poolSize {
			return Reply{}, ErrNotReply
		}
		r.Kind = KindEcho
		r.ID = seq
	default:
		return Reply{}, ErrNotReply
	}
	return r, nil
}

func (d *Decoder) decodeARP() (Reply, error) {
	a := &d.arp
	if a.Operation != layers.ARPReply {
		return Reply{}, ErrNotReply
	}
	if a.HwAddressSize != 6 || a.ProtAddressSize != 4 {
		return Reply{}, fmt.Errorf("%w: unexpected ARP address sizes", ErrMalformedPacket)
	}
	target, ok := addr4(a.SourceProtAddress)
	if !ok {
		return Reply{}, fmt.Errorf("%w: bad ARP sender address", ErrMalformedPacket)
	}
	if d.local.IsValid() {
		dst, _ := addr4(a.DstProtAddress)
		if dst != d.local {
			return Reply{}, ErrNotReply
		}
	}
	mac := make(net.HardwareAddr, len(a.SourceHwAddress))
	copy(mac, a.SourceHwAddress)
	return Reply{
		Kind:         KindARP,
		Target:       target,
		From:         target,
		Outcome:      OutcomeLinkReply,
		HardwareAddr: mac,
	}, nil
}

func (d *Decoder) idFromPort(port uint16) (uint16, bool) {
	if port < d.portBase {
		return 0, false
	}
	id := port - d.portBase
	if int(id) >= d.poolSize {
		return 0, false
	}
	return id, true
}

func addr4(b []byte) (netip.Addr, bool) {
	if v4 := net.IP(b).To4(); v4 != nil {
		return netip.AddrFrom4([4]byte(v4)), true
	}
	return netip.Addr{}, false
}
