// Package codec encodes outbound probes and decodes inbound replies for the
// three probe protocols the engine speaks: ARP, ICMP echo and TCP SYN.
//
// Encoding is deterministic: the same (destination, kind, port, id) always
// yields the same bytes. Decoding never panics; damaged frames are reported
// as ErrMalformedPacket and frames that are not replies to our probes as
// ErrNotReply.
package codec

import (
	"fmt"
	"strings"
)

// Kind identifies a probe protocol.
type Kind uint8

const (
	KindARP Kind = iota + 1
	KindEcho
	KindSYN
)

func (k Kind) String() string {
	switch k {
	case KindARP:
		return "arp"
	case KindEcho:
		return "icmp"
	case KindSYN:
		return "syn"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PortScoped reports whether probes of this kind target a specific port.
// Host-level kinds are recorded against port 0.
func (k Kind) PortScoped() bool {
	return k == KindSYN
}

// MarshalText lets kinds appear by name in JSON and YAML.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses a probe kind name. "echo" and "ping" are aliases of icmp,
// "tcp" of syn.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "arp":
		return KindARP, nil
	case "icmp", "echo", "ping":
		return KindEcho, nil
	case "syn", "tcp":
		return KindSYN, nil
	default:
		return 0, fmt.Errorf("unknown probe kind %q", s)
	}
}

// ParseKinds parses a comma separated list of kinds, dropping duplicates.
func ParseKinds(list string) ([]Kind, error) {
	var kinds []Kind
	seen := make(map[Kind]bool)
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// Outcome is the protocol-level meaning of a reply.
type Outcome uint8

const (
	OutcomeAck         Outcome = iota + 1 // TCP SYN-ACK
	OutcomeRefused                        // TCP RST
	OutcomeEchoReply                      // ICMP echo reply
	OutcomeUnreachable                    // ICMP destination unreachable
	OutcomeLinkReply                      // ARP reply
	OutcomeTimeExceeded                   // ICMP TTL exceeded in transit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRefused:
		return "refused"
	case OutcomeEchoReply:
		return "echo-reply"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeLinkReply:
		return "link-reply"
	case OutcomeTimeExceeded:
		return "time-exceeded"
	default:
		return "unknown"
	}
}
