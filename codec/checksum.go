package codec

import "encoding/binary"

// checksum computes the RFC 1071 internet checksum. Running it over a block
// that already carries a correct checksum yields zero.
func checksum(parts ...[]byte) uint16 {
	var sum uint32
	var odd bool
	var carry byte
	for _, b := range parts {
		i := 0
		if odd && len(b) > 0 {
			sum += uint32(carry)<<8 | uint32(b[0])
			i = 1
			odd = false
		}
		for ; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i:]))
		}
		if i < len(b) {
			carry = b[i]
			odd = true
		}
	}
	if odd {
		sum += uint32(carry) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeader builds the IPv4 pseudo header used by TCP checksums.
func pseudoHeader(src, dst []byte, proto uint8, length int) []byte {
	ph := make([]byte, 12)
	copy(ph[0:4], src)
	copy(ph[4:8], dst)
	ph[9] = proto
	binary.BigEndian.PutUint16(ph[10:12], uint16(length))
	return ph
}
