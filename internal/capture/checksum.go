package capture

import "encoding/binary"

// FixChecksums recomputes the IPv4 header checksum and the TCP or UDP
// checksum of the packet in place. Reinjected packets need this when any
// header byte changed on the way through. Best-effort: packets that are not
// IPv4 or are too short for their IPv4 header are left untouched; when the
// TCP or UDP segment is too short for its header, only the IPv4 header
// checksum is rewritten.
func FixChecksums(pkt []byte) {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < 20 || len(pkt) < ihl {
		return
	}

	// IPv4 header checksum.
	pkt[10], pkt[11] = 0, 0
	hsum := finish(sum16(pkt[:ihl], 0))
	binary.BigEndian.PutUint16(pkt[10:12], hsum)

	proto := pkt[9]
	seg := pkt[ihl:]
	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen >= ihl && totalLen <= len(pkt) {
		seg = pkt[ihl:totalLen]
	}

	switch proto {
	case 6: // TCP, checksum at offset 16
		if len(seg) < 20 {
			return
		}
		seg[16], seg[17] = 0, 0
		csum := transportChecksum(pkt, seg, proto)
		binary.BigEndian.PutUint16(seg[16:18], csum)
	case 17: // UDP, checksum at offset 6
		if len(seg) < 8 {
			return
		}
		seg[6], seg[7] = 0, 0
		csum := transportChecksum(pkt, seg, proto)
		if csum == 0 {
			// Zero means "no checksum" in UDP; transmit the complement.
			csum = 0xffff
		}
		binary.BigEndian.PutUint16(seg[6:8], csum)
	}
}

// transportChecksum computes the TCP/UDP checksum including the IPv4
// pseudo-header (source, destination, protocol, segment length).
func transportChecksum(pkt, seg []byte, proto uint8) uint16 {
	var sum uint32
	sum = sum16(pkt[12:20], sum) // src + dst addresses
	sum += uint32(proto)
	sum += uint32(len(seg))
	sum = sum16(seg, sum)
	return finish(sum)
}

// sum16 accumulates data as big-endian 16-bit words into the running
// one's-complement sum, padding an odd trailing byte with zero.
func sum16(data []byte, sum uint32) uint32 {
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

func finish(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
