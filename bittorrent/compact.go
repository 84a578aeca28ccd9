package bittorrent

import "net"

// CompactLen is the size of one entry in the compact IPv4 peer format.
const CompactLen = net.IPv4len + 2

// CompactIPv4 returns the BEP 23 compact form of an IPv4 address and port:
// four address octets followed by the port in network byte order.
//
// It returns nil if ip is not an IPv4 address.
func CompactIPv4(ip net.IP, port uint16) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}

	buf := make([]byte, 0, CompactLen)
	buf = append(buf, ip4...)
	buf = append(buf, byte(port>>8), byte(port&0xff))
	return buf
}

// AppendCompact appends the compact form of every IPv4 peer to dst. Peers
// without an IPv4 address are skipped.
func AppendCompact(dst []byte, peers []Peer) []byte {
	for _, p := range peers {
		dst = append(dst, CompactIPv4(p.IP, p.Port)...)
	}
	return dst
}
