// Package netio supplies the concrete PacketIO collaborators lib.Transport
// binds against: a UDP-encapsulated multicast socket (the portable default)
// and a raw IP socket (native PGM framing, protocol 113), plus a malformed-
// packet diagnostic dump. Raw/UDP socket opening, multicast membership, and
// interface binding are deliberately kept out of the lib package per
// spec.md §1; this package is where that externally-consumed surface
// actually lives, grounded on the teacher's PcpCore dial/listen code
// (lib/pcpcore.go, lib/pconn.go) generalized from a single TCP-over-IP
// socket to a multicast PGM one.
package netio

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ProtocolPGM is IANA protocol number 113, PGM's native raw-socket
// protocol id, the multicast-transport analogue of the teacher's
// PcpCoreConfig.ProtocolID (6, for its pseudo-TCP-over-IP framing).
const ProtocolPGM = 113

// DumpIPHeader renders a received datagram's IPv4 header fields (addresses,
// protocol, TTL, length) as a one-line diagnostic string, the same role the
// teacher's util-win.go WinDivert loop gets from gopacket/layers when it
// inspects intercepted packets. Nothing else in this module calls it.
func DumpIPHeader(buf []byte) string {
	packet := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return fmt.Sprintf("netio: %d bytes, not ipv4", len(buf))
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return fmt.Sprintf("netio: %d bytes, unparsable ipv4 layer", len(buf))
	}
	return fmt.Sprintf("netio: %s -> %s proto=%d ttl=%d len=%d", ip.SrcIP, ip.DstIP, ip.Protocol, ip.TTL, ip.Length)
}
