package netio

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/Clouded-Sabre/pgm-go/lib"
)

// UDPMulticastIO implements lib.PacketIO over a UDP socket joined to an
// IPv4 multicast group, the portable default that needs no elevated
// privilege, unlike the teacher's raw IP socket (lib.PcpCore.clientConn,
// a *net.IPConn dialed with a custom protocol number). Multicast group
// membership and TTL are driven through golang.org/x/net/ipv4's
// PacketConn, the standard ecosystem replacement for the platform-specific
// syscalls the teacher's util-linux.go/util-macos.go/util-win.go hand-roll
// for its own (unicast) raw socket needs.
type UDPMulticastIO struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	iface   *net.Interface
	group   *net.UDPAddr
	destTTL int
}

// NewUDPMulticastIO opens a UDP socket bound to port on all local
// addresses, joins group for receiving on the named interface (empty
// selects the system default), which also becomes the outgoing multicast
// interface when named, and sets the outgoing multicast TTL to hops. loopback controls
// SetMulticastLoopback, useful for single-host test harnesses exercising
// both a sender and receiver transport.
func NewUDPMulticastIO(ifaceName string, port int, group net.IP, hops uint8, loopback bool) (*UDPMulticastIO, error) {
	var iface *net.Interface
	if ifaceName != "" {
		ifi, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("netio: resolving interface %q: %w", ifaceName, err)
		}
		iface = ifi
	}

	laddr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen udp4 :%d: %w", port, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: group, Port: port}
	if err := pconn.JoinGroup(iface, groupAddr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netio: joining multicast group %s: %w", group, err)
	}
	if err := pconn.SetMulticastTTL(int(hops)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netio: setting multicast ttl %d: %w", hops, err)
	}
	if err := pconn.SetMulticastLoopback(loopback); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netio: setting multicast loopback: %w", err)
	}
	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("netio: setting multicast interface %s: %w", iface.Name, err)
		}
	}
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netio: enabling destination control messages: %w", err)
	}

	return &UDPMulticastIO{conn: conn, pconn: pconn, iface: iface, group: groupAddr, destTTL: int(hops)}, nil
}

// ReadFrom implements lib.PacketIO. It reads through the ipv4.PacketConn
// with destination-address control messages enabled so dst reports the
// multicast group the datagram actually arrived on, letting Dispatch learn
// a peer's published group NLA the way spec.md §3 describes.
func (u *UDPMulticastIO) ReadFrom(buf []byte) (int, net.Addr, net.Addr, error) {
	n, cm, src, err := u.pconn.ReadFrom(buf)
	if err != nil {
		return n, src, nil, fmt.Errorf("netio: udp read: %w", err)
	}
	var dst net.Addr
	if cm != nil && cm.Dst != nil {
		dst = &net.UDPAddr{IP: cm.Dst}
	}
	return n, src, dst, nil
}

// WriteTo implements lib.PacketIO. noReplyExpected has no effect on a
// plain UDP socket; it only matters to a raw IP path that can choose to
// skip neighbor-resolution refresh (spec.md §9 open question (a)).
func (u *UDPMulticastIO) WriteTo(buf []byte, dst net.Addr, noReplyExpected bool) (int, error) {
	udst, ok := dst.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("netio: destination %v is not a *net.UDPAddr", dst)
	}
	n, err := u.conn.WriteToUDP(buf, udst)
	if err != nil {
		return n, fmt.Errorf("netio: udp write: %w", err)
	}
	return n, nil
}

// Close implements lib.PacketIO.
func (u *UDPMulticastIO) Close() error {
	if err := u.pconn.LeaveGroup(u.iface, u.group); err != nil {
		u.conn.Close()
		return fmt.Errorf("netio: leaving multicast group: %w", err)
	}
	return u.conn.Close()
}

// LocalAddr returns the bound local address, for transports that need to
// report their own source NLA.
func (u *UDPMulticastIO) LocalAddr() net.Addr { return u.conn.LocalAddr() }

var _ lib.PacketIO = (*UDPMulticastIO)(nil)
