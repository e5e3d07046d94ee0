// Package filter installs per-platform firewall rules that keep a raw-socket
// PGM endpoint quiet: a multicast receiver that never connects its socket
// still gets an ICMP "port unreachable" back from the kernel whenever a NAK
// or NCF it sends is delivered to a host with nothing bound to that port,
// and a spoofed NAK storm from an address outside the peer table can pin a
// sender's retransmit queue. Both are cosmetic at the protocol level but
// noisy enough in practice that every platform backend here suppresses them
// the same way the teacher suppressed stray TCP RSTs.
package filter

import (
	"fmt"
	"log"
	"net"
	"sync"
)

// Filter is implemented per-platform (filter-linux.go, filter-macos.go,
// filter-win.go). NewFilter picks the right one at build time.
type Filter interface {
	// AddIcmpUnreachableFiltering opens a rule (or, cross-platform, a dummy
	// bound socket) that stops the kernel from generating ICMP port
	// unreachable datagrams in response to traffic exchanged with peerAddr.
	AddIcmpUnreachableFiltering(peerAddr string) error
	RemoveIcmpUnreachableFiltering(peerAddr string) error

	// AddNakSourceFiltering drops NAK/NCF/SPMR traffic claiming to come
	// from spoofedAddr, an address the transport has determined is not a
	// known peer for the session in question.
	AddNakSourceFiltering(spoofedAddr string) error
	RemoveNakSourceFiltering(spoofedAddr string) error

	// FinishFiltering tears down every rule this Filter has installed.
	FinishFiltering() error
}

// udpServerFilter is the one mechanism that needs no OS firewall at all:
// binding a dummy UDP socket to the peer's advertised address consumes the
// "destination unreachable" condition at the kernel before it can be
// turned into an ICMP reply. Shared by every platform implementation.
type udpServerFilter struct {
	conns sync.Map // addr string -> *net.UDPConn
}

func newUdpServerFilter() *udpServerFilter {
	return &udpServerFilter{}
}

func (u *udpServerFilter) add(addr string) error {
	if _, exists := u.conns.Load(addr); exists {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("filter: invalid udp address %q: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		// Most likely something else already owns the port, which is
		// exactly the condition we wanted; nothing to suppress.
		return nil
	}

	u.conns.Store(addr, conn)
	log.Printf("filter: suppressing icmp unreachable for %s", addr)
	return nil
}

func (u *udpServerFilter) remove(addr string) error {
	if v, exists := u.conns.Load(addr); exists {
		v.(*net.UDPConn).Close()
		u.conns.Delete(addr)
		log.Printf("filter: stopped suppressing icmp unreachable for %s", addr)
	}
	return nil
}
