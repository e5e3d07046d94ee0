//go:build windows
// +build windows

package filter

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
)

// filterImpl intercepts at the WinDivert network layer because Windows
// Firewall rules can't distinguish "ICMP unreachable in reply to our own
// multicast socket" from any other ICMP unreachable on the host.
type filterImpl struct {
	handle    *divert.Handle
	stopChan  chan struct{}
	isRunning bool
	icmpPeers map[string]bool // peer addresses whose icmp unreachable replies are dropped
	nakSpoofs map[string]bool // source addresses whose udp traffic is dropped outright
	udp       *udpServerFilter
	mutex     sync.Mutex
}

func NewFilter(identifier string) (Filter, error) {
	return &filterImpl{
		icmpPeers: make(map[string]bool),
		nakSpoofs: make(map[string]bool),
		udp:       newUdpServerFilter(),
	}, nil
}

func (f *filterImpl) ensureRunning() error {
	if f.isRunning {
		return nil
	}

	h, err := divert.Open("icmp or udp", divert.LayerNetwork, 0, 0)
	if err != nil {
		return fmt.Errorf("filter: divert.Open failed: %w", err)
	}
	f.handle = h
	f.stopChan = make(chan struct{})
	f.isRunning = true

	go f.runFilteringLoop()
	return nil
}

// AddIcmpUnreachableFiltering suppresses ICMP port unreachable datagrams
// whose outer IP source address is peerAddr, the replies a peer's
// kernel would otherwise bounce back at us for stray NAK/NCF traffic.
func (f *filterImpl) AddIcmpUnreachableFiltering(peerAddr string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := f.ensureRunning(); err != nil {
		return err
	}
	f.icmpPeers[peerAddr] = true
	return nil
}

func (f *filterImpl) RemoveIcmpUnreachableFiltering(peerAddr string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.icmpPeers, peerAddr)
	return f.finishIfIdleLocked()
}

// AddNakSourceFiltering drops inbound UDP carrying spoofedAddr as its
// source, the WinDivert equivalent of the iptables INPUT DROP rule.
func (f *filterImpl) AddNakSourceFiltering(spoofedAddr string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if err := f.ensureRunning(); err != nil {
		return err
	}
	f.nakSpoofs[spoofedAddr] = true
	return nil
}

func (f *filterImpl) RemoveNakSourceFiltering(spoofedAddr string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.nakSpoofs, spoofedAddr)
	return f.finishIfIdleLocked()
}

func (f *filterImpl) finishIfIdleLocked() error {
	if len(f.icmpPeers) > 0 || len(f.nakSpoofs) > 0 || !f.isRunning {
		return nil
	}
	close(f.stopChan)
	f.isRunning = false
	return nil
}

func (f *filterImpl) FinishFiltering() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.icmpPeers = make(map[string]bool)
	f.nakSpoofs = make(map[string]bool)

	if !f.isRunning {
		return errors.New("filter: no active filtering rules")
	}
	close(f.stopChan)
	f.isRunning = false

	f.udp.conns.Range(func(key, value any) bool {
		f.udp.remove(key.(string))
		return true
	})
	return nil
}

func (f *filterImpl) runFilteringLoop() {
	defer func() {
		f.mutex.Lock()
		f.handle.Close()
		f.isRunning = false
		f.mutex.Unlock()
	}()

	buf := make([]byte, 1500)
	addr := divert.Address{}

	for {
		select {
		case <-f.stopChan:
			log.Println("filter: stopping windivert loop")
			return
		default:
			n, err := f.handle.Recv(buf, &addr)
			if err != nil {
				log.Println("filter: recv failed:", err)
				continue
			}

			if f.shouldDrop(buf[:n]) {
				continue
			}
			if _, err := f.handle.Send(buf[:n], &addr); err != nil {
				log.Println("filter: reinject failed:", err)
			}
		}
	}
}

func (f *filterImpl) shouldDrop(raw []byte) bool {
	packet := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	if packet == nil {
		return false
	}

	ipv4Layer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return false
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if icmpLayer, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		if icmpLayer.TypeCode.Type() == layers.ICMPv4TypeDestinationUnreachable &&
			icmpLayer.TypeCode.Code() == layers.ICMPv4CodePort {
			if f.icmpPeers[ipv4Layer.SrcIP.String()] {
				log.Printf("filter: dropping icmp port unreachable from %s", ipv4Layer.SrcIP)
				return true
			}
		}
		return false
	}

	if f.nakSpoofs[ipv4Layer.SrcIP.String()] {
		log.Printf("filter: dropping spoofed udp from %s", ipv4Layer.SrcIP)
		return true
	}
	return false
}
